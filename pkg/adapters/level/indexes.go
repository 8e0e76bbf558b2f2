package level

import (
	"context"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/index"
)

// DefineIndex persists an index definition and backfills it from the
// documents already stored. Defining an identical index again is a no-op.
func (s *Store) DefineIndex(ctx context.Context, spec index.Spec) (string, error) {
	if err := s.checkWritable(); err != nil {
		return "", err
	}
	err := s.alterIndexes(func(b *leveldb.Batch, v *snapshotView) error {
		_, err := s.indexes.Define(b, v, spec, v.source)
		return err
	})
	if err != nil {
		return "", err
	}
	return spec.Name, nil
}

// DropIndex deletes an index definition and its entries.
func (s *Store) DropIndex(ctx context.Context, name string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	return s.alterIndexes(func(b *leveldb.Batch, v *snapshotView) error {
		return s.indexes.Drop(b, v, name)
	})
}

// Indexes lists the index definitions.
func (s *Store) Indexes() []index.Spec {
	return s.Catalog().Specs()
}

// alterIndexes runs fn with the catalog locked exclusively, so no commit is
// in flight, and writes its batch. The catalog is reloaded if the write
// fails.
func (s *Store) alterIndexes(fn func(b *leveldb.Batch, v *snapshotView) error) error {
	s.indexes.Lock()
	defer s.indexes.Unlock()

	snap, err := s.db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot store: %w", err)
	}
	v := &snapshotView{store: s, snap: snap}
	defer v.Release()

	b := new(leveldb.Batch)
	if err := fn(b, v); err != nil {
		_ = s.indexes.Reload(s.db)
		return err
	}
	if b.Len() == 0 {
		return nil
	}
	if err := s.db.Write(b, &opt.WriteOptions{Sync: true}); err != nil {
		_ = s.indexes.Reload(s.db)
		return fmt.Errorf("failed to write index changes: %w", err)
	}
	return nil
}

// Verify recomputes the index entries of every document and compares them
// with the stored ones. Any mismatch switches the store to read-only mode.
func (s *Store) Verify(ctx context.Context) ([]index.Mismatch, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	view, err := s.View(ctx)
	if err != nil {
		return nil, err
	}
	defer view.Release()
	v := view.(*snapshotView)

	s.indexes.RLock()
	mismatches, err := s.indexes.Verify(v, v.source)
	s.indexes.RUnlock()
	if err != nil {
		return nil, err
	}
	if len(mismatches) > 0 {
		s.degrade(fmt.Errorf("%d index entries out of sync (first: %s): %w", len(mismatches), mismatches[0], core.ErrIndexCorrupted))
		return mismatches, core.ErrIndexCorrupted
	}
	return nil, nil
}

// Reindex rebuilds every index from the documents and leaves read-only
// degraded mode.
func (s *Store) Reindex(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.config.ReadOnly {
		return core.ErrReadOnly
	}
	err := s.alterIndexes(func(b *leveldb.Batch, v *snapshotView) error {
		specs := s.indexes.Specs()
		for _, spec := range specs {
			if err := s.indexes.Drop(b, v, spec.Name); err != nil {
				return err
			}
		}
		for _, spec := range specs {
			if _, err := s.indexes.Define(b, v, spec, v.source); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.degraded = nil
	s.mu.Unlock()
	s.logger.Info("indexes rebuilt")
	return nil
}
