package level

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/index"
)

// snapshotView implements index.View over a goleveldb snapshot.
type snapshotView struct {
	store   *Store
	snap    *leveldb.Snapshot
	catalog *index.Catalog
}

var _ index.View = (*snapshotView)(nil)

// View takes a consistent snapshot of documents and index rows. Commits
// made afterwards are not visible through it. Release must be called.
func (s *Store) View(ctx context.Context) (index.View, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	// Commits hold the catalog read lock, so the catalog cannot change
	// between taking the snapshot and copying the definitions.
	s.indexes.RLock()
	defer s.indexes.RUnlock()
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot store: %w", err)
	}
	return &snapshotView{store: s, snap: snap, catalog: s.indexes.Snapshot()}, nil
}

// Catalog returns the current index definitions.
func (s *Store) Catalog() *index.Catalog {
	s.indexes.RLock()
	defer s.indexes.RUnlock()
	return s.indexes.Snapshot()
}

func (v *snapshotView) Get(key []byte, ro *opt.ReadOptions) ([]byte, error) {
	return v.snap.Get(key, ro)
}

func (v *snapshotView) NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator {
	return v.snap.NewIterator(slice, ro)
}

func (v *snapshotView) Catalog() *index.Catalog { return v.catalog }

func (v *snapshotView) Document(key string) (*core.Document, error) {
	h, err := v.store.readHeader(v.snap, key)
	if err != nil {
		return nil, err
	}
	if !h.live() {
		return nil, fmt.Errorf("%q: %w", key, core.ErrNotFound)
	}
	return v.store.loadDoc(v.snap, key, h)
}

func (v *snapshotView) Key(row uint32) (string, error) {
	data, err := v.snap.Get(rowKey(row), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", fmt.Errorf("row %d: %w", row, core.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (v *snapshotView) Universe() (*roaring.Bitmap, error) {
	rows := roaring.New()
	err := v.headers(func(key string, h *header) (bool, error) {
		if h.live() {
			rows.Add(h.Row)
		}
		return true, nil
	})
	return rows, err
}

func (v *snapshotView) Scan(fn func(row uint32, doc *core.Document) (bool, error)) error {
	return v.headers(func(key string, h *header) (bool, error) {
		if !h.live() {
			return true, nil
		}
		doc, err := v.store.loadDoc(v.snap, key, h)
		if err != nil {
			return false, err
		}
		return fn(h.Row, doc)
	})
}

func (v *snapshotView) headers(fn func(key string, h *header) (bool, error)) error {
	it := v.snap.NewIterator(util.BytesPrefix([]byte(prefixDoc)), nil)
	defer it.Release()
	for it.Next() {
		h, err := decodeHeader(it.Value())
		if err != nil {
			return err
		}
		more, err := fn(strings.TrimPrefix(string(it.Key()), prefixDoc), h)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return it.Error()
}

func (v *snapshotView) Release() { v.snap.Release() }

// source adapts a view to the backfill/verify iterator of pkg/index.
func (v *snapshotView) source(yield func(key string, row uint32, doc *core.Document) error) error {
	return v.Scan(func(row uint32, doc *core.Document) (bool, error) {
		if err := yield(doc.ID, row, doc); err != nil {
			return false, err
		}
		return true, nil
	})
}
