package level

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/index"
)

// CompactStats reports what Compact removed.
type CompactStats struct {
	Tombstones int `json:"tombstones"`
	Blobs      int `json:"blobs"`
}

// Compact physically removes tombstones that every replication checkpoint
// has pushed past, then blobs no stored revision references, then asks
// goleveldb to compact its files.
func (s *Store) Compact(ctx context.Context) (CompactStats, error) {
	var stats CompactStats
	if err := s.checkWritable(); err != nil {
		return stats, err
	}

	cps, err := s.checkpoints(s.db)
	if err != nil {
		return stats, err
	}
	horizon := s.LastSeq()
	for _, cp := range cps {
		horizon = min(horizon, cp.Push)
	}

	candidates, err := s.tombstones(ctx, horizon)
	if err != nil {
		return stats, err
	}
	for _, key := range candidates {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		purged, err := s.purge(key, horizon)
		if err != nil {
			return stats, err
		}
		if purged {
			stats.Tombstones++
		}
	}

	if stats.Blobs, err = s.collectBlobs(); err != nil {
		return stats, err
	}
	if err := s.db.CompactRange(util.Range{}); err != nil {
		return stats, fmt.Errorf("failed to compact storage: %w", err)
	}
	s.logger.Info("store compacted", "tombstones", stats.Tombstones, "blobs", stats.Blobs, "horizon", horizon)
	return stats, nil
}

func (s *Store) checkpoints(r index.Reader) ([]core.Checkpoint, error) {
	it := r.NewIterator(util.BytesPrefix([]byte(prefixCheckpoint)), nil)
	defer it.Release()
	var out []core.Checkpoint
	for it.Next() {
		var cp core.Checkpoint
		if err := cbor.Unmarshal(it.Value(), &cp); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %q: %w", it.Key(), err)
		}
		out = append(out, cp)
	}
	return out, it.Error()
}

// tombstones lists deleted keys whose tombstone sequence is at or below
// horizon.
func (s *Store) tombstones(ctx context.Context, horizon uint64) ([]string, error) {
	it := s.db.NewIterator(&util.Range{Start: []byte(prefixSeq), Limit: seqKey(horizon + 1)}, nil)
	defer it.Release()
	var keys []string
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := string(it.Value())
		h, err := s.readHeader(s.db, key)
		if err != nil {
			return nil, err
		}
		if h != nil && h.Deleted {
			keys = append(keys, key)
		}
	}
	return keys, it.Error()
}

// purge removes every trace of a tombstoned key.
func (s *Store) purge(key string, horizon uint64) (bool, error) {
	unlock := s.locks.lock(key)
	defer unlock()

	h, err := s.readHeader(s.db, key)
	if err != nil {
		return false, err
	}
	if h == nil || !h.Deleted || h.Seq > horizon {
		return false, nil
	}

	b := new(leveldb.Batch)
	b.Delete(docKey(key))
	b.Delete(seqKey(h.Seq))
	b.Delete(rowKey(h.Row))
	it := s.db.NewIterator(util.BytesPrefix(revPrefix(key)), nil)
	for it.Next() {
		b.Delete(bytes.Clone(it.Key()))
	}
	err = it.Error()
	it.Release()
	if err != nil {
		return false, err
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if err := s.db.Write(b, &opt.WriteOptions{Sync: true}); err != nil {
		return false, fmt.Errorf("failed to purge %q: %w", key, err)
	}
	s.cache.Remove(key)
	return true, nil
}

// collectBlobs deletes blob records no stored revision body references.
// It runs under commitMu so no commit can add a reference concurrently.
func (s *Store) collectBlobs() (int, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	referenced := make(map[string]bool)
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixRev)), nil)
	for it.Next() {
		if len(it.Value()) == 0 || !bytes.Contains(it.Value(), []byte("sha256-")) {
			continue
		}
		body, err := core.DecodeBody(it.Value())
		if err != nil {
			it.Release()
			return 0, err
		}
		for _, b := range body.Blobs(nil) {
			referenced[b.Digest] = true
		}
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return 0, err
	}

	batch := new(leveldb.Batch)
	it = s.db.NewIterator(util.BytesPrefix([]byte(prefixBlob)), nil)
	for it.Next() {
		digest := strings.TrimPrefix(string(it.Key()), prefixBlob)
		if !referenced[digest] {
			batch.Delete(bytes.Clone(it.Key()))
		}
	}
	err = it.Error()
	it.Release()
	if err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return 0, fmt.Errorf("failed to delete unreferenced blobs: %w", err)
	}
	return batch.Len(), nil
}
