package level

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/aretw0/humus/pkg/core"
)

// SaveBlob stores blob content ahead of the document that references it.
// Content already present is not written again.
func (s *Store) SaveBlob(ctx context.Context, b *core.Blob) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	data, ok := b.Inline()
	if !ok {
		return fmt.Errorf("blob %s has no content to store", b.Digest)
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	batch := new(leveldb.Batch)
	if err := s.putBlob(batch, b.Digest, b.ContentType, data, map[string]bool{}); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}
	b.Bind(s.loadBlob)
	return nil
}

// BlobContent returns the decompressed bytes of a stored blob.
func (s *Store) BlobContent(ctx context.Context, digest string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.loadBlob(ctx, digest)
}

func (s *Store) loadBlob(ctx context.Context, digest string) ([]byte, error) {
	data, err := s.db.Get(blobKey(digest), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("blob %s: %w", digest, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", digest, err)
	}
	rec, err := decodeBlob(data)
	if err != nil {
		return nil, err
	}
	content, err := s.zdec.DecodeAll(rec.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress blob %s: %w", digest, err)
	}
	return content, nil
}

func (s *Store) blobMeta(digest string) (*blobRecord, error) {
	data, err := s.db.Get(blobKey(digest), nil)
	if err != nil {
		return nil, err
	}
	return decodeBlob(data)
}

func decodeBlob(data []byte) (*blobRecord, error) {
	var rec blobRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode blob record: %w", err)
	}
	return &rec, nil
}

func (s *Store) bindBlobs(doc *core.Document) {
	for _, b := range doc.Blobs() {
		if _, ok := b.Inline(); !ok {
			b.Bind(s.loadBlob)
		}
	}
}

// writeBlobs adds the blobs of m to the batch. Blobs created in memory are
// stored once per digest; references must point at stored content. The
// caller holds commitMu.
func (s *Store) writeBlobs(batch *leveldb.Batch, m *mutation, staged map[string]bool) error {
	for _, in := range m.incoming {
		sum := sha256.Sum256(in.Data)
		if in.Digest != "sha256-"+hex.EncodeToString(sum[:]) {
			return fmt.Errorf("blob %s: content does not match digest", in.Digest)
		}
		if err := s.putBlob(batch, in.Digest, in.ContentType, in.Data, staged); err != nil {
			return err
		}
	}
	for _, b := range m.blobs {
		if data, ok := b.Inline(); ok {
			if err := s.putBlob(batch, b.Digest, b.ContentType, data, staged); err != nil {
				return err
			}
			continue
		}
		if staged[b.Digest] {
			continue
		}
		ok, err := s.db.Has(blobKey(b.Digest), nil)
		if err != nil {
			return fmt.Errorf("failed to check blob %s: %w", b.Digest, err)
		}
		if !ok {
			return fmt.Errorf("%q references blob %s: %w", m.key, b.Digest, core.ErrNotFound)
		}
	}
	return nil
}

func (s *Store) putBlob(batch *leveldb.Batch, digest, contentType string, data []byte, staged map[string]bool) error {
	if staged[digest] {
		return nil
	}
	ok, err := s.db.Has(blobKey(digest), &opt.ReadOptions{DontFillCache: true})
	if err != nil {
		return fmt.Errorf("failed to check blob %s: %w", digest, err)
	}
	staged[digest] = true
	if ok {
		return nil
	}
	rec, err := cbor.Marshal(blobRecord{
		ContentType: contentType,
		Length:      int64(len(data)),
		Data:        s.zenc.EncodeAll(data, nil),
	})
	if err != nil {
		return fmt.Errorf("failed to encode blob record: %w", err)
	}
	batch.Put(blobKey(digest), rec)
	return nil
}
