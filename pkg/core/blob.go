package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const blobType = "blob"

// BlobLoader fetches blob content by digest.
type BlobLoader func(ctx context.Context, digest string) ([]byte, error)

// Blob is a binary attachment referenced from a document.
// Blobs are content addressed: two blobs with the same bytes share a digest
// and are stored once.
type Blob struct {
	ContentType string
	Digest      string
	Length      int64

	data   []byte
	loader BlobLoader
}

// NewBlob creates a blob holding data in memory until its document is saved.
func NewBlob(contentType string, data []byte) *Blob {
	sum := sha256.Sum256(data)
	cp := make([]byte, len(data))
	copy(cp, data)
	return &Blob{
		ContentType: contentType,
		Digest:      "sha256-" + hex.EncodeToString(sum[:]),
		Length:      int64(len(data)),
		data:        cp,
	}
}

// BlobRef creates a reference to already stored content.
func BlobRef(contentType, digest string, length int64, loader BlobLoader) *Blob {
	return &Blob{ContentType: contentType, Digest: digest, Length: length, loader: loader}
}

// Inline returns the in-memory bytes of a blob created with NewBlob.
func (b *Blob) Inline() ([]byte, bool) {
	return b.data, b.data != nil
}

// Bind attaches a loader used by Content when the bytes are not in memory.
func (b *Blob) Bind(loader BlobLoader) {
	b.loader = loader
}

// Content returns the blob bytes, loading them from the store when needed.
func (b *Blob) Content(ctx context.Context) ([]byte, error) {
	if b.data != nil {
		return b.data, nil
	}
	if b.loader == nil {
		return nil, errors.New("blob content is not available")
	}
	data, err := b.loader(ctx, b.Digest)
	if err != nil {
		return nil, fmt.Errorf("failed to load blob %s: %w", b.Digest, err)
	}
	return data, nil
}

func (b *Blob) refMap() map[string]any {
	return map[string]any{
		"@type":        blobType,
		"digest":       b.Digest,
		"length":       b.Length,
		"content_type": b.ContentType,
	}
}

func blobFromMap(m map[string]any) (*Blob, bool) {
	if t, _ := m["@type"].(string); t != blobType {
		return nil, false
	}
	digest, ok := m["digest"].(string)
	if !ok {
		return nil, false
	}
	ct, _ := m["content_type"].(string)
	var length int64
	switch n := m["length"].(type) {
	case int64:
		length = n
	case uint64:
		length = int64(n)
	case int:
		length = int64(n)
	case float64:
		length = int64(n)
	}
	return &Blob{ContentType: ct, Digest: digest, Length: length}, true
}
