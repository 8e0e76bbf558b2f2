package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
)

// Service handles the business logic for documents on top of a Store.
type Service struct {
	store  Store
	logger *slog.Logger

	saves   atomic.Int64
	deletes atomic.Int64
}

// NewService creates a new Service. A nil logger discards output.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{store: store, logger: logger}
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// ValidateKey rejects keys the storage keyspace cannot represent.
func ValidateKey(key string) error {
	if key == "" {
		return errors.Join(ErrInvalidKey, errors.New("document ID cannot be empty"))
	}
	if strings.ContainsRune(key, 0) {
		return errors.Join(ErrInvalidKey, errors.New("document ID cannot contain NUL"))
	}
	return nil
}

// SaveDocument validates and saves a document.
func (s *Service) SaveDocument(ctx context.Context, doc *Document) (RevID, error) {
	if doc == nil {
		return "", errors.New("document cannot be nil")
	}
	if err := ValidateKey(doc.ID); err != nil {
		return "", err
	}
	if err := doc.Err(); err != nil {
		return "", err
	}
	rev, err := s.store.Save(ctx, doc)
	if err != nil {
		return "", err
	}
	s.saves.Add(1)
	s.logger.Debug("document saved", "id", doc.ID, "rev", rev)
	return rev, nil
}

// GetDocument retrieves a document.
func (s *Service) GetDocument(ctx context.Context, id string) (*Document, error) {
	if err := ValidateKey(id); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// DeleteDocument removes a document by writing a tombstone.
func (s *Service) DeleteDocument(ctx context.Context, id string) (RevID, error) {
	if err := ValidateKey(id); err != nil {
		return "", err
	}
	rev, err := s.store.Delete(ctx, id)
	if err != nil {
		return "", err
	}
	s.deletes.Add(1)
	s.logger.Debug("document deleted", "id", id, "rev", rev)
	return rev, nil
}

// RunBatch executes fn within an atomic batch.
func (s *Service) RunBatch(ctx context.Context, fn func(ctx context.Context, b Batch) error) error {
	b, ok := s.store.(Batcher)
	if !ok {
		return errors.New("store does not support batches")
	}
	return b.RunBatch(ctx, fn)
}

// Watch observes changes in the store if supported.
func (s *Service) Watch(ctx context.Context, pattern string) (<-chan Event, error) {
	w, ok := s.store.(Watchable)
	if !ok {
		return nil, errors.New("store does not support watching")
	}
	return w.Watch(ctx, pattern)
}
