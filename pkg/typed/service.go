package typed

import (
	"context"

	"github.com/aretw0/humus/pkg/core"
)

// Service wraps a core.Service to provide type-safe access and business logic support.
type Service[T any] struct {
	svc *core.Service
}

// NewService creates a new typed service wrapper.
func NewService[T any](svc *core.Service) *Service[T] {
	return &Service[T]{svc: svc}
}

// Save validates and persists a typed document.
func (s *Service[T]) Save(ctx context.Context, doc *DocumentModel[T]) error {
	coreDoc, err := toCore(doc)
	if err != nil {
		return err
	}
	if doc.Saver == nil {
		doc.Saver = s
	}
	rev, err := s.svc.SaveDocument(ctx, coreDoc)
	if err != nil {
		return err
	}
	doc.ID, doc.Rev = coreDoc.ID, rev
	return nil
}

// Get retrieves a document via Service.
func (s *Service[T]) Get(ctx context.Context, id string) (*DocumentModel[T], error) {
	coreDoc, err := s.svc.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromCore(coreDoc, s)
}

// Delete removes a document via Service.
func (s *Service[T]) Delete(ctx context.Context, id string) error {
	_, err := s.svc.DeleteDocument(ctx, id)
	return err
}

// Watch observes changes in the store.
func (s *Service[T]) Watch(ctx context.Context, pattern string) (<-chan core.Event, error) {
	return s.svc.Watch(ctx, pattern)
}

// RunBatch executes fn within an atomic batch of typed writes.
func (s *Service[T]) RunBatch(ctx context.Context, fn func(ctx context.Context, b *Batch[T]) error) error {
	return s.svc.RunBatch(ctx, func(ctx context.Context, coreBatch core.Batch) error {
		return fn(ctx, &Batch[T]{b: coreBatch})
	})
}

// Batch wraps a core.Batch for typed operations. Reads see the batch's
// own staged writes.
type Batch[T any] struct {
	b core.Batch
}

// Save stages a typed document.
func (b *Batch[T]) Save(ctx context.Context, doc *DocumentModel[T]) error {
	coreDoc, err := toCore(doc)
	if err != nil {
		return err
	}
	if doc.Saver == nil {
		doc.Saver = b
	}
	rev, err := b.b.Save(ctx, coreDoc)
	if err != nil {
		return err
	}
	doc.ID, doc.Rev = coreDoc.ID, rev
	return nil
}

// Get retrieves a document within the batch.
func (b *Batch[T]) Get(ctx context.Context, id string) (*DocumentModel[T], error) {
	coreDoc, err := b.b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromCore(coreDoc, b)
}

// Delete stages a tombstone.
func (b *Batch[T]) Delete(ctx context.Context, id string) error {
	_, err := b.b.Delete(ctx, id)
	return err
}
