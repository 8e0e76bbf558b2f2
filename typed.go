package humus

import (
	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/typed"
)

// DocumentModel is a public alias for the typed document model.
type DocumentModel[T any] = typed.DocumentModel[T]

// TypedRepository is a public alias for the typed repository.
type TypedRepository[T any] = typed.Repository[T]

// TypedService is a public alias for the typed service.
type TypedService[T any] = typed.Service[T]

// NewTypedRepository creates a type-safe wrapper around an open store.
func NewTypedRepository[T any](store typed.Store) *typed.Repository[T] {
	return typed.NewRepository[T](store)
}

// NewTypedService creates a type-safe wrapper around an existing service.
func NewTypedService[T any](svc *core.Service) *typed.Service[T] {
	return typed.NewService[T](svc)
}

// OpenTypedRepository opens the database at path and wraps it.
func OpenTypedRepository[T any](path string, opts ...Option) (*typed.Repository[T], error) {
	s, err := Open(path, opts...)
	if err != nil {
		return nil, err
	}
	return typed.NewRepository[T](s), nil
}

// OpenTypedService opens the database at path as a typed service.
func OpenTypedService[T any](path string, opts ...Option) (*typed.Service[T], error) {
	svc, err := New(path, opts...)
	if err != nil {
		return nil, err
	}
	return typed.NewService[T](svc), nil
}

// TypedBatch is a public alias for the typed batch.
type TypedBatch[T any] = typed.Batch[T]
