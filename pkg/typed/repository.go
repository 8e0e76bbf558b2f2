// Package typed maps documents onto Go structs.
//
// Struct fields are converted with the CBOR codec, which honours `cbor`
// and `json` struct tags, so integers stay integers in the stored body.
package typed

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/query"
)

// DocumentModel wraps a document with a typed body.
type DocumentModel[T any] struct {
	ID   string
	Rev  core.RevID // base revision for the next save; empty for new documents
	Data T
	// Saver is attached by Get and Save so the model can save itself.
	Saver Saver[T]
}

// Saver avoids tight coupling between models and the Repository, Service
// or Batch that loaded them.
type Saver[T any] interface {
	Save(ctx context.Context, doc *DocumentModel[T]) error
}

// Save persists the document using the attached saver.
func (d *DocumentModel[T]) Save(ctx context.Context) error {
	if d.Saver == nil {
		return fmt.Errorf("document is detached (missing Saver)")
	}
	return d.Saver.Save(ctx, d)
}

// Store is what a Repository needs: single-document writes and queries.
type Store interface {
	core.Store
	query.Source
}

// Repository gives type-safe access to the documents of a store.
type Repository[T any] struct {
	store Store
}

// NewRepository creates a new type-safe wrapper around an existing store.
func NewRepository[T any](store Store) *Repository[T] {
	return &Repository[T]{store: store}
}

// Save persists a typed document. A stale Rev yields core.ErrConflict.
func (r *Repository[T]) Save(ctx context.Context, doc *DocumentModel[T]) error {
	coreDoc, err := toCore(doc)
	if err != nil {
		return err
	}
	if doc.Saver == nil {
		doc.Saver = r
	}
	rev, err := r.store.Save(ctx, coreDoc)
	if err != nil {
		return err
	}
	doc.ID, doc.Rev = coreDoc.ID, rev
	return nil
}

// Get retrieves a document and decodes it.
func (r *Repository[T]) Get(ctx context.Context, id string) (*DocumentModel[T], error) {
	coreDoc, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromCore(coreDoc, r)
}

// Delete removes a document by ID.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	_, err := r.store.Delete(ctx, id)
	return err
}

// List returns every live document in key order.
func (r *Repository[T]) List(ctx context.Context) ([]*DocumentModel[T], error) {
	return r.Query(ctx, query.Select())
}

// Query runs q, which must select whole documents, and decodes the matches.
func (r *Repository[T]) Query(ctx context.Context, q *query.Query) ([]*DocumentModel[T], error) {
	rs, err := query.Run(ctx, r.store, q)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var result []*DocumentModel[T]
	for rs.Next() {
		if rs.Row().Document() == nil {
			return nil, fmt.Errorf("query does not select whole documents: %w", core.ErrInvalidQuery)
		}
		model, err := fromCore(rs.Row().Document(), r)
		if err != nil {
			return nil, fmt.Errorf("failed to process document %s: %w", rs.Row().ID, err)
		}
		result = append(result, model)
	}
	return result, rs.Err()
}

func toCore[T any](doc *DocumentModel[T]) (*core.Document, error) {
	data, err := cbor.Marshal(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal typed data: %w", err)
	}
	body, err := core.DecodeBody(data)
	if err != nil {
		return nil, fmt.Errorf("failed to convert typed data: %w", err)
	}
	fields, ok := body.AsMap()
	if !ok {
		return nil, errors.New("typed data must encode to a map")
	}

	var coreDoc *core.Document
	if doc.ID == "" {
		coreDoc = core.NewDocument()
	} else {
		coreDoc = core.NewDocumentWithID(doc.ID)
	}
	coreDoc.Rev = doc.Rev
	for k, v := range fields {
		coreDoc.SetValue(k, v)
	}
	return coreDoc, nil
}

func fromCore[T any](coreDoc *core.Document, saver Saver[T]) (*DocumentModel[T], error) {
	data, err := core.EncodeBody(coreDoc.Body())
	if err != nil {
		return nil, fmt.Errorf("body marshal failed: %w", err)
	}
	var typed T
	if err := cbor.Unmarshal(data, &typed); err != nil {
		return nil, fmt.Errorf("unmarshal to target type failed: %w", err)
	}
	return &DocumentModel[T]{
		ID:    coreDoc.ID,
		Rev:   coreDoc.Rev,
		Data:  typed,
		Saver: saver,
	}, nil
}
