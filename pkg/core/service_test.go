package core_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aretw0/humus/pkg/core"
)

// MockStore implements core.Store in memory.
// It deliberately does NOT implement core.Batcher to test fallback/errors.
type MockStore struct {
	docs map[string]*core.Document
}

func NewMockStore() *MockStore {
	return &MockStore{
		docs: make(map[string]*core.Document),
	}
}

func (m *MockStore) Save(ctx context.Context, doc *core.Document) (core.RevID, error) {
	if cur, ok := m.docs[doc.ID]; ok && cur.Rev != doc.Rev {
		return "", &core.ConflictError{Key: doc.ID, Current: cur.Rev}
	}
	body, err := core.EncodeBody(doc.Body())
	if err != nil {
		return "", err
	}
	doc.Rev = core.NewRevID(doc.Rev, false, body)
	m.docs[doc.ID] = doc.Clone()
	return doc.Rev, nil
}

func (m *MockStore) Get(ctx context.Context, id string) (*core.Document, error) {
	doc, ok := m.docs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *MockStore) Delete(ctx context.Context, id string) (core.RevID, error) {
	doc, ok := m.docs[id]
	if !ok {
		return "", core.ErrNotFound
	}
	delete(m.docs, id)
	return core.NewRevID(doc.Rev, true, nil), nil
}

func (m *MockStore) Close() error { return nil }

func TestService_CRUD(t *testing.T) {
	store := NewMockStore()
	service := core.NewService(store, nil)
	ctx := context.TODO()

	// 1. Save
	doc := core.NewDocumentWithID("doc1").Set("author", "me")
	rev, err := service.SaveDocument(ctx, doc)
	if err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}
	if rev.Generation() != 1 || doc.Rev != rev {
		t.Errorf("expected generation 1 written back to the document, got %q / %q", rev, doc.Rev)
	}

	// 2. Get
	got, err := service.GetDocument(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.GetString("author") != "me" {
		t.Errorf("expected author 'me', got '%s'", got.GetString("author"))
	}

	// 3. Delete
	if _, err := service.DeleteDocument(ctx, "doc1"); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}
	_, err = service.GetDocument(ctx, "doc1")
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound after deletion, got %v", err)
	}

	state := service.State().(core.ServiceState)
	if state.Saves != 1 || state.Deletes != 1 {
		t.Errorf("unexpected counters: %+v", state)
	}
}

func TestService_Validation(t *testing.T) {
	service := core.NewService(NewMockStore(), nil)
	ctx := context.TODO()

	if _, err := service.SaveDocument(ctx, core.NewDocumentWithID("")); !errors.Is(err, core.ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for empty id, got %v", err)
	}
	if _, err := service.GetDocument(ctx, "a\x00b"); !errors.Is(err, core.ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for NUL id, got %v", err)
	}

	bad := core.NewDocumentWithID("x").Set("ch", make(chan int))
	if _, err := service.SaveDocument(ctx, bad); err == nil {
		t.Fatal("expected conversion error to surface on save")
	}
}

func TestService_RunBatch_Unsupported(t *testing.T) {
	service := core.NewService(NewMockStore(), nil)
	ctx := context.TODO()

	err := service.RunBatch(ctx, func(ctx context.Context, b core.Batch) error {
		return nil
	})

	if err == nil {
		t.Fatal("expected error for store without batches")
	}
	if err.Error() != "store does not support batches" {
		t.Errorf("unexpected error msg: %v", err)
	}
}
