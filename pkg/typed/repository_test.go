package typed_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aretw0/humus/pkg/adapters/level"
	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/query"
	"github.com/aretw0/humus/pkg/typed"
)

type UserProfile struct {
	Name  string   `json:"name"`
	Email string   `json:"email,omitempty"`
	Age   int      `json:"age"`
	Tags  []string `json:"tags,omitempty"`
}

func setupStore(t *testing.T) *level.Store {
	t.Helper()
	s, err := level.Open(level.Config{InMemory: true})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTypedRepository(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	userRepo := typed.NewRepository[UserProfile](store)

	alice := &typed.DocumentModel[UserProfile]{
		ID:   "users/alice",
		Data: UserProfile{Name: "Alice", Email: "alice@example.com", Age: 30, Tags: []string{"admin"}},
	}
	if err := userRepo.Save(ctx, alice); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if alice.Rev.Generation() != 1 {
		t.Errorf("expected generation 1, got %s", alice.Rev)
	}

	// Integers survive as integers in the stored body.
	raw, err := store.Get(ctx, "users/alice")
	if err != nil {
		t.Fatal(err)
	}
	if raw.Get("age").Kind() != core.KindInt {
		t.Errorf("expected age stored as int, got %s", raw.Get("age").Kind())
	}

	retrieved, err := userRepo.Get(ctx, "users/alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved.Data.Name != "Alice" || retrieved.Data.Age != 30 || len(retrieved.Data.Tags) != 1 {
		t.Errorf("unexpected data: %+v", retrieved.Data)
	}

	// Active record style: the loaded model saves itself on top of its revision.
	retrieved.Data.Age = 31
	if err := retrieved.Save(ctx); err != nil {
		t.Fatalf("model Save failed: %v", err)
	}
	if err := alice.Save(ctx); !errors.Is(err, core.ErrConflict) {
		t.Errorf("expected conflict for a stale model, got %v", err)
	}

	bob := &typed.DocumentModel[UserProfile]{ID: "users/bob", Data: UserProfile{Name: "Bob", Age: 25}}
	if err := userRepo.Save(ctx, bob); err != nil {
		t.Fatal(err)
	}

	list, err := userRepo.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "users/alice" || list[1].ID != "users/bob" {
		t.Errorf("unexpected list: %+v", list)
	}

	young, err := userRepo.Query(ctx, query.Select().Where(query.Property("age").LessThan(query.Int(30))))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(young) != 1 || young[0].Data.Name != "Bob" {
		t.Errorf("unexpected query result: %+v", young)
	}

	_, err = userRepo.Query(ctx, query.Select(query.DocID()))
	if !errors.Is(err, core.ErrInvalidQuery) {
		t.Errorf("expected invalid query for a projection, got %v", err)
	}

	if err := userRepo.Delete(ctx, "users/bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := userRepo.Get(ctx, "users/bob"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

func TestTypedRepository_GeneratedID(t *testing.T) {
	userRepo := typed.NewRepository[UserProfile](setupStore(t))
	doc := &typed.DocumentModel[UserProfile]{Data: UserProfile{Name: "Anon"}}
	if err := userRepo.Save(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	if doc.ID == "" {
		t.Fatal("expected a generated ID")
	}
}

func TestDetachedModel(t *testing.T) {
	doc := &typed.DocumentModel[UserProfile]{ID: "x"}
	if err := doc.Save(context.Background()); err == nil {
		t.Fatal("expected an error for a model without a saver")
	}
}
