package typed_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/typed"
)

func TestTypedService_Batches(t *testing.T) {
	store := setupStore(t)
	svc := typed.NewService[UserProfile](core.NewService(store, nil))
	ctx := context.Background()

	err := svc.RunBatch(ctx, func(ctx context.Context, b *typed.Batch[UserProfile]) error {
		u1 := &typed.DocumentModel[UserProfile]{ID: "users/tx1", Data: UserProfile{Name: "Batch User 1"}}
		if err := b.Save(ctx, u1); err != nil {
			return err
		}
		// Reads observe staged writes.
		got, err := b.Get(ctx, "users/tx1")
		if err != nil {
			return err
		}
		got.Data.Age = 40
		if err := got.Save(ctx); err != nil {
			return err
		}
		u2 := &typed.DocumentModel[UserProfile]{ID: "users/tx2", Data: UserProfile{Name: "Batch User 2"}}
		return b.Save(ctx, u2)
	})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	u1, err := svc.Get(ctx, "users/tx1")
	if err != nil {
		t.Fatal(err)
	}
	if u1.Data.Age != 40 {
		t.Errorf("expected age 40, got %d", u1.Data.Age)
	}

	boom := errors.New("boom")
	err = svc.RunBatch(ctx, func(ctx context.Context, b *typed.Batch[UserProfile]) error {
		if err := b.Delete(ctx, "users/tx2"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the batch error, got %v", err)
	}
	if _, err := svc.Get(ctx, "users/tx2"); err != nil {
		t.Errorf("rolled back delete must leave the document: %v", err)
	}
}

func TestTypedService_Watch(t *testing.T) {
	store := setupStore(t)
	svc := typed.NewService[UserProfile](core.NewService(store, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := svc.Watch(ctx, "users/*")
	if err != nil {
		t.Fatal(err)
	}
	doc := &typed.DocumentModel[UserProfile]{ID: "users/w", Data: UserProfile{Name: "W"}}
	if err := svc.Save(ctx, doc); err != nil {
		t.Fatal(err)
	}
	e := <-events
	if e.ID != "users/w" || e.Type != core.EventCreate || e.Rev != doc.Rev {
		t.Errorf("unexpected event: %v", e)
	}

	if err := svc.Delete(ctx, "users/w"); err != nil {
		t.Fatal(err)
	}
	if e := <-events; e.Type != core.EventDelete {
		t.Errorf("expected delete event, got %v", e)
	}
}
