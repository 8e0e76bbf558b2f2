package level

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/humus/pkg/core"
)

func TestBatch_Commit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.RunBatch(ctx, func(ctx context.Context, b core.Batch) error {
		if _, err := b.Save(ctx, core.NewDocumentWithID("a").Set("v", 1)); err != nil {
			return err
		}
		if _, err := b.Save(ctx, core.NewDocumentWithID("b").Set("v", 2)); err != nil {
			return err
		}

		// Staged writes are visible inside the batch only.
		got, err := b.Get(ctx, "a")
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1), got.GetInt("v"))
		_, err = s.Get(ctx, "a")
		assert.ErrorIs(t, err, core.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	for _, id := range []string{"a", "b"} {
		_, err := s.Get(ctx, id)
		assert.NoError(t, err, id)
	}
	assert.Equal(t, uint64(2), s.LastSeq())
}

func TestBatch_Rollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	save(t, s, "keep", map[string]any{"v": 1})
	boom := errors.New("boom")

	err := s.RunBatch(ctx, func(ctx context.Context, b core.Batch) error {
		if _, err := b.Save(ctx, core.NewDocumentWithID("a").Set("v", 1)); err != nil {
			return err
		}
		if _, err := b.Delete(ctx, "keep"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.Get(ctx, "keep")
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), s.LastSeq())
}

func TestBatch_AlreadyActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.RunBatch(ctx, func(ctx context.Context, b core.Batch) error {
		return s.RunBatch(ctx, func(ctx context.Context, b core.Batch) error { return nil })
	})
	assert.ErrorIs(t, err, core.ErrBatchAlreadyActive)

	// The flag is released afterwards.
	assert.NoError(t, s.RunBatch(ctx, func(ctx context.Context, b core.Batch) error { return nil }))
}

func TestBatch_ConflictAtCommit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	save(t, s, "k", map[string]any{"v": 1})

	err := s.RunBatch(ctx, func(ctx context.Context, b core.Batch) error {
		doc, err := b.Get(ctx, "k")
		if err != nil {
			return err
		}
		if _, err := b.Save(ctx, doc.Set("v", 2)); err != nil {
			return err
		}
		if _, err := b.Save(ctx, core.NewDocumentWithID("other")); err != nil {
			return err
		}
		// A concurrent writer gets there first.
		save(t, s, "k", map[string]any{"v": 3})
		return nil
	})
	require.ErrorIs(t, err, core.ErrConflict)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.GetInt("v"))
	_, err = s.Get(ctx, "other")
	assert.ErrorIs(t, err, core.ErrNotFound, "no write of a failed batch is visible")
}

func TestBatch_RepeatedKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.RunBatch(ctx, func(ctx context.Context, b core.Batch) error {
		doc := core.NewDocumentWithID("k").Set("v", 1)
		if _, err := b.Save(ctx, doc); err != nil {
			return err
		}
		_, err := b.Save(ctx, doc.Set("v", 2))
		return err
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.GetInt("v"))
	assert.Equal(t, 2, got.Rev.Generation())
	assert.Equal(t, uint64(1), s.LastSeq(), "one commit, one sequence per key")

	changes, err := s.Changes(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestBatch_SwallowedConflictAborts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	save(t, s, "x", map[string]any{"v": 1})
	stale, err := s.Get(ctx, "x")
	require.NoError(t, err)
	save(t, s, "x", map[string]any{"v": 2})

	var saveErr error
	err = s.RunBatch(ctx, func(ctx context.Context, b core.Batch) error {
		if _, err := b.Save(ctx, core.NewDocumentWithID("a").Set("v", 1)); err != nil {
			return err
		}
		_, saveErr = b.Save(ctx, stale.Set("v", 9))
		return nil
	})
	require.ErrorIs(t, saveErr, core.ErrConflict)
	require.ErrorIs(t, err, core.ErrConflict, "a failed save fails the whole batch")

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, core.ErrNotFound)
	got, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.GetInt("v"))
	assert.Equal(t, uint64(2), s.LastSeq())
}

func TestBatch_SwallowedDeleteFailureAborts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.RunBatch(ctx, func(ctx context.Context, b core.Batch) error {
		if _, err := b.Save(ctx, core.NewDocumentWithID("a")); err != nil {
			return err
		}
		_, _ = b.Delete(ctx, "missing")
		return nil
	})
	require.ErrorIs(t, err, core.ErrNotFound)

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestBatch_SetsSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	save(t, s, "first", map[string]any{"v": 1})

	a := core.NewDocumentWithID("a").Set("v", 1)
	b := core.NewDocumentWithID("b").Set("v", 2)
	err := s.RunBatch(ctx, func(ctx context.Context, batch core.Batch) error {
		if _, err := batch.Save(ctx, a); err != nil {
			return err
		}
		_, err := batch.Save(ctx, b)
		return err
	})
	require.NoError(t, err)

	for _, doc := range []*core.Document{a, b} {
		got, err := s.Get(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, got.Seq, doc.Seq, doc.ID)
		assert.Equal(t, got.Rev, doc.Rev, doc.ID)
	}
	assert.ElementsMatch(t, []uint64{2, 3}, []uint64{a.Seq, b.Seq})
}
