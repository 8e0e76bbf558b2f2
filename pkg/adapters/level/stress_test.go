package level

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/index"
)

// increment applies a read-modify-write until it wins against the other
// writers.
func increment(ctx context.Context, s *Store, key string) error {
	for {
		doc, err := s.Get(ctx, key)
		if errors.Is(err, core.ErrNotFound) {
			doc = core.NewDocumentWithID(key).Set("n", 0)
		} else if err != nil {
			return err
		}
		doc.Set("n", doc.GetInt("n")+1)
		_, err = s.Save(ctx, doc)
		if errors.Is(err, core.ErrConflict) {
			continue
		}
		return err
	}
}

// incrementBatch increments two keys atomically.
func incrementBatch(ctx context.Context, s *Store, a, b string) error {
	for {
		err := s.RunBatch(ctx, func(ctx context.Context, batch core.Batch) error {
			for _, key := range []string{a, b} {
				doc, err := batch.Get(ctx, key)
				if errors.Is(err, core.ErrNotFound) {
					doc = core.NewDocumentWithID(key).Set("n", 0)
				} else if err != nil {
					return err
				}
				doc.Set("n", doc.GetInt("n")+1)
				if _, err := batch.Save(ctx, doc); err != nil {
					return err
				}
			}
			return nil
		})
		if errors.Is(err, core.ErrConflict) || errors.Is(err, core.ErrBatchAlreadyActive) {
			continue
		}
		return err
	}
}

func TestStress_ConcurrentWriters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.DefineIndex(ctx, index.ValueIndex("byN", "n"))
	require.NoError(t, err)

	const (
		writers = 8
		rounds  = 50
		keys    = 5
	)

	var wg sync.WaitGroup
	errs := make(chan error, writers*2)
	for w := 0; w < writers; w++ {
		wg.Add(2)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < rounds; i++ {
				if err := increment(ctx, s, fmt.Sprintf("k%d", rng.Intn(keys))); err != nil {
					errs <- err
					return
				}
			}
		}(int64(w))
		go func() {
			defer wg.Done()
			for i := 0; i < rounds/5; i++ {
				if err := incrementBatch(ctx, s, "pair/a", "pair/b"); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// No update was lost.
	var total int64
	for k := 0; k < keys; k++ {
		doc, err := s.Get(ctx, fmt.Sprintf("k%d", k))
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		require.NoError(t, err)
		total += doc.GetInt("n")
		assert.Equal(t, int(doc.GetInt("n")), doc.Rev.Generation())
	}
	assert.Equal(t, int64(writers*rounds), total)

	a, err := s.Get(ctx, "pair/a")
	require.NoError(t, err)
	b, err := s.Get(ctx, "pair/b")
	require.NoError(t, err)
	assert.Equal(t, int64(writers*rounds/5), a.GetInt("n"))
	assert.Equal(t, a.GetInt("n"), b.GetInt("n"))

	mismatches, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestStress_DistinctKeysKeepFeedGapless(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Path: dir})
	require.NoError(t, err)
	ctx := context.Background()

	const writers, perWriter = 8, 25
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs = make(map[string]uint64)
	)
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				doc := core.NewDocumentWithID(fmt.Sprintf("w%d/%d", w, i)).Set("i", i)
				if _, err := s.Save(ctx, doc); err != nil {
					errs <- err
					return
				}
				mu.Lock()
				seqs[doc.ID] = doc.Seq
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	changes, err := s.Changes(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, changes, writers*perWriter)
	for i, c := range changes {
		assert.Equal(t, uint64(i+1), c.Seq, "feed has no gaps")
		assert.Equal(t, seqs[c.Key], c.Seq, c.Key)
	}
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, uint64(writers*perWriter), s.LastSeq(), "persisted sequence never moves back")
}
