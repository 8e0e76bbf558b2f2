package level

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/humus/pkg/core"
)

// push copies the current revision of key from src to dst.
func push(t *testing.T, src, dst *Store, key string) core.ApplyResult {
	t.Helper()
	ctx := context.Background()
	h, err := src.readHeader(src.db, key)
	require.NoError(t, err)
	require.NotNil(t, h)
	rr, err := src.GetRevision(ctx, key, h.Rev, DefaultRevsLimit)
	require.NoError(t, err)
	res, err := dst.ApplyRevision(ctx, rr)
	require.NoError(t, err)
	return res
}

func TestApplyRevision_FastForward(t *testing.T) {
	a, b := openTestStore(t), openTestStore(t)
	ctx := context.Background()
	save(t, a, "k", map[string]any{"v": 1})

	assert.Equal(t, core.ApplyFastForward, push(t, a, b, "k"))
	assert.Equal(t, core.ApplyNoop, push(t, a, b, "k"))

	save(t, a, "k", map[string]any{"v": 2})
	assert.Equal(t, core.ApplyFastForward, push(t, a, b, "k"))

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	want, err := a.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, want.Rev, got.Rev)
	assert.Equal(t, int64(2), got.GetInt("v"))

	_, err = a.Delete(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, core.ApplyFastForward, push(t, a, b, "k"))
	_, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestApplyRevision_Conflict(t *testing.T) {
	a, b := openTestStore(t), openTestStore(t)
	ctx := context.Background()
	save(t, a, "k", map[string]any{"v": 0})
	push(t, a, b, "k")

	ra := save(t, a, "k", map[string]any{"v": "a"}).Rev
	rb := save(t, b, "k", map[string]any{"v": "b"}).Rev
	winner := core.ResolveConflict(ra, rb)
	seqBefore := b.LastSeq()

	res := push(t, a, b, "k")
	if winner == ra {
		assert.Equal(t, core.ApplyRemoteWins, res)
	} else {
		assert.Equal(t, core.ApplyLocalWins, res)
	}
	assert.Greater(t, b.LastSeq(), seqBefore, "the winner is re-announced on the feed")

	// The winner flows back; the other side resolves the same way.
	push(t, b, a, "k")

	for _, s := range []*Store{a, b} {
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, winner, got.Rev)
	}

	for _, s := range []*Store{a, b} {
		missing, err := s.RevsDiff(ctx, map[string][]core.RevID{"k": {winner}})
		require.NoError(t, err)
		assert.Empty(t, missing)
	}
	assert.Equal(t, core.ApplyNoop, push(t, a, b, "k"))
	assert.Equal(t, core.ApplyNoop, push(t, b, a, "k"))
}

func TestApplyRevision_Blobs(t *testing.T) {
	a, b := openTestStore(t), openTestStore(t)
	ctx := context.Background()
	data := []byte("attachment body")
	save(t, a, "k", map[string]any{"file": core.NewBlob("text/plain", data)})

	h, err := a.readHeader(a.db, "k")
	require.NoError(t, err)
	rr, err := a.GetRevision(ctx, "k", h.Rev, 10)
	require.NoError(t, err)
	require.Len(t, rr.Blobs, 1)
	assert.Equal(t, "text/plain", rr.Blobs[0].ContentType)

	t.Run("tampered content is rejected", func(t *testing.T) {
		bad := rr
		bad.Blobs = []core.BlobData{{Digest: rr.Blobs[0].Digest, Data: []byte("other")}}
		_, err := b.ApplyRevision(ctx, bad)
		assert.Error(t, err)
	})

	_, err = b.ApplyRevision(ctx, rr)
	require.NoError(t, err)
	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	content, err := got.GetBlob("file").Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestRevsDiff(t *testing.T) {
	a, b := openTestStore(t), openTestStore(t)
	ctx := context.Background()
	save(t, a, "x", map[string]any{"v": 1})
	save(t, a, "y", map[string]any{"v": 1})
	push(t, a, b, "x")

	hx, _ := a.readHeader(a.db, "x")
	hy, _ := a.readHeader(a.db, "y")
	missing, err := b.RevsDiff(ctx, map[string][]core.RevID{
		"x": {hx.Rev},
		"y": {hy.Rev},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string][]core.RevID{"y": {hy.Rev}}, missing)
}

func TestCheckpoints(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cp, err := s.GetCheckpoint(ctx, "peer-1")
	require.NoError(t, err)
	assert.Equal(t, core.Checkpoint{Session: "peer-1"}, cp)

	require.NoError(t, s.SetCheckpoint(ctx, core.Checkpoint{Session: "peer-1", Push: 4, Pull: 9}))
	cp, err = s.GetCheckpoint(ctx, "peer-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cp.Push)
	assert.Equal(t, uint64(9), cp.Pull)

	assert.Error(t, s.SetCheckpoint(ctx, core.Checkpoint{}))

	all, err := s.Checkpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
