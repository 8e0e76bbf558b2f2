package level

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/humus/pkg/core"
)

func TestCompact_Tombstones(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	save(t, s, "gone", map[string]any{"v": 1})
	save(t, s, "kept", map[string]any{"v": 1})
	_, err := s.Delete(ctx, "gone")
	require.NoError(t, err)

	stats, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Tombstones)

	changes, err := s.Changes(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "kept", changes[0].Key)

	h, err := s.readHeader(s.db, "gone")
	require.NoError(t, err)
	assert.Nil(t, h)

	rev, err := s.Save(ctx, core.NewDocumentWithID("gone").Set("v", 2))
	require.NoError(t, err)
	assert.Equal(t, 1, rev.Generation(), "a purged key starts a new history")
}

func TestCompact_RespectsCheckpoints(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	save(t, s, "gone", map[string]any{"v": 1})
	require.NoError(t, s.SetCheckpoint(ctx, core.Checkpoint{Session: "peer", Push: 1}))
	_, err := s.Delete(ctx, "gone")
	require.NoError(t, err)

	stats, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Tombstones, "the peer has not seen the deletion yet")

	require.NoError(t, s.SetCheckpoint(ctx, core.Checkpoint{Session: "peer", Push: s.LastSeq()}))
	stats, err = s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Tombstones)
}

func TestCompact_Blobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	orphan := core.NewBlob("text/plain", []byte("nobody points here"))
	require.NoError(t, s.SaveBlob(ctx, orphan))
	used := core.NewBlob("text/plain", []byte("referenced"))
	save(t, s, "k", map[string]any{"file": used})

	stats, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Blobs)

	_, err = s.BlobContent(ctx, orphan.Digest)
	assert.ErrorIs(t, err, core.ErrNotFound)
	content, err := s.BlobContent(ctx, used.Digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("referenced"), content)
}
