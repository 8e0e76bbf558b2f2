package core_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/humus/pkg/core"
)

func TestNewRevID(t *testing.T) {
	r1 := core.NewRevID("", false, []byte("a"))
	assert.Equal(t, 1, r1.Generation())
	assert.Len(t, r1.Hash(), 32)

	r2 := core.NewRevID(r1, false, []byte("b"))
	assert.Equal(t, 2, r2.Generation())

	assert.Equal(t, r2, core.NewRevID(r1, false, []byte("b")), "derivation is deterministic")
	assert.NotEqual(t, r2, core.NewRevID(r1, true, []byte("b")), "deleted flag is part of the id")

	_, err := core.ParseRevID(string(r2))
	require.NoError(t, err)
	_, err = core.ParseRevID("zero")
	assert.Error(t, err)
	_, err = core.ParseRevID("0-abc")
	assert.Error(t, err)
}

func TestResolveConflict(t *testing.T) {
	base := core.NewRevID("", false, []byte("base"))
	a := core.NewRevID(base, false, []byte("left"))
	b := core.NewRevID(base, false, []byte("right"))
	deeper := core.NewRevID(a, false, []byte("more"))

	winner := core.ResolveConflict(a, b)
	assert.Equal(t, winner, core.ResolveConflict(b, a), "resolution must be symmetric")
	assert.Equal(t, deeper, core.ResolveConflict(b, deeper), "higher generation wins")
	assert.Equal(t, deeper, core.ResolveConflict(deeper, b))
}

func TestRevTree(t *testing.T) {
	tree := core.RevTree{}
	var prev core.RevID
	var revs []core.RevID
	for i := 0; i < 6; i++ {
		rev := core.NewRevID(prev, false, []byte{byte(i)})
		tree.Add(rev, prev, false)
		revs = append(revs, rev)
		prev = rev
	}

	hist := tree.History(prev, 0)
	require.Len(t, hist, 6)
	assert.Equal(t, prev, hist[0])
	assert.Equal(t, revs[0], hist[5])
	assert.Len(t, tree.History(prev, 3), 3)

	removed := tree.Prune(prev, 4)
	assert.ElementsMatch(t, revs[:2], removed)
	assert.False(t, tree.Contains(revs[0]))
	assert.Len(t, tree.History(prev, 0), 4)

	tree.MarkLoser(revs[4])
	assert.True(t, tree[revs[4]].Loser)
}

func TestErrors(t *testing.T) {
	var err error = &core.ConflictError{Key: "k", Current: "2-ab"}
	assert.True(t, errors.Is(err, core.ErrConflict))

	var ce *core.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, core.RevID("2-ab"), ce.Current)

	rerr := &core.ReplicationError{Reason: "connect", Err: core.ErrClosed}
	assert.ErrorIs(t, rerr, core.ErrClosed)
	assert.Contains(t, rerr.Error(), "connect")
}
