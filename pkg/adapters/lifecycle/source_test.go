package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/humus/pkg/adapters/level"
	"github.com/aretw0/humus/pkg/adapters/lifecycle"
	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/replication"
)

func openStore(t *testing.T) *level.Store {
	t.Helper()
	s, err := level.Open(level.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSource_EmitsMatchingChanges(t *testing.T) {
	store := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := lifecycle.NewSource(store, "notes/**")
	require.NoError(t, src.Start(ctx))

	_, err := store.Save(ctx, core.NewDocumentWithID("other/1").Set("n", 1))
	require.NoError(t, err)
	_, err = store.Save(ctx, core.NewDocumentWithID("notes/a/1").Set("n", 2))
	require.NoError(t, err)

	select {
	case e := <-src.Events():
		ev, ok := e.(core.Event)
		require.True(t, ok)
		assert.Equal(t, "notes/a/1", ev.ID)
		assert.Equal(t, core.EventCreate, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-src.Events():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusSource(t *testing.T) {
	local, remote := openStore(t), openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := local.Save(ctx, core.NewDocumentWithID("a").Set("v", true))
	require.NoError(t, err)

	r, err := replication.New(local, replication.Config{Endpoint: replication.StoreEndpoint(remote)})
	require.NoError(t, err)

	src := lifecycle.NewStatusSource(r)
	require.NoError(t, src.Start(ctx))
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Wait(ctx))

	// The final update is always delivered.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-src.Events():
			st := e.(replication.Status)
			if st.State == replication.StateIdle && st.Pushed == 1 {
				assert.Contains(t, st.String(), "pushed=1")
				return
			}
		case <-deadline:
			t.Fatal("never observed the idle status")
		}
	}
}
