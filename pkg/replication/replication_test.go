package replication_test

import (
	"context"
	"errors"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/humus/pkg/adapters/level"
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

func put(t *testing.T, s *level.Store, id string, fields map[string]any) *core.Document {
	t.Helper()
	ctx := context.Background()
	doc, err := s.Get(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		doc = core.NewDocumentWithID(id)
	} else {
		require.NoError(t, err)
	}
	for k, v := range fields {
		doc.Set(k, v)
	}
	_, err = s.Save(ctx, doc)
	require.NoError(t, err)
	return doc
}

// replicate runs a one-shot session and waits for it to end.
func replicate(t *testing.T, local core.Replicable, config replication.Config) *replication.Replicator {
	t.Helper()
	r, err := replication.New(local, config)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Wait(ctx))
	return r
}

func keys(t *testing.T, s *level.Store) []string {
	t.Helper()
	changes, err := s.Changes(context.Background(), 0, 0)
	require.NoError(t, err)
	var out []string
	for _, c := range changes {
		if !c.Deleted {
			out = append(out, c.Key)
		}
	}
	return out
}

func TestReplicate_Convergence(t *testing.T) {
	a, b := openStore(t), openStore(t)
	ctx := context.Background()

	put(t, a, "shared", map[string]any{"v": 0})
	replicate(t, a, replication.Config{Endpoint: replication.StoreEndpoint(b), Direction: replication.Push})

	put(t, a, "only-a", map[string]any{"from": "a"})
	put(t, a, "gone", map[string]any{"from": "a"})
	_, err := a.Delete(ctx, "gone")
	require.NoError(t, err)
	put(t, b, "only-b", map[string]any{"from": "b"})
	ra := put(t, a, "shared", map[string]any{"v": "a"}).Rev
	rb := put(t, b, "shared", map[string]any{"v": "b", "extra": true}).Rev
	winner := core.ResolveConflict(ra, rb)

	r := replicate(t, a, replication.Config{Endpoint: replication.StoreEndpoint(b)})

	st := r.Status()
	assert.Equal(t, replication.StateIdle, st.State)
	assert.NoError(t, st.Err)
	assert.Positive(t, st.Pushed)
	assert.Positive(t, st.Pulled)
	assert.Positive(t, st.Conflicts)
	assert.NotEmpty(t, st.Session)

	for _, s := range []*level.Store{a, b} {
		assert.ElementsMatch(t, []string{"only-a", "only-b", "shared"}, keys(t, s))
		got, err := s.Get(ctx, "shared")
		require.NoError(t, err)
		assert.Equal(t, winner, got.Rev)
		_, err = s.Get(ctx, "gone")
		assert.ErrorIs(t, err, core.ErrNotFound)
	}

	// Nothing is left to exchange.
	again := replicate(t, a, replication.Config{Endpoint: replication.StoreEndpoint(b)})
	assert.Zero(t, again.Status().Pushed)
	assert.Zero(t, again.Status().Pulled)
}

func TestReplicate_Checkpoints(t *testing.T) {
	a, b := openStore(t), openStore(t)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		put(t, a, id, map[string]any{"n": id})
	}

	config := replication.Config{Endpoint: replication.StoreEndpoint(b), Direction: replication.Push, BatchSize: 2}
	r := replicate(t, a, config)
	session := r.Status().Session
	assert.Equal(t, int64(3), r.Status().Pushed)

	mine, err := a.GetCheckpoint(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, a.LastSeq(), mine.Push)
	theirs, err := b.GetCheckpoint(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, a.LastSeq(), theirs.Pull)
	assert.Equal(t, uint64(math.MaxUint64), theirs.Push, "a push-only session holds nothing of the peer's feed")

	put(t, a, "4", map[string]any{"n": "4"})
	r, err = replication.New(a, config)
	require.NoError(t, err)
	var resumed core.Checkpoint
	var once sync.Once
	r.AddChangeListener(func(s replication.Status) {
		if s.State == replication.StateSyncing {
			once.Do(func() { resumed = s.Checkpoint })
		}
	})
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, session, r.Status().Session, "the derived session is stable")
	assert.Equal(t, mine.Push, resumed.Push)
	assert.Equal(t, int64(1), r.Status().Pushed)
}

func TestReplicate_FilterAndDirection(t *testing.T) {
	a, b := openStore(t), openStore(t)
	ctx := context.Background()
	put(t, a, "users/1", map[string]any{"name": "ada"})
	put(t, a, "orders/1", map[string]any{"total": 3})
	put(t, b, "users/2", map[string]any{"name": "bob"})

	replicate(t, a, replication.Config{
		Endpoint:  replication.StoreEndpoint(b),
		Direction: replication.Push,
		Filter:    "users/*",
	})
	assert.ElementsMatch(t, []string{"users/1", "users/2"}, keys(t, b))
	assert.ElementsMatch(t, []string{"users/1", "orders/1"}, keys(t, a), "push never pulls")

	replicate(t, a, replication.Config{Endpoint: replication.StoreEndpoint(b), Direction: replication.Pull})
	got, err := a.Get(ctx, "users/2")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.GetString("name"))

	_, err = replication.New(a, replication.Config{Endpoint: replication.StoreEndpoint(b), Filter: "users/[a"})
	assert.Error(t, err)
}

func TestReplicate_Blobs(t *testing.T) {
	a, b := openStore(t), openStore(t)
	ctx := context.Background()
	data := []byte("attachment bytes")
	doc := core.NewDocumentWithID("report").Set("file", core.NewBlob("text/plain", data))
	_, err := a.Save(ctx, doc)
	require.NoError(t, err)

	replicate(t, a, replication.Config{Endpoint: replication.StoreEndpoint(b)})

	got, err := b.Get(ctx, "report")
	require.NoError(t, err)
	blob := got.GetBlob("file")
	require.NotNil(t, blob)
	content, err := blob.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestReplicate_Continuous(t *testing.T) {
	a, b := openStore(t), openStore(t)
	ctx := context.Background()

	r, err := replication.New(a, replication.Config{
		Endpoint:     replication.StoreEndpoint(b),
		Continuous:   true,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	var states sync.Map
	r.AddChangeListener(func(s replication.Status) { states.Store(s.State, true) })
	require.NoError(t, r.Start(ctx))

	put(t, a, "from-a", map[string]any{"v": 1})
	require.Eventually(t, func() bool {
		_, err := b.Get(ctx, "from-a")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	put(t, b, "from-b", map[string]any{"v": 2})
	require.Eventually(t, func() bool {
		_, err := a.Get(ctx, "from-b")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))
	require.NoError(t, r.Wait(stopCtx))
	assert.Equal(t, replication.StateStopped, r.Status().State)

	for _, want := range []replication.State{replication.StateConnecting, replication.StateHandshaking, replication.StateSyncing, replication.StateIdle} {
		_, seen := states.Load(want)
		assert.True(t, seen, "state %s", want)
	}

	state, ok := r.State().(replication.ReplicatorState)
	require.True(t, ok)
	assert.Equal(t, replication.StateStopped, state.State)
	assert.Equal(t, int64(1), state.Pushed)
	assert.Equal(t, int64(1), state.Pulled)
	assert.Equal(t, "replicator", r.ComponentType())
}

// flakyEndpoint fails the first failures dials.
type flakyEndpoint struct {
	replication.Endpoint
	failures int32
	dials    atomic.Int32
}

func (e *flakyEndpoint) Dial(ctx context.Context) (replication.Conn, error) {
	if e.dials.Add(1) <= e.failures {
		return nil, errors.New("connection refused")
	}
	return e.Endpoint.Dial(ctx)
}

func TestReplicate_RetriesWithBackoff(t *testing.T) {
	a, b := openStore(t), openStore(t)
	put(t, a, "k", map[string]any{"v": 1})

	ep := &flakyEndpoint{Endpoint: replication.StoreEndpoint(b), failures: 2}
	var sawError atomic.Bool
	r, err := replication.New(a, replication.Config{Endpoint: ep, RetryInitial: time.Millisecond, RetryMax: 5 * time.Millisecond})
	require.NoError(t, err)
	r.AddChangeListener(func(s replication.Status) {
		if s.State == replication.StateError {
			sawError.Store(true)
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Wait(ctx))

	assert.True(t, sawError.Load())
	assert.Equal(t, int32(3), ep.dials.Load())
	assert.Equal(t, replication.StateIdle, r.Status().State)
	assert.Zero(t, r.Status().Attempts)
	_, err = b.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestReplicate_GivesUp(t *testing.T) {
	a, b := openStore(t), openStore(t)
	ep := &flakyEndpoint{Endpoint: replication.StoreEndpoint(b), failures: 100}
	r, err := replication.New(a, replication.Config{Endpoint: ep, MaxRetries: 2, RetryInitial: time.Millisecond})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Start(ctx))

	err = r.Wait(ctx)
	var rerr *core.ReplicationError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Error(), "connection refused")
	assert.Equal(t, int32(3), ep.dials.Load())
	assert.Equal(t, replication.StateError, r.Status().State)
	assert.Equal(t, 3, r.Status().Attempts)
}

// slowEndpoint delays every message written to the peer.
type slowEndpoint struct {
	replication.Endpoint
	delay time.Duration
}

func (e *slowEndpoint) Dial(ctx context.Context) (replication.Conn, error) {
	conn, err := e.Endpoint.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return &slowConn{Conn: conn, delay: e.delay}, nil
}

type slowConn struct {
	replication.Conn
	delay time.Duration
}

func (c *slowConn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Conn.WriteMessage(ctx, data)
}

func TestReplicate_StopsAtBatchBoundary(t *testing.T) {
	a, b := openStore(t), openStore(t)
	for _, id := range []string{"1", "2", "3", "4", "5", "6"} {
		put(t, a, id, map[string]any{"n": id})
	}

	ep := &slowEndpoint{Endpoint: replication.StoreEndpoint(b), delay: 50 * time.Millisecond}
	r, err := replication.New(a, replication.Config{Endpoint: ep, Direction: replication.Push, BatchSize: 2})
	require.NoError(t, err)

	// Stop while the first batch is applied on the peer but its checkpoint
	// is not yet written.
	inFlight := make(chan struct{})
	var once sync.Once
	r.AddChangeListener(func(s replication.Status) {
		if s.Pushed > 0 {
			once.Do(func() { close(inFlight) })
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Start(ctx))
	select {
	case <-inFlight:
	case <-ctx.Done():
		t.Fatal("first batch never reached the peer")
	}
	require.NoError(t, r.Stop(ctx))

	st := r.Status()
	assert.Equal(t, replication.StateStopped, st.State)
	assert.NoError(t, st.Err)
	assert.Equal(t, int64(2), st.Pushed, "the batch in flight completes")
	assert.Equal(t, uint64(st.Pushed), st.Checkpoint.Push, "its checkpoint advances")
	assert.Less(t, st.Pushed, int64(6), "no further batch starts")

	mine, err := a.GetCheckpoint(ctx, st.Session)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), mine.Push)
	theirs, err := b.GetCheckpoint(ctx, st.Session)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), theirs.Pull)
	assert.Equal(t, []string{"1", "2"}, keys(t, b))
}

func TestReplicate_WithItself(t *testing.T) {
	a := openStore(t)
	ep := &flakyEndpoint{Endpoint: replication.StoreEndpoint(a)}
	r, err := replication.New(a, replication.Config{Endpoint: ep, RetryInitial: time.Millisecond})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Start(ctx))
	assert.Error(t, r.Wait(ctx))
	assert.Equal(t, int32(1), ep.dials.Load(), "permanent failures are not retried")
}

func TestReplicate_Websocket(t *testing.T) {
	a, b := openStore(t), openStore(t)
	ctx := context.Background()
	put(t, a, "over-the-wire", map[string]any{"v": 1})
	put(t, b, "back", map[string]any{"v": 2})

	srv := httptest.NewServer(replication.NewHandler(b, nil))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/db"

	r := replicate(t, a, replication.Config{Endpoint: replication.URLEndpoint(url)})
	assert.Equal(t, url, r.State().(replication.ReplicatorState).Endpoint)

	_, err := b.Get(ctx, "over-the-wire")
	assert.NoError(t, err)
	_, err = a.Get(ctx, "back")
	assert.NoError(t, err)
}

func TestReplicator_Lifecycle(t *testing.T) {
	a, b := openStore(t), openStore(t)
	_, err := replication.New(a, replication.Config{})
	assert.Error(t, err, "an endpoint is required")

	r, err := replication.New(a, replication.Config{Endpoint: replication.StoreEndpoint(b)})
	require.NoError(t, err)
	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, replication.StateStopped, r.Status().State)

	r = replicate(t, a, replication.Config{Endpoint: replication.StoreEndpoint(b)})
	assert.Error(t, r.Start(context.Background()), "a replicator runs once")
	assert.NoError(t, r.Stop(context.Background()))
}

func TestParseDirection(t *testing.T) {
	for in, want := range map[string]replication.Direction{
		"push": replication.Push, "PULL": replication.Pull, "both": replication.PushAndPull, "": replication.PushAndPull,
	} {
		got, err := replication.ParseDirection(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := replication.ParseDirection("sideways")
	assert.Error(t, err)
}
