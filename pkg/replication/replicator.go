// Package replication synchronizes document revisions between two stores.
//
// A Replicator is the active side of a session: it dials an Endpoint, runs
// the handshake, then pushes local changes and pulls remote ones in
// batches. The passive side is a responder, served in-process by
// StoreEndpoint or over websocket by NewHandler.
package replication

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aretw0/humus/pkg/core"
)

// State is a step of the session state machine.
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateHandshaking State = "handshaking"
	StateSyncing     State = "syncing"
	StateError       State = "error"
	StateStopped     State = "stopped"
)

// Status is a snapshot of a replicator's progress.
type Status struct {
	State      State
	Session    string
	Pushed     int64 // revisions sent to the peer
	Pulled     int64 // revisions applied locally
	Conflicts  int64 // conflicts resolved on either side
	Checkpoint core.Checkpoint
	Attempts   int   // consecutive failed attempts
	Err        error // last failure, kept until the next successful pass
}

func (s Status) String() string {
	out := fmt.Sprintf("%s pushed=%d pulled=%d conflicts=%d", s.State, s.Pushed, s.Pulled, s.Conflicts)
	if s.Err != nil {
		out += " error=" + s.Err.Error()
	}
	return out
}

// Replicator runs one replication session in the background.
type Replicator struct {
	store   core.Replicable
	config  Config
	worker  *syncWorker
	limiter *rate.Limiter

	stopping atomic.Bool
	done     chan struct{}

	mu        sync.Mutex
	started   bool
	status    Status
	result    error
	listeners map[int]func(Status)
	nextID    int
}

// New prepares a session between store and config.Endpoint. Nothing
// happens until Start.
func New(store core.Replicable, config Config) (*Replicator, error) {
	if store == nil {
		return nil, errors.New("replication needs a store")
	}
	if err := config.setDefaults(); err != nil {
		return nil, err
	}
	limit := rate.Inf
	if config.MaxPushRate > 0 {
		limit = rate.Limit(config.MaxPushRate)
	}
	r := &Replicator{
		store:     store,
		config:    config,
		limiter:   rate.NewLimiter(limit, max(1, config.BatchSize)),
		done:      make(chan struct{}),
		status:    Status{State: StateIdle, Session: config.Session},
		listeners: make(map[int]func(Status)),
	}
	r.worker = newSyncWorker(r)
	return r, nil
}

// Start launches the session. A replicator runs once; create a new one to
// replicate again.
func (r *Replicator) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("replicator already started")
	}
	r.started = true
	r.mu.Unlock()
	r.config.Logger.Info("replication starting",
		"endpoint", r.config.Endpoint.String(),
		"direction", r.config.Direction.String(),
		"continuous", r.config.Continuous)
	return r.worker.Start(ctx)
}

// Stop ends the session after the batch in flight, if any, and waits for
// the worker to exit. The final state is Stopped.
func (r *Replicator) Stop(ctx context.Context) error {
	r.stopping.Store(true)
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		r.finish(StateStopped, nil)
		return nil
	}
	select {
	case <-r.done:
		return nil
	default:
	}
	stopErr := r.worker.Stop(ctx)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		if stopErr != nil {
			return stopErr
		}
		return ctx.Err()
	}
}

// Wait blocks until the session ends: a one-shot session once it caught
// up, a continuous one when stopped or out of retries. It returns the
// error that ended the session, if any.
func (r *Replicator) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.result
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current progress.
func (r *Replicator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// AddChangeListener calls fn on every status change, from the replicator's
// goroutine. The returned func removes the listener.
func (r *Replicator) AddChangeListener(fn func(Status)) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Replicator) update(fn func(s *Status)) {
	r.mu.Lock()
	fn(&r.status)
	st := r.status
	listeners := slices.Collect(maps.Values(r.listeners))
	r.mu.Unlock()
	for _, l := range listeners {
		l(st)
	}
}

func (r *Replicator) setState(state State) {
	r.update(func(s *Status) { s.State = state })
}

func (r *Replicator) finish(state State, err error) {
	r.mu.Lock()
	r.result = err
	r.mu.Unlock()
	r.update(func(s *Status) {
		s.State = state
		if err != nil {
			s.Err = err
		}
	})
}

// loop runs sessions until one succeeds, the replicator is stopped or the
// retries run out.
func (r *Replicator) loop(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.config.RetryInitial
	exp.MaxInterval = r.config.RetryMax
	exp.MaxElapsedTime = 0
	var bo backoff.BackOff = &backoff.StopBackOff{}
	if r.config.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(exp, uint64(r.config.MaxRetries))
	}
	bo.Reset()

	for {
		err := r.session(ctx, bo)
		if r.stopping.Load() || ctx.Err() != nil {
			r.finish(StateStopped, nil)
			return nil
		}
		if err == nil {
			r.finish(StateIdle, nil)
			r.config.Logger.Info("replication complete", "session", r.Status().Session)
			return nil
		}

		rerr := &core.ReplicationError{Reason: "session failed", Err: err}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			rerr.Err = perm.Err
			r.config.Logger.Error("replication failed", "error", rerr)
			r.finish(StateError, rerr)
			return rerr
		}
		r.update(func(s *Status) {
			s.State = StateError
			s.Err = rerr
			s.Attempts++
		})
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			r.config.Logger.Error("replication failed, giving up", "error", rerr, "attempts", r.Status().Attempts)
			r.finish(StateError, rerr)
			return rerr
		}
		r.config.Logger.Warn("replication failed, retrying", "error", err, "in", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			r.finish(StateStopped, nil)
			return nil
		}
	}
}

// session connects, handshakes and syncs. It returns nil when a one-shot
// session caught up or a continuous one was stopped.
func (r *Replicator) session(ctx context.Context, bo backoff.BackOff) error {
	r.setState(StateConnecting)
	conn, err := r.config.Endpoint.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	peer := newClient(conn, r.config.Logger)
	defer peer.Close()

	r.setState(StateHandshaking)
	hctx, cancel := r.batchContext(ctx)
	remote, err := peer.hello(hctx, helloMsg{Version: ProtocolVersion, UUID: r.store.UUID(), LastSeq: r.store.LastSeq()})
	cancel()
	if err != nil {
		if errors.Is(err, errProtocol) {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("handshake failed: %w", err)
	}
	if remote.Version != ProtocolVersion {
		return backoff.Permanent(fmt.Errorf("peer speaks version %d: %w", remote.Version, errProtocol))
	}
	if remote.UUID == r.store.UUID() {
		return backoff.Permanent(errors.New("cannot replicate a store with itself"))
	}

	prog, err := r.loadProgress(ctx, peer, remote)
	if err != nil {
		return err
	}

	var events <-chan core.Event
	if r.config.Continuous {
		if events, err = r.store.Watch(ctx, r.config.Filter); err != nil {
			return backoff.Permanent(err)
		}
	}

	for {
		r.setState(StateSyncing)
		if err := r.pass(ctx, peer, prog); err != nil {
			if errors.Is(err, core.ErrReadOnly) {
				return backoff.Permanent(err)
			}
			return err
		}
		bo.Reset()
		r.update(func(s *Status) {
			s.Attempts = 0
			s.Err = nil
		})
		if !r.config.Continuous || r.stopping.Load() {
			return nil
		}
		r.setState(StateIdle)
		if !r.idle(ctx, events) {
			return nil
		}
	}
}

// idle waits for a local change or the next poll. It reports false when
// the session should end.
func (r *Replicator) idle(ctx context.Context, events <-chan core.Event) bool {
	timer := time.NewTimer(r.config.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case _, ok := <-events:
		if !ok {
			return false
		}
		// Coalesce a burst of writes into one pass.
		for {
			select {
			case _, ok := <-events:
				if !ok {
					return false
				}
			default:
				return true
			}
		}
	case <-timer.C:
		return true
	}
}

// batchContext bounds one batch. Stopping does not cancel it: a stop takes
// effect between batches.
func (r *Replicator) batchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.config.BatchTimeout)
}

func (r *Replicator) sessionID(remote string) string {
	if r.config.Session != "" {
		return r.config.Session
	}
	name := r.store.UUID() + "\x00" + remote + "\x00" + r.config.Direction.String()
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// pass pushes and pulls concurrently until both directions caught up.
func (r *Replicator) pass(ctx context.Context, peer *client, prog *progress) error {
	g, gctx := errgroup.WithContext(ctx)
	if r.config.Direction.pushes() {
		g.Go(func() error {
			for gctx.Err() == nil && !r.stopping.Load() {
				more, err := r.pushBatch(gctx, peer, prog)
				if err != nil || !more {
					return err
				}
			}
			return nil
		})
	}
	if r.config.Direction.pulls() {
		g.Go(func() error {
			for gctx.Err() == nil && !r.stopping.Load() {
				more, err := r.pullBatch(gctx, peer, prog)
				if err != nil || !more {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Replicator) pushBatch(ctx context.Context, peer *client, prog *progress) (bool, error) {
	bctx, cancel := r.batchContext(ctx)
	defer cancel()

	changes, err := r.store.Changes(bctx, prog.get().Push, r.config.BatchSize)
	if err != nil || len(changes) == 0 {
		return false, err
	}
	last := changes[len(changes)-1].Seq

	if revs := r.wanted(changes); len(revs) > 0 {
		missing, err := peer.revsDiff(bctx, revs)
		if err != nil {
			return false, err
		}
		var out []core.RemoteRevision
		for _, key := range slices.Sorted(maps.Keys(missing)) {
			for _, rev := range missing[key] {
				rr, err := r.store.GetRevision(bctx, key, rev, r.config.HistoryLimit)
				if errors.Is(err, core.ErrNotFound) {
					continue
				}
				if err != nil {
					return false, err
				}
				if err := r.limiter.Wait(bctx); err != nil {
					return false, err
				}
				out = append(out, rr)
			}
		}
		if len(out) > 0 {
			results, err := peer.pushRevs(bctx, out)
			if err != nil {
				return false, err
			}
			r.record(int64(len(out)), 0, results)
			r.config.Logger.Debug("pushed revisions", "count", len(out), "through", last)
		}
	}

	err = prog.advance(bctx, func(cp *core.Checkpoint) { cp.Push = last })
	return err == nil, err
}

func (r *Replicator) pullBatch(ctx context.Context, peer *client, prog *progress) (bool, error) {
	bctx, cancel := r.batchContext(ctx)
	defer cancel()

	changes, err := peer.changes(bctx, prog.get().Pull, r.config.BatchSize)
	if err != nil || len(changes) == 0 {
		return false, err
	}
	last := changes[len(changes)-1].Seq

	if revs := r.wanted(changes); len(revs) > 0 {
		missing, err := r.store.RevsDiff(bctx, revs)
		if err != nil {
			return false, err
		}
		var refs []revRef
		for _, key := range slices.Sorted(maps.Keys(missing)) {
			for _, rev := range missing[key] {
				refs = append(refs, revRef{Key: key, Rev: rev})
			}
		}
		if len(refs) > 0 {
			incoming, err := peer.getRevs(bctx, refs, r.config.HistoryLimit)
			if err != nil {
				return false, err
			}
			results := make([]core.ApplyResult, 0, len(incoming))
			for _, rr := range incoming {
				res, err := r.store.ApplyRevision(bctx, rr)
				if err != nil {
					return false, fmt.Errorf("failed to apply %q at %s: %w", rr.Key, rr.Rev, err)
				}
				results = append(results, res)
			}
			r.record(0, int64(len(incoming)), results)
			r.config.Logger.Debug("pulled revisions", "count", len(incoming), "through", last)
		}
	}

	err = prog.advance(bctx, func(cp *core.Checkpoint) { cp.Pull = last })
	return err == nil, err
}

// wanted groups the changes that pass the filter by key.
func (r *Replicator) wanted(changes []core.Change) map[string][]core.RevID {
	revs := make(map[string][]core.RevID)
	for _, c := range changes {
		if r.config.accepts(c.Key) {
			revs[c.Key] = append(revs[c.Key], c.Rev)
		}
	}
	return revs
}

func (r *Replicator) record(pushed, pulled int64, results []core.ApplyResult) {
	var conflicts int64
	for _, res := range results {
		if res == core.ApplyRemoteWins || res == core.ApplyLocalWins {
			conflicts++
		}
	}
	r.update(func(s *Status) {
		s.Pushed += pushed
		s.Pulled += pulled
		s.Conflicts += conflicts
	})
}

// unsent marks the direction a session never sends in. It does not hold
// back compaction of the feed it stands for.
const unsent = ^uint64(0)

// progress holds the session checkpoint from the local point of view: Push
// is the local sequence the peer has, Pull the peer sequence applied here.
// Both peers store it, the peer with the fields swapped, so compaction on
// either side sees how far its own feed was delivered.
type progress struct {
	r    *Replicator
	peer *client

	mu sync.Mutex
	cp core.Checkpoint
}

func (r *Replicator) loadProgress(ctx context.Context, peer *client, remote helloMsg) (*progress, error) {
	session := r.sessionID(remote.UUID)
	bctx, cancel := r.batchContext(ctx)
	defer cancel()

	local, err := r.store.GetCheckpoint(bctx, session)
	if err != nil {
		return nil, err
	}
	theirs, err := peer.getCheckpoint(bctx, session)
	if err != nil {
		return nil, err
	}
	sent := func(seq uint64) uint64 {
		if seq == unsent {
			return 0
		}
		return seq
	}
	// Resume from the older of the two views: at-least-once delivery.
	p := &progress{
		r:    r,
		peer: peer,
		cp: core.Checkpoint{
			Session: session,
			Push:    min(sent(local.Push), sent(theirs.Pull)),
			Pull:    min(sent(local.Pull), sent(theirs.Push)),
		},
	}
	r.update(func(s *Status) {
		s.Session = session
		s.Checkpoint = p.cp
	})
	r.config.Logger.Debug("replication checkpoint", "session", session, "push", p.cp.Push, "pull", p.cp.Pull)
	return p, nil
}

func (p *progress) get() core.Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cp
}

// advance records fn's change on both peers once the batch is applied.
func (p *progress) advance(ctx context.Context, fn func(cp *core.Checkpoint)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.cp
	fn(&next)
	dir := p.r.config.Direction
	if !dir.pushes() {
		next.Push = unsent
	}
	if !dir.pulls() {
		next.Pull = unsent
	}
	if next == p.cp {
		return nil
	}
	if err := p.r.store.SetCheckpoint(ctx, next); err != nil {
		return fmt.Errorf("failed to save local checkpoint: %w", err)
	}
	mirror := core.Checkpoint{Session: next.Session, Push: next.Pull, Pull: next.Push}
	if err := p.peer.setCheckpoint(ctx, mirror); err != nil {
		return fmt.Errorf("failed to save peer checkpoint: %w", err)
	}
	p.cp = next
	p.r.update(func(s *Status) { s.Checkpoint = next })
	return nil
}
