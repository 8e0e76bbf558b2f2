package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aretw0/lifecycle"
	"github.com/fxamacker/cbor/v2"

	"github.com/aretw0/humus/pkg/core"
)

// client issues requests to a responder and routes the replies back to
// their callers by correlation id.
type client struct {
	conn   Conn
	logger *slog.Logger
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan envelope
	done    chan struct{}
	err     error
}

func newClient(conn Conn, logger *slog.Logger) *client {
	c := &client{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]chan envelope),
		done:    make(chan struct{}),
	}
	lifecycle.Go(context.Background(), c.readLoop, lifecycle.WithErrorHandler(func(err error) {
		c.fail(fmt.Errorf("read loop panicked: %w", err))
	}))
	return c
}

func (c *client) readLoop(ctx context.Context) error {
	for {
		data, err := c.conn.ReadMessage(ctx)
		if err != nil {
			c.fail(err)
			return nil
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			c.fail(err)
			return nil
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("reply for unknown request", "id", env.ID)
			continue
		}
		ch <- env
	}
}

// fail records the first transport error and releases every waiting call.
func (c *client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.err = err
	close(c.done)
}

func (c *client) Close() error {
	err := c.conn.Close()
	c.fail(ErrConnClosed)
	return err
}

func (c *client) call(ctx context.Context, op string, req, resp any) error {
	body, err := encode(req)
	if err != nil {
		return err
	}
	id := c.nextID.Add(1)
	data, err := cbor.Marshal(envelope{ID: id, Op: op, Body: body})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	ch := make(chan envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.conn.WriteMessage(ctx, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", op, err)
	}
	select {
	case env := <-ch:
		if env.Error != "" {
			return fmt.Errorf("%s: %w", op, remoteError(env))
		}
		if resp == nil {
			return nil
		}
		if err := cbor.Unmarshal(env.Body, resp); err != nil {
			return fmt.Errorf("failed to decode %s reply: %w", op, err)
		}
		return nil
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		if errors.Is(err, ErrConnClosed) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: connection lost: %w", op, err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) hello(ctx context.Context, local helloMsg) (helloMsg, error) {
	var remote helloMsg
	err := c.call(ctx, opHello, local, &remote)
	return remote, err
}

func (c *client) getCheckpoint(ctx context.Context, session string) (core.Checkpoint, error) {
	var cp core.Checkpoint
	err := c.call(ctx, opGetCheckpoint, session, &cp)
	return cp, err
}

func (c *client) setCheckpoint(ctx context.Context, cp core.Checkpoint) error {
	return c.call(ctx, opSetCheckpoint, cp, nil)
}

func (c *client) changes(ctx context.Context, since uint64, limit int) ([]core.Change, error) {
	var out []core.Change
	err := c.call(ctx, opChanges, changesReq{Since: since, Limit: limit}, &out)
	return out, err
}

func (c *client) revsDiff(ctx context.Context, revs map[string][]core.RevID) (map[string][]core.RevID, error) {
	var out map[string][]core.RevID
	err := c.call(ctx, opRevsDiff, revs, &out)
	return out, err
}

func (c *client) getRevs(ctx context.Context, refs []revRef, historyLimit int) ([]core.RemoteRevision, error) {
	var out []core.RemoteRevision
	err := c.call(ctx, opGetRevs, getRevsReq{Refs: refs, HistoryLimit: historyLimit}, &out)
	return out, err
}

func (c *client) pushRevs(ctx context.Context, revs []core.RemoteRevision) ([]core.ApplyResult, error) {
	var out []core.ApplyResult
	err := c.call(ctx, opPushRevs, revs, &out)
	return out, err
}
