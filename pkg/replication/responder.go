package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/lifecycle"
	"github.com/fxamacker/cbor/v2"

	"github.com/aretw0/humus/pkg/core"
)

// responder answers the requests of one remote replicator. Requests are
// handled concurrently since a session pushes and pulls over the same
// connection.
type responder struct {
	store  core.Replicable
	conn   Conn
	logger *slog.Logger
	wg     sync.WaitGroup
}

// serve runs until the connection closes. A clean close returns nil.
func serve(ctx context.Context, store core.Replicable, conn Conn, logger *slog.Logger) error {
	r := &responder{store: store, conn: conn, logger: logger}
	defer r.wg.Wait()
	for {
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, ErrConnClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		req, err := decodeEnvelope(data)
		if err != nil {
			return err
		}
		if req.Reply {
			logger.Warn("unexpected reply on responder", "id", req.ID)
			continue
		}
		r.wg.Add(1)
		lifecycle.Go(ctx, func(ctx context.Context) error {
			defer r.wg.Done()
			r.reply(ctx, req)
			return nil
		}, lifecycle.WithErrorHandler(func(err error) {
			logger.Error("replication request panicked", "op", req.Op, "error", err)
		}))
	}
}

func (r *responder) reply(ctx context.Context, req envelope) {
	res := envelope{ID: req.ID, Reply: true}
	body, err := r.handle(ctx, req)
	if err == nil {
		res.Body, err = encode(body)
	}
	if err != nil {
		r.logger.Debug("replication request failed", "op", req.Op, "error", err)
		res.Body = nil
		res.Error = err.Error()
		res.Code = errorCode(err)
	}
	data, err := cbor.Marshal(res)
	if err != nil {
		r.logger.Error("failed to encode reply", "op", req.Op, "error", err)
		return
	}
	if err := r.conn.WriteMessage(ctx, data); err != nil && !errors.Is(err, ErrConnClosed) {
		r.logger.Warn("failed to send reply", "op", req.Op, "error", err)
	}
}

func (r *responder) handle(ctx context.Context, req envelope) (any, error) {
	s := r.store
	switch req.Op {
	case opHello:
		var hello helloMsg
		if err := cbor.Unmarshal(req.Body, &hello); err != nil {
			return nil, err
		}
		if hello.Version != ProtocolVersion {
			return nil, fmt.Errorf("unsupported version %d: %w", hello.Version, errProtocol)
		}
		r.logger.Debug("replication handshake", "peer", hello.UUID)
		return helloMsg{Version: ProtocolVersion, UUID: s.UUID(), LastSeq: s.LastSeq()}, nil

	case opGetCheckpoint:
		var session string
		if err := cbor.Unmarshal(req.Body, &session); err != nil {
			return nil, err
		}
		return s.GetCheckpoint(ctx, session)

	case opSetCheckpoint:
		var cp core.Checkpoint
		if err := cbor.Unmarshal(req.Body, &cp); err != nil {
			return nil, err
		}
		return true, s.SetCheckpoint(ctx, cp)

	case opChanges:
		var q changesReq
		if err := cbor.Unmarshal(req.Body, &q); err != nil {
			return nil, err
		}
		return s.Changes(ctx, q.Since, q.Limit)

	case opRevsDiff:
		var revs map[string][]core.RevID
		if err := cbor.Unmarshal(req.Body, &revs); err != nil {
			return nil, err
		}
		return s.RevsDiff(ctx, revs)

	case opGetRevs:
		var q getRevsReq
		if err := cbor.Unmarshal(req.Body, &q); err != nil {
			return nil, err
		}
		out := make([]core.RemoteRevision, 0, len(q.Refs))
		for _, ref := range q.Refs {
			rr, err := s.GetRevision(ctx, ref.Key, ref.Rev, q.HistoryLimit)
			if errors.Is(err, core.ErrNotFound) {
				// Pruned since it was listed; the next change supersedes it.
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, rr)
		}
		return out, nil

	case opPushRevs:
		var revs []core.RemoteRevision
		if err := cbor.Unmarshal(req.Body, &revs); err != nil {
			return nil, err
		}
		results := make([]core.ApplyResult, 0, len(revs))
		for _, rr := range revs {
			res, err := s.ApplyRevision(ctx, rr)
			if err != nil {
				return nil, fmt.Errorf("failed to apply %q at %s: %w", rr.Key, rr.Rev, err)
			}
			results = append(results, res)
		}
		return results, nil
	}
	return nil, fmt.Errorf("unknown operation %q", req.Op)
}
