package level

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/lifecycle"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/aretw0/humus/pkg/core"
)

const watchBuffer = 64

// hub fans committed events out to watchers. Publishing never blocks the
// commit path: a watcher that falls behind loses events and is expected to
// catch up from the change feed.
type hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	logger *slog.Logger
}

type subscriber struct {
	pattern string
	ch      chan core.Event
	dropped int
}

func newHub(logger *slog.Logger) *hub {
	return &hub{subs: make(map[*subscriber]struct{}), logger: logger}
}

func (h *hub) subscribe(pattern string) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	sub := &subscriber{pattern: pattern, ch: make(chan core.Event, watchBuffer)}
	h.subs[sub] = struct{}{}
	return sub, true
}

func (h *hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

func (h *hub) publish(e core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.pattern != "" {
			if ok, _ := doublestar.Match(sub.pattern, e.ID); !ok {
				continue
			}
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped++
			h.logger.Warn("watcher is behind, dropping event", "id", e.ID, "seq", e.Seq, "dropped", sub.dropped)
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
	}
	clear(h.subs)
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Watch emits an event for every committed change whose key matches the
// doublestar pattern ("" or "**" for all keys). The channel is closed when
// ctx is done or the store is closed.
func (s *Store) Watch(ctx context.Context, pattern string) (<-chan core.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid watch pattern %q", pattern)
	}
	sub, ok := s.hub.subscribe(pattern)
	if !ok {
		return nil, core.ErrClosed
	}
	lifecycle.Go(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		s.hub.unsubscribe(sub)
		return nil
	})
	return sub.ch, nil
}

// Changes returns at most limit feed entries with a sequence above since,
// in sequence order. Each key appears once, at its latest revision.
func (s *Store) Changes(ctx context.Context, since uint64, limit int) ([]core.Change, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot store: %w", err)
	}
	defer snap.Release()

	rng := util.BytesPrefix([]byte(prefixSeq))
	rng.Start = seqKey(since + 1)
	it := snap.NewIterator(rng, nil)
	defer it.Release()

	var out []core.Change
	for it.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		k := it.Key()
		if len(k) != len(prefixSeq)+8 {
			continue
		}
		seq := binary.BigEndian.Uint64(k[len(prefixSeq):])
		key := string(it.Value())
		h, err := s.readHeader(snap, key)
		if err != nil {
			return nil, err
		}
		if h == nil || h.Seq != seq {
			continue
		}
		out = append(out, core.Change{Seq: seq, Key: key, Rev: h.Rev, Deleted: h.Deleted})
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to read change feed: %w", err)
	}
	return out, nil
}
