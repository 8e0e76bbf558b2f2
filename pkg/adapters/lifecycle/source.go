// Package lifecycle bridges store and replication events into
// lifecycle.Source streams.
package lifecycle

import (
	"context"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/replication"
)

type changeSource struct {
	store   core.Watchable
	pattern string
	out     chan lifecycle.Event
}

// NewSource creates a lifecycle.Source that emits the committed changes of
// store whose keys match pattern. core.Event already satisfies
// lifecycle.Event.
func NewSource(store core.Watchable, pattern string) lifecycle.Source {
	return &changeSource{
		store:   store,
		pattern: pattern,
		out:     make(chan lifecycle.Event),
	}
}

func (s *changeSource) Events() <-chan lifecycle.Event {
	return s.out
}

func (s *changeSource) Start(ctx context.Context) error {
	events, err := s.store.Watch(ctx, s.pattern)
	if err != nil {
		return err
	}
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				select {
				case s.out <- e:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	return nil
}

type statusSource struct {
	r   *replication.Replicator
	out chan lifecycle.Event
}

// NewStatusSource emits every status change of r. Updates that arrive while
// the consumer is busy are dropped; the latest one always follows.
func NewStatusSource(r *replication.Replicator) lifecycle.Source {
	return &statusSource{r: r, out: make(chan lifecycle.Event, 1)}
}

func (s *statusSource) Events() <-chan lifecycle.Event {
	return s.out
}

func (s *statusSource) Start(ctx context.Context) error {
	updates := make(chan replication.Status, 1)
	remove := s.r.AddChangeListener(func(st replication.Status) {
		// Keep only the newest pending update.
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- st:
		default:
		}
	})
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		defer remove()
		for {
			select {
			case <-ctx.Done():
				return nil
			case st := <-updates:
				select {
				case s.out <- st:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	return nil
}
