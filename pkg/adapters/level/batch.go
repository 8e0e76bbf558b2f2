package level

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/aretw0/humus/pkg/core"
)

// batch implements core.Batch. Writes are planned against the state seen
// when they are staged and checked again at commit.
type batch struct {
	store  *Store
	mu     sync.Mutex
	staged map[string]*mutation
	order  []string
	saved  map[string]*core.Document // last caller document saved per key
	failed error                     // first failed Save or Delete
	closed bool
}

// RunBatch stages every write made by fn and commits them atomically when
// fn returns nil. Any error discards all staged writes, including an error
// from a Save or Delete inside fn that fn itself swallowed. Only one batch
// may be active per store handle.
//
// Workflow:
// 1. Stage: each Save/Delete is validated against the current (or staged) revision.
// 2. Lock: the write locks of all touched keys are taken in sorted order.
// 3. Recheck: a key changed by someone else since staging aborts with a conflict.
// 4. Commit: one synced goleveldb batch holds every document and index mutation.
func (s *Store) RunBatch(ctx context.Context, fn func(ctx context.Context, b core.Batch) error) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if !s.batchActive.CompareAndSwap(false, true) {
		return core.ErrBatchAlreadyActive
	}
	defer s.batchActive.Store(false)

	b := &batch{store: s, staged: make(map[string]*mutation), saved: make(map[string]*core.Document)}
	defer b.close()

	if err := fn(ctx, b); err != nil {
		s.logger.Debug("batch rolled back", "error", err, "staged", len(b.order))
		return err
	}
	if err := b.failure(); err != nil {
		s.logger.Debug("batch rolled back after a failed write", "error", err, "staged", len(b.order))
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.commit()
}

func (b *batch) failure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed
}

// fail records the first failed write. The caller holds b.mu.
func (b *batch) fail(err error) error {
	if b.failed == nil {
		b.failed = err
	}
	return err
}

func (b *batch) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// current returns the header a new write to key builds on.
func (b *batch) current(key string) (*header, error) {
	if m, ok := b.staged[key]; ok {
		return m.next, nil
	}
	return b.store.readHeader(b.store.db, key)
}

// stage records m, folding it into an earlier write of the same key.
func (b *batch) stage(m *mutation) {
	if prev, ok := b.staged[m.key]; ok {
		m.prev = prev.prev
		m.removed = append(prev.removed, m.removed...)
		m.blobs = append(prev.blobs, m.blobs...)
		m.next.Row = prev.next.Row
	} else {
		b.order = append(b.order, m.key)
	}
	b.staged[m.key] = m
}

func (b *batch) Save(ctx context.Context, doc *core.Document) (core.RevID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", errors.New("batch is closed")
	}
	if doc == nil {
		return "", b.fail(errors.New("document cannot be nil"))
	}
	if err := core.ValidateKey(doc.ID); err != nil {
		return "", b.fail(err)
	}
	if err := doc.Err(); err != nil {
		return "", b.fail(err)
	}

	cur, err := b.current(doc.ID)
	if err != nil {
		return "", b.fail(err)
	}
	m, err := b.store.planSave(cur, doc)
	if err != nil {
		return "", b.fail(err)
	}
	b.stage(m)
	b.saved[doc.ID] = doc
	doc.Rev, doc.Deleted = m.next.Rev, false
	return m.next.Rev, nil
}

func (b *batch) Get(ctx context.Context, key string) (*core.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("batch is closed")
	}
	if m, ok := b.staged[key]; ok {
		if m.doc == nil {
			return nil, fmt.Errorf("%q: %w", key, core.ErrNotFound)
		}
		doc := m.doc.Clone()
		doc.Rev = m.next.Rev
		return doc, nil
	}
	return b.store.Get(ctx, key)
}

func (b *batch) Delete(ctx context.Context, key string) (core.RevID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", errors.New("batch is closed")
	}
	if err := core.ValidateKey(key); err != nil {
		return "", b.fail(err)
	}

	cur, err := b.current(key)
	if err != nil {
		return "", b.fail(err)
	}
	m, err := b.store.planDelete(cur, key)
	if err != nil {
		return "", b.fail(err)
	}
	b.stage(m)
	delete(b.saved, key)
	return m.next.Rev, nil
}

func (b *batch) commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if len(b.order) == 0 {
		return nil
	}

	s := b.store
	unlock := s.locks.lockAll(b.order)
	defer unlock()

	ms := make([]*mutation, 0, len(b.order))
	for _, key := range b.order {
		m := b.staged[key]
		cur, err := s.readHeader(s.db, key)
		if err != nil {
			return err
		}
		if changedSince(m.prev, cur) {
			var current core.RevID
			if cur != nil {
				current = cur.Rev
			}
			return &core.ConflictError{Key: key, Current: current}
		}
		if cur != nil {
			rebase(m, cur)
		}
		ms = append(ms, m)
	}
	if err := s.commit(ms); err != nil {
		return err
	}
	for key, doc := range b.saved {
		doc.Seq = b.staged[key].next.Seq
	}
	s.logger.Debug("batch committed", "documents", len(ms))
	return nil
}

func changedSince(seen, cur *header) bool {
	switch {
	case seen == nil && cur == nil:
		return false
	case seen == nil || cur == nil:
		return true
	default:
		return seen.Rev != cur.Rev
	}
}

// rebase points m at the header read under lock. The revision is the one m
// was planned on, but replication may have moved the sequence or recorded
// conflict losers since.
func rebase(m *mutation, cur *header) {
	m.prev = cur
	m.next.Row = cur.Row
	for rev, node := range cur.Tree {
		if _, ok := m.next.Tree[rev]; ok || slices.Contains(m.removed, rev) {
			continue
		}
		m.next.Tree[rev] = node
	}
}
