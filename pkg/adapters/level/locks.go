package level

import (
	"slices"
	"sync"
)

// lockTable hands out one RWMutex per key. Entries are reference counted
// and dropped when the last holder releases them.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sync.RWMutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

func (t *lockTable) acquire(key string) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *lockTable) release(key string, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// lock takes the write lock of key and returns its release function.
func (t *lockTable) lock(key string) func() {
	e := t.acquire(key)
	e.Lock()
	return func() {
		e.Unlock()
		t.release(key, e)
	}
}

func (t *lockTable) rlock(key string) func() {
	e := t.acquire(key)
	e.RLock()
	return func() {
		e.RUnlock()
		t.release(key, e)
	}
}

// lockAll takes the write locks of keys in sorted order.
func (t *lockTable) lockAll(keys []string) func() {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	unlocks := make([]func(), 0, len(sorted))
	for _, k := range sorted {
		unlocks = append(unlocks, t.lock(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (t *lockTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
