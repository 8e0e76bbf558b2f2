package level

import (
	"time"

	"github.com/aretw0/introspection"
)

// StoreState exposes internal state for observability.
type StoreState struct {
	Path       string     `json:"path"`
	UUID       string     `json:"uuid"`
	InMemory   bool       `json:"in_memory"`
	ReadOnly   bool       `json:"read_only"`
	Degraded   string     `json:"degraded,omitempty"`
	LastSeq    uint64     `json:"last_seq"`
	Commits    int64      `json:"commits"`
	CacheSize  int        `json:"cache_size"`
	Indexes    []string   `json:"indexes"`
	Watchers   int        `json:"watchers"`
	KeyLocks   int        `json:"key_locks"`
	BatchOpen  bool       `json:"batch_open"`
	LastCommit *time.Time `json:"last_commit,omitempty"`
}

// State implements introspection.Introspectable.
func (s *Store) State() any {
	var names []string
	for _, spec := range s.Catalog().Specs() {
		names = append(names, spec.Name)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	state := StoreState{
		Path:       s.config.Path,
		UUID:       s.uuid,
		InMemory:   s.config.InMemory,
		ReadOnly:   s.config.ReadOnly || s.degraded != nil,
		LastSeq:    s.seq.Load(),
		Commits:    s.commits,
		CacheSize:  s.cache.Len(),
		Indexes:    names,
		Watchers:   s.hub.len(),
		KeyLocks:   s.locks.len(),
		BatchOpen:  s.batchActive.Load(),
		LastCommit: s.lastSync,
	}
	if s.degraded != nil {
		state.Degraded = s.degraded.Error()
	}
	return state
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string {
	return "store"
}

var _ introspection.Introspectable = (*Store)(nil)
var _ introspection.Component = (*Store)(nil)
