package core

import (
	"github.com/aretw0/introspection"
)

// ServiceState exposes internal state for observability.
type ServiceState struct {
	StoreType string `json:"store_type"`
	Saves     int64  `json:"saves"`
	Deletes   int64  `json:"deletes"`
	Store     any    `json:"store,omitempty"`
}

// State implements introspection.Introspectable.
func (s *Service) State() any {
	storeType := "unknown"
	var inner any
	if s.store != nil {
		storeType = "store"
		if comp, ok := s.store.(introspection.Component); ok {
			storeType = comp.ComponentType()
		}
		if in, ok := s.store.(introspection.Introspectable); ok {
			inner = in.State()
		}
	}

	return ServiceState{
		StoreType: storeType,
		Saves:     s.saves.Load(),
		Deletes:   s.deletes.Load(),
		Store:     inner,
	}
}

// ComponentType implements introspection.Component.
func (s *Service) ComponentType() string {
	return "service"
}

var _ introspection.Introspectable = (*Service)(nil)
var _ introspection.Component = (*Service)(nil)
