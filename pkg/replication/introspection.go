package replication

import (
	"fmt"

	"github.com/aretw0/introspection"

	"github.com/aretw0/humus/pkg/core"
)

// ReplicatorState exposes internal state for observability.
type ReplicatorState struct {
	Endpoint   string          `json:"endpoint"`
	Direction  string          `json:"direction"`
	Continuous bool            `json:"continuous"`
	Filter     string          `json:"filter,omitempty"`
	Session    string          `json:"session"`
	State      State           `json:"state"`
	Worker     string          `json:"worker"`
	Pushed     int64           `json:"pushed"`
	Pulled     int64           `json:"pulled"`
	Conflicts  int64           `json:"conflicts"`
	Attempts   int             `json:"attempts"`
	Checkpoint core.Checkpoint `json:"checkpoint"`
	LastError  string          `json:"last_error,omitempty"`
}

// State implements introspection.Introspectable.
func (r *Replicator) State() any {
	st := r.Status()
	out := ReplicatorState{
		Endpoint:   r.config.Endpoint.String(),
		Direction:  r.config.Direction.String(),
		Continuous: r.config.Continuous,
		Filter:     r.config.Filter,
		Session:    st.Session,
		State:      st.State,
		Worker:     fmt.Sprint(r.worker.State().Status),
		Pushed:     st.Pushed,
		Pulled:     st.Pulled,
		Conflicts:  st.Conflicts,
		Attempts:   st.Attempts,
		Checkpoint: st.Checkpoint,
	}
	if st.Err != nil {
		out.LastError = st.Err.Error()
	}
	return out
}

// ComponentType implements introspection.Component.
func (r *Replicator) ComponentType() string {
	return "replicator"
}

var _ introspection.Introspectable = (*Replicator)(nil)
var _ introspection.Component = (*Replicator)(nil)
