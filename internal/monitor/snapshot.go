package monitor

import "github.com/vk/detgraph/internal/cbs"

// OperatorView is the snapshot entry of one operator.
type OperatorView struct {
	ID       int           `json:"id" yaml:"id"`
	State    string        `json:"state" yaml:"state"`
	Priority int           `json:"priority" yaml:"priority"`
	Stats    OperatorStats `json:"stats" yaml:"stats"`
}

// Snapshot is an immutable copy of scheduler state. Readers get a pointer
// to a published value and must not modify it.
type Snapshot struct {
	Mode         string         `json:"mode" yaml:"mode"`
	Enabled      bool           `json:"enabled" yaml:"enabled"`
	WCET         uint64         `json:"wcet_cycles" yaml:"wcet_cycles"`
	Period       uint64         `json:"period_cycles" yaml:"period_cycles"`
	Deadline     uint64         `json:"deadline_cycles" yaml:"deadline_cycles"`
	Now          uint64         `json:"now_cycles" yaml:"now_cycles"`
	Graph        string         `json:"graph,omitempty" yaml:"graph,omitempty"`
	GraphState   string         `json:"graph_state,omitempty" yaml:"graph_state,omitempty"`
	Utilization  string         `json:"utilization" yaml:"utilization"`
	Bound        string         `json:"utilization_bound" yaml:"utilization_bound"`
	Totals       Totals         `json:"totals" yaml:"totals"`
	MemPressure  uint32         `json:"mem_pressure" yaml:"mem_pressure"`
	AuditDropped uint64         `json:"audit_dropped" yaml:"audit_dropped"`
	Operators    []OperatorView `json:"operators" yaml:"operators"`
	Servers      []cbs.Info     `json:"servers" yaml:"servers"`
}

// Faulted returns the number of operators in the Faulted state.
func (s *Snapshot) Faulted() int {
	n := 0
	for _, o := range s.Operators {
		if o.State == "faulted" {
			n++
		}
	}
	return n
}

// Publish replaces the current snapshot.
func (m *Monitor) Publish(s *Snapshot) {
	if s == nil {
		return
	}
	m.snapshot.Store(s)
}

// Snapshot returns the latest published snapshot. It never blocks and
// never returns nil.
func (m *Monitor) Snapshot() *Snapshot { return m.snapshot.Load() }
