package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
)

// Defaults used when a value is not configured.
const (
	DefaultFaultThreshold    = 3
	DefaultChannelCapacity   = 64
	DefaultUtilizationBound  = 1.0
	DefaultAuditLogSize      = 256
	DefaultStepCycles        = 2_000_000
	DefaultTelemetryInterval = time.Second
	DefaultAuditEvent        = "audit"
)

// Model is the unified representation of the application configuration.
type Model struct {
	Scheduler Scheduler
	Workloads []*Workload
	Audit     Audit
	Telemetry Telemetry
	// Boot holds shell command lines run before the interactive loop.
	Boot []string
}

// Scheduler carries the dispatcher tunables.
type Scheduler struct {
	FaultThreshold         int
	DefaultChannelCapacity int
	UtilizationBound       float64
	AuditLogSize           int
	DefaultStepCycles      uint64
}

// Workload binds a cost expression to one operator.
type Workload struct {
	Operator int
	Cost     hcl.Expression
}

// Audit configures the audit sinks. Empty fields disable a sink.
type Audit struct {
	SQLitePath         string
	SocketIOURL        string
	SocketIONamespace  string
	Event              string
	InsecureSkipVerify bool
	Log                bool
}

// Telemetry configures the snapshot poller. Zero disables it.
type Telemetry struct {
	Interval time.Duration
}

// NewModel returns a model holding the defaults.
func NewModel() *Model {
	return &Model{
		Scheduler: Scheduler{
			FaultThreshold:         DefaultFaultThreshold,
			DefaultChannelCapacity: DefaultChannelCapacity,
			UtilizationBound:       DefaultUtilizationBound,
			AuditLogSize:           DefaultAuditLogSize,
			DefaultStepCycles:      DefaultStepCycles,
		},
		Audit:     Audit{Event: DefaultAuditEvent},
		Telemetry: Telemetry{Interval: DefaultTelemetryInterval},
	}
}

// Validate checks value ranges and duplicate workload bindings.
func (m *Model) Validate() error {
	s := m.Scheduler
	var errs []error
	if s.FaultThreshold < 0 {
		errs = append(errs, fmt.Errorf("fault_threshold must be >= 0, got %d", s.FaultThreshold))
	}
	if s.DefaultChannelCapacity < 1 {
		errs = append(errs, fmt.Errorf("default_channel_capacity must be >= 1, got %d", s.DefaultChannelCapacity))
	}
	if s.UtilizationBound <= 0 || s.UtilizationBound > 1 {
		errs = append(errs, fmt.Errorf("utilization_bound must be in (0, 1], got %g", s.UtilizationBound))
	}
	if s.AuditLogSize < 0 {
		errs = append(errs, fmt.Errorf("audit_log_size must be >= 0, got %d", s.AuditLogSize))
	}
	if s.DefaultStepCycles == 0 {
		errs = append(errs, errors.New("default_step_cycles must be > 0"))
	}
	if m.Telemetry.Interval < 0 {
		errs = append(errs, fmt.Errorf("telemetry interval must be >= 0, got %s", m.Telemetry.Interval))
	}
	seen := make(map[int]bool)
	for _, w := range m.Workloads {
		if w.Operator < 0 {
			errs = append(errs, fmt.Errorf("workload operator id must be >= 0, got %d", w.Operator))
		}
		if seen[w.Operator] {
			errs = append(errs, fmt.Errorf("duplicate workload for operator %d", w.Operator))
		}
		seen[w.Operator] = true
	}
	return errors.Join(errs...)
}

// WorkloadExprs returns the cost expressions keyed by operator id.
func (m *Model) WorkloadExprs() map[int]hcl.Expression {
	out := make(map[int]hcl.Expression, len(m.Workloads))
	for _, w := range m.Workloads {
		out[w.Operator] = w.Cost
	}
	return out
}
