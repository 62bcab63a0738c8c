package hcl_adapter

import "github.com/hashicorp/hcl/v2"

// fileRoot is a struct used to decode all possible top-level content from any file.
type fileRoot struct {
	Scheduler *SchedulerBlock  `hcl:"scheduler,block"`
	Workloads []*WorkloadBlock `hcl:"workload,block"`
	Audit     *AuditBlock      `hcl:"audit,block"`
	Telemetry *TelemetryBlock  `hcl:"telemetry,block"`
	Boot      []string         `hcl:"boot,optional"`
}

// SchedulerBlock is the `scheduler` block. Omitted attributes keep their
// defaults.
type SchedulerBlock struct {
	FaultThreshold         *int     `hcl:"fault_threshold,optional"`
	DefaultChannelCapacity *int     `hcl:"default_channel_capacity,optional"`
	UtilizationBound       *float64 `hcl:"utilization_bound,optional"`
	AuditLogSize           *int     `hcl:"audit_log_size,optional"`
	DefaultStepCycles      *uint64  `hcl:"default_step_cycles,optional"`
}

// WorkloadBlock is a `workload "<operator id>"` block. Cost is kept as an
// expression and evaluated per step.
type WorkloadBlock struct {
	Operator string         `hcl:"operator,label"`
	Cost     hcl.Expression `hcl:"cost"`
}

// AuditBlock is the `audit` block.
type AuditBlock struct {
	SQLite             *string `hcl:"sqlite,optional"`
	SocketIOURL        *string `hcl:"socketio_url,optional"`
	Namespace          *string `hcl:"namespace,optional"`
	Event              *string `hcl:"event,optional"`
	InsecureSkipVerify *bool   `hcl:"insecure_skip_verify,optional"`
	Log                *bool   `hcl:"log,optional"`
}

// TelemetryBlock is the `telemetry` block.
type TelemetryBlock struct {
	Interval *string `hcl:"interval,optional"`
}
