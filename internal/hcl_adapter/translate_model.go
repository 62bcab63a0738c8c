// This file contains the logic for translating the decoded HCL blocks into
// the format-agnostic configuration model defined in the config package.

package hcl_adapter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/detgraph/internal/config"
	"github.com/vk/detgraph/internal/ctxlog"
)

func (l *Loader) merge(ctx context.Context, m *config.Model, root *fileRoot) error {
	if s := root.Scheduler; s != nil {
		setInt(&m.Scheduler.FaultThreshold, s.FaultThreshold)
		setInt(&m.Scheduler.DefaultChannelCapacity, s.DefaultChannelCapacity)
		setInt(&m.Scheduler.AuditLogSize, s.AuditLogSize)
		if s.UtilizationBound != nil {
			m.Scheduler.UtilizationBound = *s.UtilizationBound
		}
		if s.DefaultStepCycles != nil {
			m.Scheduler.DefaultStepCycles = *s.DefaultStepCycles
		}
	}

	for _, w := range root.Workloads {
		wl, err := translateWorkload(ctx, w)
		if err != nil {
			return err
		}
		m.Workloads = append(m.Workloads, wl)
	}

	if a := root.Audit; a != nil {
		setString(&m.Audit.SQLitePath, a.SQLite)
		setString(&m.Audit.SocketIOURL, a.SocketIOURL)
		setString(&m.Audit.SocketIONamespace, a.Namespace)
		setString(&m.Audit.Event, a.Event)
		if a.InsecureSkipVerify != nil {
			m.Audit.InsecureSkipVerify = *a.InsecureSkipVerify
		}
		if a.Log != nil {
			m.Audit.Log = *a.Log
		}
	}

	if t := root.Telemetry; t != nil && t.Interval != nil {
		d, err := time.ParseDuration(*t.Interval)
		if err != nil {
			return fmt.Errorf("telemetry interval: %w", err)
		}
		m.Telemetry.Interval = d
	}

	m.Boot = append(m.Boot, root.Boot...)
	return nil
}

// translateWorkload converts a workload block into the agnostic model.
func translateWorkload(ctx context.Context, w *WorkloadBlock) (*config.Workload, error) {
	logger := ctxlog.FromContext(ctx).With("workload", w.Operator)

	id, err := strconv.Atoi(w.Operator)
	if err != nil {
		return nil, fmt.Errorf("workload label %q is not an operator id: %w", w.Operator, err)
	}
	if !isExprDefined(ctx, w.Cost, "cost") {
		return nil, fmt.Errorf("workload %q has an empty cost expression", w.Operator)
	}
	logger.Debug("Workload cost expression bound.", "range", w.Cost.Range().String())
	return &config.Workload{Operator: id, Cost: w.Cost}, nil
}

// isExprDefined checks if an HCL expression was actually present in the source
// code. A real attribute occupies bytes in the file, while a placeholder
// has a zero-width range.
func isExprDefined(ctx context.Context, expr hcl.Expression, attrName string) bool {
	if expr == nil {
		ctxlog.FromContext(ctx).Debug("Expression is nil, considering it undefined.", "attribute", attrName)
		return false
	}
	r := expr.Range()
	return r.End.Byte > r.Start.Byte
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
