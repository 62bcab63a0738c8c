// Package audit forwards monitor audit records to external sinks. A failing
// sink is logged and counted; it never reaches back into the scheduler.
package audit

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/vk/detgraph/internal/ctxlog"
	"github.com/vk/detgraph/internal/monitor"
)

// Sink consumes audit records.
type Sink interface {
	Name() string
	Write(ctx context.Context, r monitor.Record) error
	Close() error
}

// Stats counts exporter deliveries across all sinks.
type Stats struct {
	Delivered uint64 `json:"delivered" yaml:"delivered"`
	Failed    uint64 `json:"failed" yaml:"failed"`
}

// Exporter subscribes to a monitor and fans records out to sinks.
type Exporter struct {
	mon     *monitor.Monitor
	sinks   []Sink
	buffer  int
	started chan struct{}

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewExporter returns an exporter with a subscription buffer of the given
// size. Records beyond it are dropped by the monitor, not queued.
func NewExporter(mon *monitor.Monitor, buffer int, sinks ...Sink) *Exporter {
	if buffer < 1 {
		buffer = 1024
	}
	return &Exporter{mon: mon, sinks: sinks, buffer: buffer, started: make(chan struct{})}
}

// Run delivers records until ctx is done or the monitor closes, then
// closes every sink.
func (e *Exporter) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx).With("component", "audit-exporter")
	id := "exporter-" + uuid.NewString()
	records, err := e.mon.Subscribe(id, e.buffer)
	if err != nil {
		return err
	}
	close(e.started)
	logger.Debug("Audit exporter started.", "sinks", len(e.sinks))

	defer func() {
		_ = e.mon.Unsubscribe(id)
		for _, s := range e.sinks {
			if err := s.Close(); err != nil {
				logger.Warn("Audit sink close failed.", "sink", s.Name(), "error", err)
			}
		}
		logger.Debug("Audit exporter stopped.", "delivered", e.delivered.Load(), "failed", e.failed.Load())
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-records:
			if !ok {
				return nil
			}
			e.deliver(ctx, r)
		}
	}
}

func (e *Exporter) deliver(ctx context.Context, r monitor.Record) {
	for _, s := range e.sinks {
		if err := s.Write(ctx, r); err != nil {
			e.failed.Add(1)
			ctxlog.FromContext(ctx).Warn("Audit sink write failed.", "sink", s.Name(), "seq", r.Seq, "error", err)
			continue
		}
		e.delivered.Add(1)
	}
}

// Started is closed once Run has subscribed to the monitor.
func (e *Exporter) Started() <-chan struct{} { return e.started }

// Stats returns the delivery counters.
func (e *Exporter) Stats() Stats {
	return Stats{Delivered: e.delivered.Load(), Failed: e.failed.Load()}
}
