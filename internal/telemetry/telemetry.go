// Package telemetry polls the scheduler's published snapshot at a fixed
// cadence. Reads never take the dispatcher's lock.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/detgraph/internal/ctxlog"
	"github.com/vk/detgraph/internal/monitor"
)

var ErrBadInterval = errors.New("telemetry interval must be positive")

// Source publishes snapshots.
type Source interface {
	Status() *monitor.Snapshot
}

// Sample is what one poll extracts from a snapshot.
type Sample struct {
	At             time.Time `json:"at" yaml:"at"`
	Mode           string    `json:"mode" yaml:"mode"`
	MemPressure    uint32    `json:"mem_pressure" yaml:"mem_pressure"`
	DeadlineMisses uint64    `json:"deadline_misses" yaml:"deadline_misses"`
	Faulted        int       `json:"faulted" yaml:"faulted"`
}

// Handler receives every sample. It runs on the poller goroutine.
type Handler func(context.Context, Sample)

// Poller samples a Source on a ticker.
type Poller struct {
	src      Source
	interval time.Duration
	handlers []Handler

	mu    sync.RWMutex
	last  Sample
	polls atomic.Uint64
}

// New returns a poller; handlers may be empty.
func New(src Source, interval time.Duration, handlers ...Handler) (*Poller, error) {
	if interval <= 0 {
		return nil, ErrBadInterval
	}
	return &Poller{src: src, interval: interval, handlers: handlers}, nil
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx).With("component", "telemetry")
	logger.Debug("Telemetry poller started.", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Telemetry poller stopped.", "polls", p.polls.Load())
			return nil
		case now := <-ticker.C:
			p.Poll(ctx, now)
		}
	}
}

// Poll takes one sample immediately.
func (p *Poller) Poll(ctx context.Context, now time.Time) Sample {
	snap := p.src.Status()
	s := Sample{
		At:             now,
		Mode:           snap.Mode,
		MemPressure:    snap.MemPressure,
		DeadlineMisses: snap.Totals.Misses,
		Faulted:        snap.Faulted(),
	}
	p.mu.Lock()
	p.last = s
	p.mu.Unlock()
	p.polls.Add(1)
	for _, h := range p.handlers {
		h(ctx, s)
	}
	return s
}

// Last returns the newest sample and whether any poll happened yet.
func (p *Poller) Last() (Sample, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, p.polls.Load() > 0
}

// Polls returns the number of samples taken.
func (p *Poller) Polls() uint64 { return p.polls.Load() }

// LogHandler logs each sample at Debug, and at Warn when misses grew since
// the previous sample.
func LogHandler() Handler {
	var prev uint64
	return func(ctx context.Context, s Sample) {
		logger := ctxlog.FromContext(ctx)
		if s.DeadlineMisses > prev {
			logger.Warn("Deadline misses increased.", "deadline_misses", s.DeadlineMisses, "delta", s.DeadlineMisses-prev, "mem_pressure", s.MemPressure)
		} else {
			logger.Debug("Telemetry sample.", "mode", s.Mode, "deadline_misses", s.DeadlineMisses, "mem_pressure", s.MemPressure)
		}
		prev = s.DeadlineMisses
	}
}
