package monitor

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an audit record.
type Kind string

const (
	KindAdmit           Kind = "admit"
	KindReject          Kind = "reject"
	KindRelease         Kind = "release"
	KindReplenish       Kind = "replenish"
	KindBudgetExhausted Kind = "budget_exhausted"
	KindDeadlineMiss    Kind = "deadline_miss"
	KindOverrun         Kind = "overrun"
	KindFault           Kind = "fault"
	KindModeChange      Kind = "mode_change"
	KindCancel          Kind = "cancel"
)

// NoOperator is used in records that do not concern a single operator.
const NoOperator = -1

var (
	ErrSubscriberExists   = errors.New("subscriber already exists")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrMonitorClosed      = errors.New("monitor closed")
)

// Record is one entry of the audit stream.
type Record struct {
	ID       string    `json:"id" yaml:"id"`
	Seq      uint64    `json:"seq" yaml:"seq"`
	AtCycles uint64    `json:"at_cycles" yaml:"at_cycles"`
	Time     time.Time `json:"time" yaml:"time"`
	Kind     Kind      `json:"kind" yaml:"kind"`
	Operator int       `json:"operator" yaml:"operator"`
	Server   string    `json:"server,omitempty" yaml:"server,omitempty"`
	Detail   string    `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// SubscriberStats counts deliveries to one subscriber.
type SubscriberStats struct {
	Sent    uint64 `json:"sent" yaml:"sent"`
	Dropped uint64 `json:"dropped" yaml:"dropped"`
}

type subscriber struct {
	ch      chan Record
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Audit appends a record to the bounded log and offers it to every
// subscriber without blocking. A subscriber whose buffer is full loses the
// record and has its drop counter bumped.
func (m *Monitor) Audit(now uint64, kind Kind, op int, server, detail string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	r := Record{
		ID:       uuid.New().String(),
		Seq:      m.seq,
		AtCycles: now,
		Time:     m.clock(),
		Kind:     kind,
		Operator: op,
		Server:   server,
		Detail:   detail,
	}
	if m.logSize > 0 {
		if len(m.log) < m.logSize {
			m.log = append(m.log, r)
		} else {
			m.log[m.logHead] = r
			m.logHead = (m.logHead + 1) % m.logSize
		}
	}
	if m.closed {
		return r
	}
	for _, s := range m.subs {
		select {
		case s.ch <- r:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
			m.dropped.Add(1)
		}
	}
	return r
}

// Recent returns up to n of the newest records, oldest first. n <= 0
// returns the whole log.
func (m *Monitor) Recent(n int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := make([]Record, 0, len(m.log))
	ordered = append(ordered, m.log[m.logHead:]...)
	ordered = append(ordered, m.log[:m.logHead]...)
	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Subscribe registers a buffered audit subscriber.
func (m *Monitor) Subscribe(id string, buffer int) (<-chan Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrMonitorClosed
	}
	if _, exists := m.subs[id]; exists {
		return nil, ErrSubscriberExists
	}
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber{ch: make(chan Record, buffer)}
	m.subs[id] = s
	return s.ch, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *Monitor) Unsubscribe(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return ErrSubscriberNotFound
	}
	delete(m.subs, id)
	close(s.ch)
	return nil
}

// SubscriberStats returns delivery counters for one subscriber.
func (m *Monitor) SubscriberStats(id string) (SubscriberStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}, nil
}

// Close closes every subscriber channel. Later records are still logged.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for id, s := range m.subs {
		close(s.ch)
		delete(m.subs, id)
	}
}
