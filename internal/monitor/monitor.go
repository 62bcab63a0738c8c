// Package monitor tracks temporal isolation: per-operator deadline hits and
// misses, jitter, and fault isolation of operators that keep missing. It
// also owns the audit stream and the published read-only snapshot.
package monitor

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// OperatorStats are the cumulative counters of one operator.
type OperatorStats struct {
	Runs          uint64 `json:"runs" yaml:"runs"`
	Hits          uint64 `json:"hits" yaml:"hits"`
	Misses        uint64 `json:"misses" yaml:"misses"`
	Consecutive   uint64 `json:"consecutive_misses" yaml:"consecutive_misses"`
	Overruns      uint64 `json:"overruns" yaml:"overruns"`
	Exhaustions   uint64 `json:"budget_exhaustions" yaml:"budget_exhaustions"`
	Blocked       uint64 `json:"blocked" yaml:"blocked"`
	LastDemand    uint64 `json:"last_demand" yaml:"last_demand"`
	MaxJitter     uint64 `json:"max_jitter" yaml:"max_jitter"`
	JitterSamples uint64 `json:"jitter_samples" yaml:"jitter_samples"`
	jitterSum     uint64
}

// MeanJitter returns the mean jitter of the operator in cycles.
func (s OperatorStats) MeanJitter() uint64 {
	if s.JitterSamples == 0 {
		return 0
	}
	return s.jitterSum / s.JitterSamples
}

// JitterStats aggregates |actual - expected| demand over all steps.
type JitterStats struct {
	Samples uint64 `json:"samples" yaml:"samples"`
	Max     uint64 `json:"max_cycles" yaml:"max_cycles"`
	Mean    uint64 `json:"mean_cycles" yaml:"mean_cycles"`
	sum     uint64
}

func (j *JitterStats) add(v uint64) {
	j.Samples++
	j.sum += v
	if v > j.Max {
		j.Max = v
	}
	j.Mean = j.sum / j.Samples
}

// Totals are the global cumulative counters.
type Totals struct {
	Hits        uint64      `json:"deadline_hits" yaml:"deadline_hits"`
	Misses      uint64      `json:"deadline_misses" yaml:"deadline_misses"`
	Overruns    uint64      `json:"overruns" yaml:"overruns"`
	Exhaustions uint64      `json:"budget_exhaustions" yaml:"budget_exhaustions"`
	Faults      uint64      `json:"faults" yaml:"faults"`
	Rounds      uint64      `json:"rounds" yaml:"rounds"`
	Steps       uint64      `json:"steps" yaml:"steps"`
	Jitter      JitterStats `json:"jitter" yaml:"jitter"`
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	threshold uint64
	ops       map[int]*OperatorStats
	totals    Totals

	seq     uint64
	log     []Record
	logHead int
	logSize int
	subs    map[string]*subscriber
	dropped atomic.Uint64
	closed  bool

	snapshot atomic.Pointer[Snapshot]
	clock    func() time.Time
}

// New returns a monitor that faults an operator after threshold
// consecutive misses (0 disables faulting) and keeps the newest logSize
// audit records.
func New(threshold, logSize int) *Monitor {
	if threshold < 0 {
		threshold = 0
	}
	if logSize < 0 {
		logSize = 0
	}
	m := &Monitor{
		threshold: uint64(threshold),
		ops:       make(map[int]*OperatorStats),
		logSize:   logSize,
		subs:      make(map[string]*subscriber),
		clock:     time.Now,
	}
	m.snapshot.Store(&Snapshot{Mode: "best-effort"})
	return m
}

// Threshold returns the consecutive-miss fault threshold.
func (m *Monitor) Threshold() int { return int(m.threshold) }

func (m *Monitor) opLocked(id int) *OperatorStats {
	s, ok := m.ops[id]
	if !ok {
		s = &OperatorStats{}
		m.ops[id] = s
	}
	return s
}

func (m *Monitor) jitterLocked(s *OperatorStats, demand, expected uint64) {
	if expected == 0 {
		expected = s.LastDemand
	}
	if expected != 0 {
		j := demand - expected
		if expected > demand {
			j = expected - demand
		}
		s.JitterSamples++
		s.jitterSum += j
		if j > s.MaxJitter {
			s.MaxJitter = j
		}
		m.totals.Jitter.add(j)
	}
	s.LastDemand = demand
}

// RecordStep accounts a finished or interrupted step of operator op. demand
// is what the step asked for and expected the declared estimate (0 uses
// the previous demand). It reports whether this miss pushed the operator
// to the fault threshold.
func (m *Monitor) RecordStep(op int, demand, expected uint64, missed bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.opLocked(op)
	s.Runs++
	m.totals.Steps++
	m.jitterLocked(s, demand, expected)
	if !missed {
		s.Hits++
		s.Consecutive = 0
		m.totals.Hits++
		return false
	}
	s.Misses++
	s.Consecutive++
	m.totals.Misses++
	if m.threshold > 0 && s.Consecutive == m.threshold {
		m.totals.Faults++
		return true
	}
	return false
}

// RecordUntimed accounts a best-effort step, which has no deadline.
func (m *Monitor) RecordUntimed(op int, demand, expected uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.opLocked(op)
	s.Runs++
	m.totals.Steps++
	m.jitterLocked(s, demand, expected)
}

// RecordOverrun accounts a step cut short because it needed more than the
// server's wcet. The caller also records the step itself as a miss.
func (m *Monitor) RecordOverrun(op int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opLocked(op).Overruns++
	m.totals.Overruns++
}

// RecordExhaustion accounts a step deferred to the next replenishment.
func (m *Monitor) RecordExhaustion(op int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opLocked(op).Exhaustions++
	m.totals.Exhaustions++
}

// RecordBlocked accounts an operator entering the Blocked state.
func (m *Monitor) RecordBlocked(op int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opLocked(op).Blocked++
}

// RecordRound accounts one completed scheduling round.
func (m *Monitor) RecordRound() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals.Rounds++
}

// ForgetOperators drops per-operator counters; global totals are kept.
func (m *Monitor) ForgetOperators() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = make(map[int]*OperatorStats)
}

// Reset zeroes every counter. The audit log is kept.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = make(map[int]*OperatorStats)
	m.totals = Totals{}
}

// Operator returns a copy of one operator's counters.
func (m *Monitor) Operator(id int) OperatorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.ops[id]; ok {
		return *s
	}
	return OperatorStats{}
}

// OperatorIDs returns the ids with recorded counters, sorted.
func (m *Monitor) OperatorIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.ops))
	for id := range m.ops {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Totals returns a copy of the global counters.
func (m *Monitor) Totals() Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals
}

// Dropped returns how many audit deliveries were dropped across all
// subscribers.
func (m *Monitor) Dropped() uint64 { return m.dropped.Load() }
