// Package cbs implements Constant Bandwidth Servers and the admission table
// that keeps the sum of their utilizations within a bound.
package cbs

import (
	"fmt"
	"math/big"
	"math/bits"
	"sort"
	"sync"
)

// PPB is one full processor expressed in parts per billion.
const PPB uint64 = 1_000_000_000

// BoundFromFraction converts a utilization bound such as 1.0 or 0.85 into
// parts per billion. Values outside (0, 1] fall back to PPB.
func BoundFromFraction(f float64) uint64 {
	if f <= 0 || f > 1 {
		return PPB
	}
	return uint64(f * float64(PPB))
}

// FormatPPB renders a ppb utilization as a decimal fraction.
func FormatPPB(u uint64) string {
	return fmt.Sprintf("%d.%09d", u/PPB, u%PPB)
}

// Validate checks wcet <= deadline <= period and wcet > 0.
func Validate(wcet, period, deadline uint64) error {
	if wcet == 0 || period < wcet || deadline > period || deadline < wcet {
		return &AdmissionError{WCET: wcet, Period: period, Deadline: deadline, Err: ErrInfeasibleTriple}
	}
	return nil
}

// Utilization returns ceil(wcet/period) in parts per billion, for display.
// Admission uses the exact ratio. The caller must have validated
// wcet <= period.
func Utilization(wcet, period uint64) uint64 {
	hi, lo := bits.Mul64(wcet, PPB)
	q, r := bits.Div64(hi, lo, period)
	if r != 0 {
		q++
	}
	return q
}

func ratio(num, den uint64) *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(num), new(big.Int).SetUint64(den))
}

// ceilPPB rounds an exact utilization up to parts per billion.
func ceilPPB(r *big.Rat) uint64 {
	n := new(big.Int).Mul(r.Num(), new(big.Int).SetUint64(PPB))
	q, m := new(big.Int).QuoRem(n, r.Denom(), new(big.Int))
	if m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Uint64()
}

// Table is the admission table. It is safe for concurrent use.
//
// The admitted sum is kept as an exact rational, so sets such as
// 1/3+1/3+1/3 fill the bound without tripping it.
type Table struct {
	mu      sync.Mutex
	bound   uint64
	limit   *big.Rat
	used    *big.Rat
	nextID  uint64
	servers map[uint64]*Server
}

// NewTable returns an empty table with the given bound in ppb (0 means PPB).
func NewTable(bound uint64) *Table {
	if bound == 0 || bound > PPB {
		bound = PPB
	}
	return &Table{
		bound:   bound,
		limit:   ratio(bound, PPB),
		used:    new(big.Rat),
		servers: make(map[uint64]*Server),
	}
}

// Admit validates the triple and, if the bound allows, creates a server
// released at time now.
func (t *Table) Admit(name string, wcet, period, deadline, now uint64) (*Server, error) {
	if err := Validate(wcet, period, deadline); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.admitLocked(name, wcet, period, deadline, now, nil)
}

// admitLocked admits the triple as if credit had already been released.
func (t *Table) admitLocked(name string, wcet, period, deadline, now uint64, credit *big.Rat) (*Server, error) {
	share := ratio(wcet, period)
	base := new(big.Rat).Set(t.used)
	if credit != nil {
		base.Sub(base, credit)
	}
	if new(big.Rat).Add(base, share).Cmp(t.limit) > 0 {
		return nil, &AdmissionError{
			WCET: wcet, Period: period, Deadline: deadline,
			Requested: Utilization(wcet, period), Admitted: ceilPPB(base), Bound: t.bound,
			Err: ErrUtilizationExceeded,
		}
	}
	t.nextID++
	s := newServer(t.nextID, name, wcet, period, deadline, now)
	s.utilization = Utilization(wcet, period)
	s.share = share
	t.servers[s.id] = s
	t.used.Add(t.used, share)
	return s, nil
}

// Release returns a server's bandwidth to the table and cancels it.
func (t *Table) Release(s *Server) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releaseLocked(s)
}

func (t *Table) releaseLocked(s *Server) error {
	if s == nil || t.servers[s.id] != s {
		return ErrUnknownServer
	}
	delete(t.servers, s.id)
	t.used.Sub(t.used, s.share)
	s.Cancel()
	return nil
}

// Replace swaps old for a new reservation as one step: either the new
// server is admitted and old released, or the table is unchanged and old
// stays valid.
func (t *Table) Replace(old *Server, name string, wcet, period, deadline, now uint64) (*Server, error) {
	if err := Validate(wcet, period, deadline); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if old == nil || t.servers[old.id] != old {
		return nil, ErrUnknownServer
	}
	s, err := t.admitLocked(name, wcet, period, deadline, now, old.share)
	if err != nil {
		return nil, err
	}
	_ = t.releaseLocked(old)
	return s, nil
}

// Used returns the admitted utilization in ppb, rounded up.
func (t *Table) Used() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ceilPPB(t.used)
}

// Bound returns the utilization bound in ppb.
func (t *Table) Bound() uint64 { return t.bound }

// Len returns the number of admitted servers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.servers)
}

// Servers returns the admitted servers ordered by admission.
func (t *Table) Servers() []*Server {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Server, 0, len(t.servers))
	for _, s := range t.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
