package cbs

import (
	"fmt"
	"math/big"
	"math/bits"
)

// Server is a Constant Bandwidth Server: it grants up to wcet cycles of
// execution per period and stamps each job with release+deadline.
//
// A Server is not safe for concurrent use; the dispatcher owns it.
type Server struct {
	id       uint64
	name     string
	wcet     uint64
	period   uint64
	deadline uint64

	remaining   uint64
	release     uint64
	absDeadline uint64
	replenishAt uint64
	suspended   bool
	cancelled   bool

	utilization    uint64
	share          *big.Rat
	replenishments uint64
	consumed       uint64
}

func newServer(id uint64, name string, wcet, period, deadline, now uint64) *Server {
	s := &Server{id: id, name: name, wcet: wcet, period: period, deadline: deadline}
	s.Restart(now)
	return s
}

func (s *Server) ID() uint64          { return s.id }
func (s *Server) Name() string        { return s.name }
func (s *Server) WCET() uint64        { return s.wcet }
func (s *Server) Period() uint64      { return s.period }
func (s *Server) Deadline() uint64    { return s.deadline }
func (s *Server) Remaining() uint64   { return s.remaining }
func (s *Server) Release() uint64     { return s.release }
func (s *Server) AbsDeadline() uint64 { return s.absDeadline }
func (s *Server) ReplenishAt() uint64 { return s.replenishAt }
func (s *Server) Suspended() bool     { return s.suspended }
func (s *Server) Cancelled() bool     { return s.cancelled }

// Utilization returns wcet/period in ppb, rounded up. Admission accounts
// the exact ratio.
func (s *Server) Utilization() uint64 { return s.utilization }

// Eligible reports whether the server may be queued for dispatch.
func (s *Server) Eligible() bool {
	return !s.cancelled && !s.suspended && s.remaining > 0
}

// Restart begins a fresh job at now with a full budget.
func (s *Server) Restart(now uint64) {
	s.release = now
	s.remaining = s.wcet
	s.absDeadline = now + s.deadline
	s.replenishAt = now + s.period
	s.suspended = false
}

// Consume deducts cycles from the remaining budget. It fails without
// changing anything if the budget cannot cover the request.
func (s *Server) Consume(cycles uint64) error {
	if s.cancelled {
		return ErrServerCancelled
	}
	if cycles > s.remaining {
		return fmt.Errorf("%w: server %q needs %d, has %d", ErrBudgetExhausted, s.name, cycles, s.remaining)
	}
	s.remaining -= cycles
	s.consumed += cycles
	return nil
}

// Exhaust burns whatever budget is left and returns the amount burned.
func (s *Server) Exhaust() uint64 {
	burned := s.remaining
	s.remaining = 0
	s.consumed += burned
	return burned
}

// Suspend parks the server until its next replenishment.
func (s *Server) Suspend() { s.suspended = true }

// Replenish restores the budget if now has reached the replenishment point.
// Release advances by whole periods so the server stays phase-aligned even
// when several periods were skipped.
func (s *Server) Replenish(now uint64) bool {
	if s.cancelled || now < s.replenishAt {
		return false
	}
	k := (now - s.release) / s.period
	s.release += k * s.period
	s.remaining = s.wcet
	s.absDeadline = s.release + s.deadline
	s.replenishAt = s.release + s.period
	s.suspended = false
	s.replenishments++
	return true
}

// Cancel stops the server permanently.
func (s *Server) Cancel() {
	s.cancelled = true
	s.remaining = 0
}

// Partition splits the server's budget into children that share its
// period, deadline and current release. Each child gets one cycle first
// (while the budget lasts) and the rest is distributed in proportion to
// weights, rounded down, so the children never exceed the parent. All-zero
// weights are treated as equal.
func (s *Server) Partition(names []string, weights []uint64) []*Server {
	n := len(weights)
	if n == 0 {
		return nil
	}
	var total uint64
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		weights = make([]uint64, n)
		for i := range weights {
			weights[i] = 1
		}
		total = uint64(n)
	}

	base := make([]uint64, n)
	spare := s.wcet
	for i := 0; i < n && spare > 0; i++ {
		base[i] = 1
		spare--
	}

	children := make([]*Server, n)
	for i, w := range weights {
		hi, lo := bits.Mul64(spare, w)
		share, _ := bits.Div64(hi, lo, total)
		wcet := base[i] + share
		name := fmt.Sprintf("%s/%d", s.name, i)
		if i < len(names) {
			name = names[i]
		}
		c := &Server{
			id:       uint64(i),
			name:     name,
			wcet:     wcet,
			period:   s.period,
			deadline: s.deadline,
		}
		c.Restart(s.release)
		if wcet == 0 {
			c.Cancel()
		} else {
			c.utilization = Utilization(wcet, s.period)
		}
		children[i] = c
	}
	return children
}

// Info is a read-only view of a server.
type Info struct {
	ID             uint64 `json:"id" yaml:"id"`
	Name           string `json:"name" yaml:"name"`
	WCET           uint64 `json:"wcet" yaml:"wcet"`
	Period         uint64 `json:"period" yaml:"period"`
	Deadline       uint64 `json:"deadline" yaml:"deadline"`
	Remaining      uint64 `json:"remaining" yaml:"remaining"`
	Release        uint64 `json:"release" yaml:"release"`
	AbsDeadline    uint64 `json:"abs_deadline" yaml:"abs_deadline"`
	ReplenishAt    uint64 `json:"replenish_at" yaml:"replenish_at"`
	Replenishments uint64 `json:"replenishments" yaml:"replenishments"`
	Consumed       uint64 `json:"consumed" yaml:"consumed"`
	Suspended      bool   `json:"suspended" yaml:"suspended"`
	Cancelled      bool   `json:"cancelled" yaml:"cancelled"`
}

// Info returns a copy of the server's state.
func (s *Server) Info() Info {
	return Info{
		ID:             s.id,
		Name:           s.name,
		WCET:           s.wcet,
		Period:         s.period,
		Deadline:       s.deadline,
		Remaining:      s.remaining,
		Release:        s.release,
		AbsDeadline:    s.absDeadline,
		ReplenishAt:    s.replenishAt,
		Replenishments: s.replenishments,
		Consumed:       s.consumed,
		Suspended:      s.suspended,
		Cancelled:      s.cancelled,
	}
}
