package sched

import (
	"context"
	"fmt"

	"github.com/vk/detgraph/internal/cbs"
	"github.com/vk/detgraph/internal/ctxlog"
	"github.com/vk/detgraph/internal/graph"
	"github.com/vk/detgraph/internal/monitor"
	"github.com/vk/detgraph/internal/operator"
)

// round is the graph.DispatchFunc. It runs with s.mu held by Start.
func (s *Scheduler) round(ctx context.Context, g *graph.Graph) (bool, error) {
	var (
		stepped bool
		err     error
	)
	if s.mode == Deterministic && s.reservation != nil {
		stepped, err = s.detRoundLocked(ctx, g)
	} else {
		stepped, err = s.bestEffortRoundLocked(ctx, g)
	}
	s.monitor.RecordRound()
	s.publishLocked()
	return stepped, err
}

func (s *Scheduler) detRoundLocked(ctx context.Context, g *graph.Graph) (bool, error) {
	s.replenishLocked(ctx)
	s.refreshReadyLocked(g)

	for attempt := 0; attempt < 2; attempt++ {
		for {
			e, ok := s.queue.PopEarliest()
			if !ok {
				break
			}
			op, ok := g.Operator(e.Ref)
			srv := s.servers[e.Ref]
			if !ok || srv == nil || !srv.Eligible() {
				continue
			}
			stepped, err := s.dispatchLocked(ctx, g, op, srv)
			if err != nil || stepped {
				return stepped, err
			}
		}
		if attempt > 0 || !s.advanceClockLocked(g) {
			break
		}
		s.replenishLocked(ctx)
		s.refreshReadyLocked(g)
	}
	return false, nil
}

// replenishLocked refills every server whose period boundary has passed.
// A refilled server leaves the queue so it is pushed again with its new
// deadline.
func (s *Scheduler) replenishLocked(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	for _, id := range sortedServerIDs(s.servers) {
		srv := s.servers[id]
		if srv.Replenish(s.now) {
			s.queue.Remove(id)
			s.monitor.Audit(s.now, monitor.KindReplenish, id, srv.Name(),
				fmt.Sprintf("budget=%d deadline=%d", srv.Remaining(), srv.AbsDeadline()))
			logger.Debug("Server replenished.", "operator", id, "now", s.now, "abs_deadline", srv.AbsDeadline())
		}
	}
}

// refreshReadyLocked updates operator states and queues every runnable
// operator whose server has budget.
func (s *Scheduler) refreshReadyLocked(g *graph.Graph) {
	for _, op := range g.Operators() {
		id := op.ID()
		if op.State() == operator.Faulted {
			s.queue.Remove(id)
			continue
		}
		if g.Readiness(op) != graph.NotBlocked {
			s.queue.Remove(id)
			s.markBlockedLocked(op)
			continue
		}
		srv := s.servers[id]
		if srv == nil || !srv.Eligible() {
			op.SetState(operator.Idle)
			continue
		}
		op.SetState(operator.Ready)
		if !s.queue.Contains(id) {
			s.queue.Push(id, srv.AbsDeadline(), op.Priority())
		}
	}
}

// advanceClockLocked jumps to the earliest replenishment that would let a
// runnable operator run again. It reports whether the clock moved.
func (s *Scheduler) advanceClockLocked(g *graph.Graph) bool {
	var (
		next  uint64
		found bool
	)
	for id, srv := range s.servers {
		if srv.Cancelled() || srv.Eligible() || srv.ReplenishAt() <= s.now {
			continue
		}
		op, ok := g.Operator(id)
		if !ok || g.Readiness(op) != graph.NotBlocked {
			continue
		}
		if !found || srv.ReplenishAt() < next {
			next, found = srv.ReplenishAt(), true
		}
	}
	if found {
		s.now = next
	}
	return found
}

// dispatchLocked meters one step of op against srv. It reports false
// without running anything when the step must wait for replenishment.
func (s *Scheduler) dispatchLocked(ctx context.Context, g *graph.Graph, op *operator.Operator, srv *cbs.Server) (bool, error) {
	logger := ctxlog.FromContext(ctx)
	id := op.ID()
	demand := s.demandLocked(op)
	expected := op.WCETEstimate()
	late := s.now > srv.AbsDeadline()

	switch {
	case demand > srv.WCET():
		op.SetState(operator.Running)
		s.now += srv.Exhaust()
		if _, err := g.Step(id, true); err != nil {
			return false, err
		}
		s.monitor.RecordOverrun(id)
		s.monitor.Audit(s.now, monitor.KindOverrun, id, srv.Name(), fmt.Sprintf("demand=%d wcet=%d", demand, srv.WCET()))
		logger.Debug("Operator overran its budget.", "operator", id, "demand", demand, "wcet", srv.WCET())
		s.missLocked(ctx, op, srv, demand, expected)
		s.settleLocked(g, op)
		return true, nil

	case demand > srv.Remaining():
		srv.Suspend()
		op.SetState(operator.Idle)
		s.monitor.RecordExhaustion(id)
		s.monitor.Audit(s.now, monitor.KindBudgetExhausted, id, srv.Name(),
			fmt.Sprintf("demand=%d remaining=%d replenish_at=%d", demand, srv.Remaining(), srv.ReplenishAt()))
		logger.Debug("Server budget exhausted.", "operator", id, "demand", demand, "remaining", srv.Remaining())
		return false, nil
	}

	op.SetState(operator.Running)
	if err := srv.Consume(demand); err != nil {
		return false, err
	}
	s.now += demand
	if _, err := g.Step(id, false); err != nil {
		return false, err
	}
	if late || s.now > srv.AbsDeadline() {
		s.missLocked(ctx, op, srv, demand, expected)
	} else {
		s.monitor.RecordStep(id, demand, expected, false)
	}
	logger.Debug("Operator step completed.", "operator", id, "demand", demand, "now", s.now, "abs_deadline", srv.AbsDeadline())
	s.settleLocked(g, op)
	return true, nil
}

func (s *Scheduler) missLocked(ctx context.Context, op *operator.Operator, srv *cbs.Server, demand, expected uint64) {
	id := op.ID()
	s.monitor.Audit(s.now, monitor.KindDeadlineMiss, id, srv.Name(),
		fmt.Sprintf("completed=%d abs_deadline=%d", s.now, srv.AbsDeadline()))
	if !s.monitor.RecordStep(id, demand, expected, true) {
		return
	}
	op.SetState(operator.Faulted)
	srv.Cancel()
	s.queue.Remove(id)
	s.monitor.Audit(s.now, monitor.KindFault, id, srv.Name(),
		fmt.Sprintf("consecutive_misses=%d", s.monitor.Threshold()))
	ctxlog.FromContext(ctx).Warn("Operator faulted after consecutive deadline misses.",
		"operator", id, "misses", s.monitor.Threshold())
}

// settleLocked moves op out of Running after a step.
func (s *Scheduler) settleLocked(g *graph.Graph, op *operator.Operator) {
	if op.State() == operator.Faulted {
		return
	}
	if g.Readiness(op) == graph.NotBlocked {
		op.SetState(operator.Ready)
		return
	}
	s.markBlockedLocked(op)
}

func (s *Scheduler) markBlockedLocked(op *operator.Operator) {
	if op.State() != operator.Blocked {
		op.SetState(operator.Blocked)
		s.monitor.RecordBlocked(op.ID())
	}
}

// demandLocked asks the workload model for the next step's cycles. Zero is
// raised to one so the clock always advances.
func (s *Scheduler) demandLocked(op *operator.Operator) uint64 {
	d := s.workload.Cost(op, op.Invocations(), s.now)
	if d == 0 {
		d = 1
	}
	return d
}

// bestEffortRoundLocked runs the runnable operator with the lowest
// priority value; equal priorities take turns.
func (s *Scheduler) bestEffortRoundLocked(ctx context.Context, g *graph.Graph) (bool, error) {
	var pick *operator.Operator
	for _, op := range g.Operators() {
		if op.State() == operator.Faulted {
			continue
		}
		if g.Readiness(op) != graph.NotBlocked {
			s.markBlockedLocked(op)
			continue
		}
		op.SetState(operator.Ready)
		switch {
		case pick == nil,
			op.Priority() < pick.Priority(),
			op.Priority() == pick.Priority() && s.lastRun[op.ID()] < s.lastRun[pick.ID()]:
			pick = op
		}
	}
	if pick == nil {
		return false, nil
	}

	id := pick.ID()
	demand := s.demandLocked(pick)
	pick.SetState(operator.Running)
	s.now += demand
	if _, err := g.Step(id, false); err != nil {
		return false, err
	}
	s.runSeq++
	s.lastRun[id] = s.runSeq
	s.monitor.RecordUntimed(id, demand, pick.WCETEstimate())
	ctxlog.FromContext(ctx).Debug("Operator step completed.", "operator", id, "demand", demand, "now", s.now)
	s.settleLocked(g, pick)
	return true, nil
}

// publishLocked builds and publishes a snapshot of the current state.
func (s *Scheduler) publishLocked() {
	snap := &monitor.Snapshot{
		Mode:         s.mode.String(),
		Enabled:      s.det.Enabled,
		WCET:         s.det.WCET,
		Period:       s.det.Period,
		Deadline:     s.det.Deadline,
		Now:          s.now,
		Utilization:  cbs.FormatPPB(s.table.Used()),
		Bound:        cbs.FormatPPB(s.table.Bound()),
		Totals:       s.monitor.Totals(),
		AuditDropped: s.monitor.Dropped(),
	}
	if g := s.graph; g != nil {
		snap.Graph = g.ID()
		snap.GraphState = g.State().String()
		snap.MemPressure = g.MemPressure()
		for _, op := range g.Operators() {
			snap.Operators = append(snap.Operators, monitor.OperatorView{
				ID:       op.ID(),
				State:    op.State().String(),
				Priority: op.Priority(),
				Stats:    s.monitor.Operator(op.ID()),
			})
		}
	}
	for _, srv := range s.table.Servers() {
		snap.Servers = append(snap.Servers, srv.Info())
	}
	for _, id := range sortedServerIDs(s.servers) {
		snap.Servers = append(snap.Servers, s.servers[id].Info())
	}
	s.monitor.Publish(snap)
}
