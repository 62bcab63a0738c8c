// Package diag implements the composite scheduler diagnostics. Each one
// replays fixed scenarios on private schedulers built with the default
// configuration, so results do not depend on, or disturb, the live graph.
// Live counters are only read, through the published snapshot.
package diag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vk/detgraph/internal/ctxlog"
	"github.com/vk/detgraph/internal/edf"
	"github.com/vk/detgraph/internal/graph"
	"github.com/vk/detgraph/internal/operator"
	"github.com/vk/detgraph/internal/sched"
	"github.com/vk/detgraph/internal/workload"
)

// Scenario parameters. The fault scenario gives one operator three times
// the demand of its neighbour under a reservation that fits only the
// neighbour's share.
const (
	isoWCET        = 4_000_000
	isoPeriod      = 10_000_000
	isoGoodCost    = 1_000_000
	isoBadCost     = 3_000_000
	isoRounds      = 60
	budgetWCET     = 5_000_000
	budgetPeriod   = 10_000_000
	budgetCost     = 1_000_000
	budgetRounds   = 100
	pipelineRounds = 30
)

// quiet returns a context whose logger discards scenario chatter.
func quiet(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, slog.New(slog.DiscardHandler))
}

func newScenario(m workload.Model) *sched.Scheduler {
	return sched.New(sched.DefaultConfig(), sched.WithWorkload(m))
}

// RTAIValidation checks the real-time guarantees of the dispatcher and
// reports the live scheduler's deadline and jitter counters.
func RTAIValidation(ctx context.Context, live *sched.Scheduler) *Report {
	r := &Report{Name: "rtaivalidation", Tag: "RT-AI VALIDATION", Title: "Real-Time AI Inference Validation"}
	qctx := quiet(ctx)

	checkEDFOrder(r)
	checkAdmissionBound(qctx, r)
	checkBudgetCompliance(qctx, r)
	checkPriorityOrder(qctx, r)

	liveMetrics(r, live)
	ctxlog.FromContext(ctx).Info("Diagnostic finished.", "name", r.Name, "passed", r.Passed(), "total", len(r.Checks))
	return r
}

// TemporalIso demonstrates that a misbehaving operator is isolated while
// its neighbour keeps its bandwidth.
func TemporalIso(ctx context.Context) *Report {
	r := &Report{Name: "temporaliso", Tag: "TEMPORAL ISOLATION", Title: "Temporal Isolation Demo"}
	checkIsolation(quiet(ctx), r)
	ctxlog.FromContext(ctx).Info("Diagnostic finished.", "name", r.Name, "passed", r.Passed(), "total", len(r.Checks))
	return r
}

// Phase3Validation runs every scheduler and graph check.
func Phase3Validation(ctx context.Context, live *sched.Scheduler) *Report {
	r := &Report{Name: "phase3validation", Tag: "PHASE 3 VALIDATION", Title: "Deterministic Graph Validation"}
	qctx := quiet(ctx)

	checkEDFOrder(r)
	checkAdmissionBound(qctx, r)
	checkBudgetCompliance(qctx, r)
	checkPriorityOrder(qctx, r)
	checkIsolation(qctx, r)
	checkLifecycle(qctx, r)
	checkPipeline(qctx, r)
	checkCycleRejection(qctx, r)

	r.metric("phase3_tests_passed", uint64(r.Passed()))
	r.metric("phase3_tests_total", uint64(len(r.Checks)))
	liveMetrics(r, live)
	ctxlog.FromContext(ctx).Info("Diagnostic finished.", "name", r.Name, "passed", r.Passed(), "total", len(r.Checks))
	return r
}

func liveMetrics(r *Report, live *sched.Scheduler) {
	if live == nil {
		return
	}
	st := live.Status()
	r.metric("scheduler_deadline_misses", st.Totals.Misses)
	r.metric("scheduler_deadline_hits", st.Totals.Hits)
	r.metric("jitter_samples", st.Totals.Jitter.Samples)
	r.metric("max_jitter_cycles", st.Totals.Jitter.Max)
	r.metric("mean_jitter_cycles", st.Totals.Jitter.Mean)
	r.metric("mem_pressure", uint64(st.MemPressure))
	var active uint64
	if st.Enabled {
		active = 1
	}
	r.metric("deterministic_scheduler_active", active)
}

func checkEDFOrder(r *Report) {
	q := edf.New[string]()
	q.Push("c", 3, 0)
	q.Push("a", 1, 0)
	q.Push("b", 2, 0)
	var got []string
	for {
		e, ok := q.PopEarliest()
		if !ok {
			break
		}
		got = append(got, e.Ref)
	}
	order := strings.Join(got, ",")
	r.check("edf-order", order == "a,b,c", "dispatch order %s", order)
}

func checkAdmissionBound(ctx context.Context, r *Report) {
	s := newScenario(nil)
	if _, err := s.Reserve(ctx, "inference", 6_000_000, 10_000_000, 10_000_000); err != nil {
		r.check("admission-bound", false, "0.6 reservation refused: %v", err)
		return
	}
	err := s.DetOn(ctx, 5_000_000, 10_000_000, 10_000_000)
	r.check("admission-bound", errors.Is(err, sched.ErrUtilizationExceeded) && s.Mode() == sched.BestEffort,
		"0.6 + 0.5 rejected=%t utilization=%s", err != nil, s.Status().Utilization)
}

func checkBudgetCompliance(ctx context.Context, r *Report) {
	s := newScenario(workload.Uniform(budgetCost))
	if err := twoStage(ctx, s); err != nil {
		r.check("budget-compliance", false, "setup: %v", err)
		return
	}
	if err := s.DetOn(ctx, budgetWCET, budgetPeriod, budgetPeriod); err != nil {
		r.check("budget-compliance", false, "det on: %v", err)
		return
	}
	if _, err := s.Start(ctx, budgetRounds); err != nil {
		r.check("budget-compliance", false, "run: %v", err)
		return
	}
	t := s.Status().Totals
	r.check("budget-compliance", t.Misses == 0 && t.Overruns == 0 && t.Hits > 0,
		"hits=%d misses=%d overruns=%d", t.Hits, t.Misses, t.Overruns)
	r.metric("budget_hits", t.Hits)
	r.metric("budget_exhaustions", t.Exhaustions)
}

func checkPriorityOrder(ctx context.Context, r *Report) {
	s := newScenario(workload.Uniform(1))
	if _, err := s.Create(ctx, 2); err != nil {
		r.check("priority-scheduling", false, "create: %v", err)
		return
	}
	for _, spec := range []operator.Spec{
		{ID: 0, In: operator.None, Out: operator.None, Priority: 20},
		{ID: 1, In: operator.None, Out: operator.None, Priority: 5},
	} {
		if err := s.AddOperator(ctx, spec); err != nil {
			r.check("priority-scheduling", false, "add operator: %v", err)
			return
		}
	}
	if _, err := s.Start(ctx, 1); err != nil {
		r.check("priority-scheduling", false, "run: %v", err)
		return
	}
	low, high := s.Monitor().Operator(0), s.Monitor().Operator(1)
	r.check("priority-scheduling", high.Runs == 1 && low.Runs == 0,
		"priority 5 ran %d, priority 20 ran %d", high.Runs, low.Runs)
}

func checkIsolation(ctx context.Context, r *Report) {
	s := newScenario(workload.Fixed{Costs: map[int]uint64{0: isoBadCost, 1: isoGoodCost}})
	if _, err := s.Create(ctx, 2); err != nil {
		r.check("temporal-isolation", false, "create: %v", err)
		return
	}
	for id := 0; id < 2; id++ {
		if err := s.AddOperator(ctx, operator.Spec{ID: id, In: operator.None, Out: operator.None, Priority: 10}); err != nil {
			r.check("temporal-isolation", false, "add operator: %v", err)
			return
		}
	}
	if err := s.DetOn(ctx, isoWCET, isoPeriod, isoPeriod); err != nil {
		r.check("temporal-isolation", false, "det on: %v", err)
		return
	}
	if _, err := s.Start(ctx, isoRounds); err != nil {
		r.check("temporal-isolation", false, "run: %v", err)
		return
	}

	bad, good := s.Monitor().Operator(0), s.Monitor().Operator(1)
	badOp, _ := s.Graph().Operator(0)
	faulted := badOp.State() == operator.Faulted
	clean := good.Misses == 0 && good.Hits > 0
	contained := s.Status().Faulted() == 1
	r.check("misbehaving-operator-faulted", faulted,
		"state=%s misses=%d overruns=%d", badOp.State(), bad.Misses, bad.Overruns)
	r.check("well-behaved-zero-misses", clean, "hits=%d misses=%d", good.Hits, good.Misses)
	r.check("fault-contained", contained, "faulted operators=%d", s.Status().Faulted())

	r.metric("misbehaving_misses", bad.Misses)
	r.metric("misbehaving_overruns", bad.Overruns)
	r.metric("well_behaved_hits", good.Hits)
	r.metric("well_behaved_max_jitter_cycles", good.MaxJitter)
	r.metric("virtual_clock_cycles", s.Now())
	var verified uint64
	if faulted && clean && contained {
		verified = 1
	}
	r.metric("temporal_isolation_verified", verified)
}

func checkLifecycle(ctx context.Context, r *Report) {
	s := newScenario(workload.Uniform(1))
	g1, err := s.Create(ctx, 2)
	if err == nil {
		err = s.AddOperator(ctx, operator.Spec{ID: 0, In: operator.None, Out: 1})
	}
	if err == nil {
		_, err = s.Start(ctx, 5)
	}
	if err == nil {
		_, err = s.Destroy(ctx)
	}
	if err != nil {
		r.check("graph-lifecycle", false, "%v", err)
		return
	}
	g2, err := s.Create(ctx, 2)
	if err != nil {
		r.check("graph-lifecycle", false, "recreate: %v", err)
		return
	}
	c := g2.Counts()
	r.check("graph-lifecycle", g1.State() == graph.Destroyed && g1.ID() != g2.ID() && c.Operators == 0 && c.Queued == 0,
		"old=%s new=%s operators=%d queued=%d", g1.State(), g2.State(), c.Operators, c.Queued)
}

func checkPipeline(ctx context.Context, r *Report) {
	s := newScenario(workload.Uniform(1))
	if _, err := s.Create(ctx, 3); err != nil {
		r.check("tensor-pipeline", false, "create: %v", err)
		return
	}
	for _, spec := range []operator.Spec{
		{ID: 0, In: operator.None, Out: 1, Priority: 1},
		{ID: 1, In: 1, Out: 2, Priority: 1, Kind: operator.KindTransform},
		{ID: 2, In: 2, Out: operator.None, Priority: 1},
	} {
		if err := s.AddOperator(ctx, spec); err != nil {
			r.check("tensor-pipeline", false, "add operator %d: %v", spec.ID, err)
			return
		}
	}
	if _, err := s.Start(ctx, pipelineRounds); err != nil {
		r.check("tensor-pipeline", false, "run: %v", err)
		return
	}
	sink := s.Monitor().Operator(2)
	r.check("tensor-pipeline", sink.Runs > 0, "sink consumed %d tensors", sink.Runs)
	r.metric("pipeline_sink_tensors", sink.Runs)
}

func checkCycleRejection(ctx context.Context, r *Report) {
	s := newScenario(nil)
	if _, err := s.Create(ctx, 2); err != nil {
		r.check("cycle-rejection", false, "create: %v", err)
		return
	}
	if err := s.AddOperator(ctx, operator.Spec{ID: 0, In: 0, Out: 1}); err != nil {
		r.check("cycle-rejection", false, "add operator 0: %v", err)
		return
	}
	err := s.AddOperator(ctx, operator.Spec{ID: 1, In: 1, Out: 0})
	r.check("cycle-rejection", errors.Is(err, graph.ErrCycle), "%s", describe(err))
}

func describe(err error) string {
	if err == nil {
		return "accepted"
	}
	return fmt.Sprintf("rejected: %v", err)
}

// twoStage builds a source feeding a sink through channel 1.
func twoStage(ctx context.Context, s *sched.Scheduler) error {
	if _, err := s.Create(ctx, 5); err != nil {
		return err
	}
	if err := s.AddOperator(ctx, operator.Spec{ID: 0, In: operator.None, Out: 1, Priority: 10}); err != nil {
		return err
	}
	return s.AddOperator(ctx, operator.Spec{ID: 1, In: 1, Out: operator.None, Priority: 10})
}

// Run dispatches a diagnostic by name.
func Run(ctx context.Context, name string, live *sched.Scheduler) (*Report, error) {
	switch name {
	case "rtaivalidation":
		return RTAIValidation(ctx, live), nil
	case "temporaliso":
		return TemporalIso(ctx), nil
	case "phase3validation":
		return Phase3Validation(ctx, live), nil
	default:
		return nil, fmt.Errorf("unknown diagnostic %q", name)
	}
}
