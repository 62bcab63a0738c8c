// Package workload supplies the per-step cycle demand of operators. The
// dispatcher charges this demand against CBS budgets; callers that model
// real work (inference, I/O) plug in their own Model.
package workload

import (
	"github.com/vk/detgraph/internal/operator"
)

// DefaultStepCycles is the demand of an operator that declares no estimate.
const DefaultStepCycles uint64 = 2_000_000

// Model returns the cycles the given invocation of op will consume when it
// starts at virtual time now.
type Model interface {
	Cost(op *operator.Operator, invocation, now uint64) uint64
}

// Declared charges each operator its declared WCET estimate, or Default
// when none was given.
type Declared struct {
	Default uint64
}

func (d Declared) Cost(op *operator.Operator, _, _ uint64) uint64 {
	if w := op.WCETEstimate(); w > 0 {
		return w
	}
	if d.Default == 0 {
		return DefaultStepCycles
	}
	return d.Default
}

// Fixed charges a constant per operator id and defers to Fallback for the
// rest.
type Fixed struct {
	Costs    map[int]uint64
	Fallback Model
}

func (f Fixed) Cost(op *operator.Operator, invocation, now uint64) uint64 {
	if c, ok := f.Costs[op.ID()]; ok {
		return c
	}
	if f.Fallback == nil {
		return Declared{}.Cost(op, invocation, now)
	}
	return f.Fallback.Cost(op, invocation, now)
}

// Uniform charges every operator the same demand.
type Uniform uint64

func (u Uniform) Cost(*operator.Operator, uint64, uint64) uint64 { return uint64(u) }
