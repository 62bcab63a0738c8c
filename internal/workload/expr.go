package workload

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/vk/detgraph/internal/operator"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Expr evaluates an HCL expression per operator to obtain its demand. The
// expression sees:
//
//	op.id, op.priority, op.wcet, op.kind, op.stage
//	invocation   zero-based step number of the operator
//	now          virtual clock in cycles
//
// and the functions min, max, abs, floor, ceil. Example:
//
//	invocation % 10 == 9 ? 3000000 : 800000
//
// A failed evaluation (unknown variable, negative or non-numeric result)
// charges the fallback model and is counted in Errors.
type Expr struct {
	mu       sync.RWMutex
	exprs    map[int]hcl.Expression
	fallback Model
	errors   atomic.Uint64
}

// NewExpr builds an expression model. fallback may be nil.
func NewExpr(exprs map[int]hcl.Expression, fallback Model) *Expr {
	if fallback == nil {
		fallback = Declared{}
	}
	if exprs == nil {
		exprs = make(map[int]hcl.Expression)
	}
	return &Expr{exprs: exprs, fallback: fallback}
}

// Set installs or replaces the expression for operator op. A nil expr
// reverts op to the fallback model.
func (e *Expr) Set(op int, expr hcl.Expression) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if expr == nil {
		delete(e.exprs, op)
		return
	}
	e.exprs[op] = expr
}

// ParseExpr parses a standalone expression such as the --cost value of
// graphctl add-operator.
func ParseExpr(src string) (hcl.Expression, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "workload", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse workload expression %q: %w", src, diags)
	}
	return expr, nil
}

var functions = map[string]function.Function{
	"min":   stdlib.MinFunc,
	"max":   stdlib.MaxFunc,
	"abs":   stdlib.AbsoluteFunc,
	"floor": stdlib.FloorFunc,
	"ceil":  stdlib.CeilFunc,
}

// Cost implements Model.
func (e *Expr) Cost(op *operator.Operator, invocation, now uint64) uint64 {
	e.mu.RLock()
	expr, ok := e.exprs[op.ID()]
	e.mu.RUnlock()
	if !ok {
		return e.fallback.Cost(op, invocation, now)
	}
	c, err := e.eval(expr, op, invocation, now)
	if err != nil {
		e.errors.Add(1)
		return e.fallback.Cost(op, invocation, now)
	}
	return c
}

// Errors returns how many evaluations fell back.
func (e *Expr) Errors() uint64 { return e.errors.Load() }

func (e *Expr) eval(expr hcl.Expression, op *operator.Operator, invocation, now uint64) (uint64, error) {
	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"op": cty.ObjectVal(map[string]cty.Value{
				"id":       cty.NumberIntVal(int64(op.ID())),
				"priority": cty.NumberIntVal(int64(op.Priority())),
				"wcet":     cty.NumberUIntVal(op.WCETEstimate()),
				"kind":     cty.StringVal(op.Kind().String()),
				"stage":    cty.StringVal(op.Stage().String()),
			}),
			"invocation": cty.NumberUIntVal(invocation),
			"now":        cty.NumberUIntVal(now),
		},
		Functions: functions,
	}
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return 0, diags
	}
	if val.IsNull() || !val.IsKnown() {
		return 0, fmt.Errorf("workload expression for operator %d is not a known value", op.ID())
	}
	var cycles uint64
	if err := gocty.FromCtyValue(val, &cycles); err != nil {
		return 0, fmt.Errorf("workload expression for operator %d: %w", op.ID(), err)
	}
	return cycles, nil
}
