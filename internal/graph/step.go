package graph

import (
	"github.com/vk/detgraph/internal/channel"
	"github.com/vk/detgraph/internal/operator"
	"github.com/vk/detgraph/internal/tensor"
)

// Block explains why an operator cannot take a step.
type Block int

const (
	NotBlocked Block = iota
	InputEmpty
	OutputFull
	OperatorFaulted
)

func (b Block) String() string {
	switch b {
	case NotBlocked:
		return "runnable"
	case InputEmpty:
		return "input-empty"
	case OutputFull:
		return "output-full"
	case OperatorFaulted:
		return "faulted"
	}
	return "unknown"
}

// Readiness reports whether op could complete a step right now. A source
// never waits for input and a sink never waits for downstream room.
func (g *Graph) Readiness(op *operator.Operator) Block {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.readinessLocked(op)
}

func (g *Graph) readinessLocked(op *operator.Operator) Block {
	if op.State() == operator.Faulted {
		return OperatorFaulted
	}
	if !op.IsSource() {
		if in := g.channelLocked(op.In()); in == nil || in.IsEmpty() {
			return InputEmpty
		}
	}
	if !op.IsSink() {
		if out := g.channelLocked(op.Out()); out == nil || out.IsFull() {
			return OutputFull
		}
	}
	return NotBlocked
}

// StepResult describes what one step did to the channels.
type StepResult struct {
	Consumed  bool
	Produced  bool
	Discarded bool
}

// Step executes one step of the operator with the given id. When
// interrupted is true the step is cut at its preemption point: the output
// is computed and dropped and the input stays queued.
func (g *Graph) Step(id int, interrupted bool) (StepResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var res StepResult
	if g.state == Destroyed {
		return res, topoErr("step", id, operator.None, ErrGraphDestroyed)
	}
	op, ok := g.operators[id]
	if !ok {
		return res, topoErr("step", id, operator.None, ErrUnknownOperator)
	}
	switch g.readinessLocked(op) {
	case InputEmpty:
		return res, channel.ErrEmpty
	case OutputFull:
		return res, channel.ErrFull
	case OperatorFaulted:
		return res, topoErr("step", id, operator.None, ErrOperatorFaulted)
	}

	var in, out *channel.Channel
	if !op.IsSource() {
		in = g.channelLocked(op.In())
	}
	if !op.IsSink() {
		out = g.channelLocked(op.Out())
	}

	op.BeginStep()
	var input *tensor.Tensor
	if in != nil {
		t, err := in.Peek()
		if err != nil {
			return res, err
		}
		input = t
	}
	output, err := op.Apply(input)
	if err != nil {
		return res, err
	}
	if interrupted {
		res.Discarded = output != nil
		g.discarded.Add(1)
		return res, nil
	}

	if output != nil && out != nil {
		if err := out.TryEnqueue(output); err != nil {
			return res, err
		}
		res.Produced = true
	}
	if in != nil {
		if _, err := in.TryDequeue(); err != nil {
			return res, err
		}
		res.Consumed = true
	}
	op.Commit()
	g.steps.Add(1)
	return res, nil
}
