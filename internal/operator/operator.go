// Package operator defines the schedulable unit of the dataflow graph.
package operator

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// None marks an absent input or output channel.
const None = -1

// MaxPriority is the largest accepted static priority value.
const MaxPriority = 255

var ErrInvalidSpec = errors.New("invalid operator spec")

// State is the execution state of an operator, managed atomically so that
// snapshot readers can load it without taking the scheduler lock.
type State int32

const (
	Idle State = iota
	Ready
	Running
	Blocked
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Stage is the pipeline stage tag carried for diagnostics.
type Stage uint8

const (
	StageAcquire Stage = iota
	StageClean
	StageExplore
	StageModel
	StageExplain
)

var stageNames = []string{"acquire", "clean", "explore", "model", "explain"}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// ParseStage maps a stage name to its value.
func ParseStage(s string) (Stage, error) {
	for i, n := range stageNames {
		if strings.EqualFold(s, n) {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown stage %q (use %s)", ErrInvalidSpec, s, strings.Join(stageNames, "|"))
}

// Spec is the declarative description used to create an operator.
type Spec struct {
	ID       int
	In       int
	Out      int
	Priority int
	// WCETEstimate is the declared per-step demand in cycles; 0 if unknown.
	WCETEstimate uint64
	Kind         Kind
	Stage        Stage
	InSchema     uint32
	OutSchema    uint32
}

// Validate checks s in isolation and resolves KindAuto.
func (s *Spec) Validate() error {
	if s.ID < 0 {
		return fmt.Errorf("%w: negative id %d", ErrInvalidSpec, s.ID)
	}
	if s.Priority < 0 || s.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d out of range 0..%d", ErrInvalidSpec, s.Priority, MaxPriority)
	}
	if s.In < None || s.Out < None {
		return fmt.Errorf("%w: channel ids must be >= 0 or none", ErrInvalidSpec)
	}
	if s.In != None && s.In == s.Out {
		return fmt.Errorf("%w: operator %d reads and writes channel %d", ErrInvalidSpec, s.ID, s.In)
	}
	if s.Kind == KindAuto {
		s.Kind = kindFor(s.In, s.Out)
	}
	switch s.Kind {
	case KindSource:
		if s.In != None {
			return fmt.Errorf("%w: source operator %d cannot have an input channel", ErrInvalidSpec, s.ID)
		}
	case KindSink:
		if s.Out != None {
			return fmt.Errorf("%w: sink operator %d cannot have an output channel", ErrInvalidSpec, s.ID)
		}
	case KindPassThrough, KindTransform:
		if s.In == None {
			return fmt.Errorf("%w: %s operator %d needs an input channel", ErrInvalidSpec, s.Kind, s.ID)
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidSpec, s.Kind)
	}
	return nil
}

// Operator is a single vertex of the dataflow graph.
type Operator struct {
	spec Spec

	state atomic.Int32
	// produced numbers the tensors a source has published; it is the lineage
	// of the next one.
	produced atomic.Uint64
	// invocations counts completed or interrupted steps.
	invocations atomic.Uint64
}

// New validates spec and returns an Idle operator.
func New(spec Spec) (*Operator, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Operator{spec: spec}, nil
}

func (o *Operator) ID() int              { return o.spec.ID }
func (o *Operator) In() int              { return o.spec.In }
func (o *Operator) Out() int             { return o.spec.Out }
func (o *Operator) Priority() int        { return o.spec.Priority }
func (o *Operator) WCETEstimate() uint64 { return o.spec.WCETEstimate }
func (o *Operator) Kind() Kind           { return o.spec.Kind }
func (o *Operator) Stage() Stage         { return o.spec.Stage }
func (o *Operator) Spec() Spec           { return o.spec }

// IsSource reports whether the operator has no input channel.
func (o *Operator) IsSource() bool { return o.spec.In == None }

// IsSink reports whether the operator has no output channel.
func (o *Operator) IsSink() bool { return o.spec.Out == None }

func (o *Operator) State() State     { return State(o.state.Load()) }
func (o *Operator) SetState(s State) { o.state.Store(int32(s)) }

// Invocations returns how many steps have been attempted.
func (o *Operator) Invocations() uint64 { return o.invocations.Load() }

// BeginStep counts a step attempt and returns its zero-based invocation number.
func (o *Operator) BeginStep() uint64 { return o.invocations.Add(1) - 1 }

// Produced returns the number of tensors a source has published.
func (o *Operator) Produced() uint64 { return o.produced.Load() }

// Reset returns the operator to Idle and clears its counters.
func (o *Operator) Reset() {
	o.SetState(Idle)
	o.produced.Store(0)
	o.invocations.Store(0)
}
