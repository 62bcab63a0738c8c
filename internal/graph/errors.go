package graph

import (
	"errors"
	"fmt"

	"github.com/vk/detgraph/internal/channel"
	"github.com/vk/detgraph/internal/operator"
	"github.com/vk/detgraph/internal/tensor"
	"github.com/vk/detgraph/internal/topology"
)

var (
	ErrDuplicateOperator = errors.New("duplicate operator")
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrUnknownOperator   = errors.New("unknown operator")
	ErrGraphFull         = errors.New("graph operator capacity reached")
	ErrGraphStarted      = errors.New("graph already started")
	ErrGraphDestroyed    = errors.New("graph destroyed")
	ErrBadSize           = errors.New("operator count must be 1..65535")
	ErrOperatorFaulted   = errors.New("operator faulted")

	// Re-exported so callers can match topology failures from one package.
	ErrEndpointInUse  = channel.ErrEndpointInUse
	ErrCycle          = topology.ErrCycle
	ErrSchemaMismatch = tensor.ErrSchemaMismatch
	ErrInvalidSpec    = operator.ErrInvalidSpec
)

// TopologyError reports a rejected structural change. It unwraps to one of
// the sentinels above.
type TopologyError struct {
	Op       string
	Operator int
	Channel  int
	Err      error
}

func (e *TopologyError) Error() string {
	switch {
	case e.Channel != operator.None && e.Operator != operator.None:
		return fmt.Sprintf("%s: operator %d, channel %d: %v", e.Op, e.Operator, e.Channel, e.Err)
	case e.Channel != operator.None:
		return fmt.Sprintf("%s: channel %d: %v", e.Op, e.Channel, e.Err)
	case e.Operator != operator.None:
		return fmt.Sprintf("%s: operator %d: %v", e.Op, e.Operator, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TopologyError) Unwrap() error { return e.Err }

func topoErr(op string, opID, chID int, err error) error {
	return &TopologyError{Op: op, Operator: opID, Channel: chID, Err: err}
}
