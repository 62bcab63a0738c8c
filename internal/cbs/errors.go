package cbs

import (
	"errors"
	"fmt"
)

var (
	// ErrInfeasibleTriple is returned when wcet <= deadline <= period does not hold or wcet is zero.
	ErrInfeasibleTriple = errors.New("infeasible (wcet, period, deadline) triple")
	// ErrUtilizationExceeded is returned when admitting would push total utilization past the bound.
	ErrUtilizationExceeded = errors.New("utilization exceeded")
	ErrBudgetExhausted     = errors.New("budget exhausted")
	ErrServerCancelled     = errors.New("server cancelled")
	ErrUnknownServer       = errors.New("server not admitted in this table")
)

// AdmissionError carries the rejected triple and the table state at the
// time of rejection. It unwraps to ErrInfeasibleTriple or
// ErrUtilizationExceeded.
type AdmissionError struct {
	WCET     uint64
	Period   uint64
	Deadline uint64
	// Requested, Admitted and Bound are utilizations in parts per billion.
	Requested uint64
	Admitted  uint64
	Bound     uint64
	Err       error
}

func (e *AdmissionError) Error() string {
	if errors.Is(e.Err, ErrUtilizationExceeded) {
		return fmt.Sprintf("%v: admitting wcet=%d period=%d (%s) on top of %s exceeds bound %s",
			e.Err, e.WCET, e.Period, FormatPPB(e.Requested), FormatPPB(e.Admitted), FormatPPB(e.Bound))
	}
	return fmt.Sprintf("%v: wcet=%d period=%d deadline=%d", e.Err, e.WCET, e.Period, e.Deadline)
}

func (e *AdmissionError) Unwrap() error { return e.Err }
