// Package boterr defines the typed error kinds shared across the pipeline:
// every component reports failures as a *boterr.Error so the
// Coordinator can recover locally and attribute the failure to a pool's
// health counter, instead of propagating a bare error up the call stack.
package boterr

import (
	"errors"
	"fmt"
)

// Kind enumerates the pipeline's recoverable failure modes. Unprofitable is
// a normal outcome, not an error condition, but it shares this type so
// callers that already switch on Kind have one place to handle it.
type Kind int

const (
	InvalidAddress Kind = iota
	PoolUnavailable
	TickRangeDegenerate
	SwapTooSmall
	ImpactExceedsRange
	NoViableFlashProvider
	GasPriceExceedsCap
	RelayRejected
	SimulationTimeout
	Unprofitable
)

func (k Kind) String() string {
	switch k {
	case InvalidAddress:
		return "InvalidAddress"
	case PoolUnavailable:
		return "PoolUnavailable"
	case TickRangeDegenerate:
		return "TickRangeDegenerate"
	case SwapTooSmall:
		return "SwapTooSmall"
	case ImpactExceedsRange:
		return "ImpactExceedsRange"
	case NoViableFlashProvider:
		return "NoViableFlashProvider"
	case GasPriceExceedsCap:
		return "GasPriceExceedsCap"
	case RelayRejected:
		return "RelayRejected"
	case SimulationTimeout:
		return "SimulationTimeout"
	case Unprofitable:
		return "Unprofitable"
	default:
		return "Unknown"
	}
}

// Error is the pipeline's typed error value: a Kind, the pool it occurred
// against (empty if not pool-scoped), and the underlying cause.
type Error struct {
	Kind  Kind
	Pool  string
	Cause error
}

func (e *Error) Error() string {
	if e.Pool == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Pool, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a pool-scoped *Error.
func New(kind Kind, pool string, cause error) *Error {
	return &Error{Kind: kind, Pool: pool, Cause: cause}
}

// Is reports whether err is a *Error of the given kind, via errors.Is.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, reporting
// ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind, true
	}
	return 0, false
}
