// Package diverge implements a concolic execution runtime and the
// orchestration loop that drives a target program toward unexplored
// branches. An instrumented target reports its operations as events; the
// runtime mirrors them as symbolic expressions, tracks the path condition,
// and asks a constraint solver for inputs that flip individual branches.
package diverge

import (
	"errors"
	"fmt"
)

// Standard widths.
const (
	WidthBool = 1
	Width8    = 8
	Width16   = 16
	Width32   = 32
	Width64   = 64
)

var (
	ErrSolverTimeout       = errors.New("solver timeout")
	ErrSolverCanceled      = errors.New("solver canceled")
	ErrSolverResourceLimit = errors.New("solver resource limit")
	ErrSolverUnknown       = errors.New("solver unknown error")

	// ErrProtocolViolation marks a malformed or out-of-order event stream.
	// It is fatal to the owning execution; the trace up to the last
	// completed branch record remains valid.
	ErrProtocolViolation = errors.New("event protocol violation")

	// ErrTraceFinalized is returned when an event arrives after the
	// execution's trace has been closed.
	ErrTraceFinalized = errors.New("trace finalized")
)

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}
