package diverge

import (
	"bytes"
	"fmt"
)

// SiteID identifies a branch site in the target program. Values are
// assigned by the instrumentation front-end and are stable across runs of
// the same build.
type SiteID uint64

// BranchConstraint records one branch decision of an execution: the
// condition expression and the direction the concrete execution took.
// The expression, evaluated under the execution's own concrete inputs,
// always equals Outcome; Runtime.Branch enforces this on entry.
type BranchConstraint struct {
	Expr    Expr
	Outcome bool
	Site    SiteID

	// Concrete is set when the condition had no symbolic component.
	// The constraint is kept for bookkeeping but is never a divergence
	// candidate: there is no variable to solve for.
	Concrete bool

	// Assumed is set for assume() events. Assumptions constrain
	// feasibility of everything after them but are never negated.
	Assumed bool
}

// String returns the string representation of the constraint.
func (c BranchConstraint) String() string {
	return fmt.Sprintf("(branch site=%d outcome=%v %s)", c.Site, c.Outcome, c.Expr)
}

// Symbolic returns true if the constraint can be a divergence target.
func (c BranchConstraint) Symbolic() bool {
	return !c.Concrete && !c.Assumed
}

// ConstraintExpr returns the boolean expression asserting that the branch
// went the way it did: the condition itself for a taken outcome, its
// negation otherwise.
func (c BranchConstraint) ConstraintExpr() Expr {
	if c.Outcome {
		return c.Expr
	}
	return NewIsZeroExpr(c.Expr)
}

// NegatedExpr returns the boolean expression asserting the opposite outcome.
func (c BranchConstraint) NegatedExpr() Expr {
	if c.Outcome {
		return NewIsZeroExpr(c.Expr)
	}
	return c.Expr
}

// Trace is the ordered record of branch constraints for one execution.
// It is append-only while the execution runs and immutable after
// Finalize(). A trace is owned by a single execution's runtime; it is
// never shared across runs.
type Trace struct {
	constraints []BranchConstraint
	finalized   bool
}

// NewTrace returns a new empty Trace.
func NewTrace() *Trace {
	return &Trace{}
}

// Len returns the number of recorded constraints.
func (t *Trace) Len() int { return len(t.constraints) }

// Finalized returns true once the trace has been closed.
func (t *Trace) Finalized() bool { return t.finalized }

// RecordBranch appends a constraint and returns the path condition so far,
// including the new constraint. The returned slice aliases the trace and
// must not be modified.
func (t *Trace) RecordBranch(c BranchConstraint) ([]BranchConstraint, error) {
	if t.finalized {
		return nil, ErrTraceFinalized
	}
	t.constraints = append(t.constraints, c)
	return t.constraints, nil
}

// Finalize closes the trace at process exit or crash. A finalized trace
// rejects further records but remains valid for feasibility queries:
// every fully recorded branch before the cut-off point is usable.
func (t *Trace) Finalize() {
	t.finalized = true
}

// Constraints returns the recorded constraints in temporal order.
// The returned slice aliases the trace and must not be modified.
func (t *Trace) Constraints() []BranchConstraint {
	return t.constraints
}

// Prefix returns the constraints strictly before index i.
func (t *Trace) Prefix(i int) []BranchConstraint {
	assert(i >= 0 && i <= len(t.constraints), "prefix out of bounds: %d", i)
	return t.constraints[:i]
}

// Dump returns the contents of the trace as a string.
func (t *Trace) Dump() string {
	var buf bytes.Buffer
	for i, c := range t.constraints {
		fmt.Fprintf(&buf, "%d. %s\n", i, c.String())
	}
	return buf.String()
}
