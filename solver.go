package diverge

import (
	"context"
	"fmt"
)

// Solver answers satisfiability queries over bitvector constraint sets.
// Implementations must bound every query with a timeout; an expression
// set that cannot be decided in time returns ErrSolverTimeout rather
// than blocking the search.
type Solver interface {
	// Solve reports whether the conjunction of constraints is
	// satisfiable and, if so, returns model values keyed by variable
	// index. Variables the model leaves unconstrained may be absent.
	Solve(ctx context.Context, constraints []Expr, vars []*VariableExpr) (sat bool, values map[int]uint64, err error)
}

// Feasibility is the outcome of a divergence attempt.
type Feasibility int

const (
	// Feasible means the solver produced a model for the flipped branch.
	Feasible Feasibility = iota + 1

	// Infeasible means the flipped branch is unreachable along the
	// queried path prefix. Recorded permanently in the visited set.
	Infeasible

	// Unknown means the solver could not decide in time. The pair stays
	// unresolved and may be retried along another path.
	Unknown

	// Pruned means no query was issued: the target is concrete, assumed,
	// or its flipped polarity is already resolved.
	Pruned
)

// String returns the string representation of the feasibility.
func (f Feasibility) String() string {
	switch f {
	case Feasible:
		return "feasible"
	case Infeasible:
		return "infeasible"
	case Unknown:
		return "unknown"
	case Pruned:
		return "pruned"
	default:
		return fmt.Sprintf("Feasibility<%d>", int(f))
	}
}

// DivergeRequest describes one attempt to flip a recorded branch. Vars
// and Seed are the full variable list of the originating run in
// discovery order with the concrete values it ran under; variables the
// solver leaves unconstrained keep their seed values in the answer.
type DivergeRequest struct {
	Vars   []*VariableExpr
	Seed   []uint64
	Prefix []BranchConstraint
	Target BranchConstraint
}

// Diverger issues divergence queries against a solver, filtered through
// the visited set's novelty check.
type Diverger struct {
	solver  Solver
	visited *VisitedSet
}

// NewDiverger returns a new instance of Diverger.
func NewDiverger(solver Solver, visited *VisitedSet) *Diverger {
	assert(solver != nil, "diverger: nil solver")
	assert(visited != nil, "diverger: nil visited set")
	return &Diverger{solver: solver, visited: visited}
}

// TryDiverge asks whether the target branch can go the other way while
// the path prefix before it is held fixed. Concrete and assumed targets
// are pruned without a query, as are targets whose flipped site/polarity
// pair is already taken or proven infeasible.
//
// On Feasible the returned answer holds one value per request variable.
// On Unknown the returned error describes the solver failure; the pair
// stays unresolved.
func (d *Diverger) TryDiverge(ctx context.Context, req DivergeRequest) (Feasibility, *Answer, error) {
	assert(len(req.Vars) == len(req.Seed), "diverge: vars/seed length mismatch: %d != %d", len(req.Vars), len(req.Seed))

	if !req.Target.Symbolic() {
		return Pruned, nil, nil
	}

	flipped := SitePolarity{Site: req.Target.Site, Outcome: !req.Target.Outcome}
	if !d.visited.Novel(flipped) {
		return Pruned, nil, nil
	}

	// Concrete prefix entries are tautologies under any input and are
	// dropped from the query. Assumptions are asserted as recorded.
	constraints := make([]Expr, 0, len(req.Prefix)+1)
	for _, c := range req.Prefix {
		if c.Concrete {
			continue
		}
		constraints = append(constraints, c.ConstraintExpr())
	}
	constraints = append(constraints, req.Target.NegatedExpr())

	sat, values, err := d.solver.Solve(ctx, constraints, req.Vars)
	if err != nil {
		return Unknown, nil, fmt.Errorf("diverge site=%d: %w", req.Target.Site, err)
	}
	if !sat {
		d.visited.Resolve(flipped, StatusInfeasible)
		return Infeasible, nil, nil
	}

	// The solved input is scheduled to take the flipped pair, so it is
	// resolved now. This bounds the search to one query per pair.
	d.visited.Resolve(flipped, StatusTaken)

	// Variables absent from the model keep the values the seeding run
	// saw; only solved variables change.
	answer := &Answer{Vars: req.Vars, Values: make([]uint64, len(req.Vars))}
	copy(answer.Values, req.Seed)
	for i, v := range req.Vars {
		if value, ok := values[v.Index]; ok {
			answer.Values[i] = value & bitmask(v.Width)
		}
	}
	return Feasible, answer, nil
}
