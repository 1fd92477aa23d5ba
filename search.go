package diverge

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunOutcome classifies how one execution of the target ended. A crash
// or timeout of the target is an ordinary data point for the search,
// never an orchestrator failure.
type RunOutcome int

const (
	RunCompleted RunOutcome = iota + 1
	RunCrashed
	RunTimedOut
)

// String returns the string representation of the outcome.
func (o RunOutcome) String() string {
	switch o {
	case RunCompleted:
		return "completed"
	case RunCrashed:
		return "crashed"
	case RunTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("RunOutcome<%d>", int(o))
	}
}

// RunResult is the harvest of one execution: its outcome and the trace
// artifact, which may cover only a prefix of the run for crashed or
// timed-out executions.
type RunResult struct {
	Outcome  RunOutcome
	Artifact *TraceArtifact
}

// Target executes the instrumented program under one concrete input and
// returns its trace. Implementations must honor ctx cancellation and
// must not return an error for target-side crashes or timeouts.
type Target interface {
	Run(ctx context.Context, input []byte) (*RunResult, error)
}

// FuncTarget runs an in-process Go function against a fresh runtime per
// run. Panics in the function are reported as crashes with the trace
// collected so far. Used by tests and embedded harnesses.
type FuncTarget struct {
	Mode SyncMode
	Fn   func(r *Runtime, input []byte)
}

// Run implements Target.
func (t *FuncTarget) Run(ctx context.Context, input []byte) (*RunResult, error) {
	r := NewRuntime(t.Mode)

	done := make(chan RunOutcome, 1)
	go func() {
		defer func() {
			if e := recover(); e != nil {
				done <- RunCrashed
			}
		}()
		t.Fn(r, input)
		done <- RunCompleted
	}()

	select {
	case outcome := <-done:
		return &RunResult{Outcome: outcome, Artifact: NewTraceArtifact(r)}, nil
	case <-ctx.Done():
		// The goroutine may still be running; the artifact covers the
		// branches completed before the cutoff. Requires SyncLocked for
		// multi-threaded functions.
		return &RunResult{Outcome: RunTimedOut, Artifact: NewTraceArtifact(r)}, nil
	}
}

// ProcessTarget runs the instrumented program as a subprocess. The input
// is passed both on stdin and as a file named by the DIVERGE_INPUT
// environment variable; the target's runtime writes its trace artifact
// to the path named by DIVERGE_TRACE.
type ProcessTarget struct {
	Program string
	Dir     string // scratch directory for input/trace files

	mu  sync.Mutex
	seq int
}

// Run implements Target.
func (t *ProcessTarget) Run(ctx context.Context, input []byte) (*RunResult, error) {
	t.mu.Lock()
	t.seq++
	seq := t.seq
	t.mu.Unlock()

	inputPath := filepath.Join(t.Dir, fmt.Sprintf("input-%06d.bin", seq))
	tracePath := filepath.Join(t.Dir, fmt.Sprintf("trace-%06d.bin", seq))

	if err := os.WriteFile(inputPath, input, 0666); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, t.Program)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(),
		"DIVERGE_INPUT="+inputPath,
		"DIVERGE_TRACE="+tracePath,
	)

	runErr := cmd.Run()

	outcome := RunCompleted
	switch {
	case ctx.Err() != nil:
		outcome = RunTimedOut
	case runErr != nil:
		if _, ok := runErr.(*exec.ExitError); ok {
			outcome = RunCrashed
		} else {
			return nil, runErr
		}
	}

	artifact, err := ReadTraceFile(tracePath)
	if os.IsNotExist(err) {
		// The target died before writing its artifact. Nothing to
		// diverge from, but the run still consumed budget.
		artifact = &TraceArtifact{Trace: NewTrace()}
		artifact.Trace.Finalize()
	} else if err != nil {
		return nil, err
	}
	return &RunResult{Outcome: outcome, Artifact: artifact}, nil
}

// WorkItem is one scheduled execution: the concrete input to run, the
// branch flip that produced it, and its distance from the seed.
type WorkItem struct {
	Input   []byte
	Site    SiteID
	Outcome bool
	Depth   int
}

// Strategy orders the pending work items. The search owns the strategy;
// implementations need no locking.
type Strategy interface {
	Push(item WorkItem)
	Pop() (WorkItem, bool)
	Len() int
}

// FIFOStrategy explores items in generation order. Breadth-first over
// the divergence tree; deterministic given a deterministic target.
type FIFOStrategy struct {
	items []WorkItem
}

// NewFIFOStrategy returns an empty FIFO strategy.
func NewFIFOStrategy() *FIFOStrategy {
	return &FIFOStrategy{}
}

// Push implements Strategy.
func (s *FIFOStrategy) Push(item WorkItem) {
	s.items = append(s.items, item)
}

// Pop implements Strategy.
func (s *FIFOStrategy) Pop() (WorkItem, bool) {
	if len(s.items) == 0 {
		return WorkItem{}, false
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item, true
}

// Len implements Strategy.
func (s *FIFOStrategy) Len() int {
	return len(s.items)
}

// SearchState is the observable phase of the search loop.
type SearchState int

const (
	StateIdle SearchState = iota
	StateSelecting
	StateExecuting
	StateCollecting
	StateUpdating
	StateDone
)

var searchStates = [...]string{
	StateIdle:       "idle",
	StateSelecting:  "selecting",
	StateExecuting:  "executing",
	StateCollecting: "collecting",
	StateUpdating:   "updating",
	StateDone:       "done",
}

// String returns the string representation of the state.
func (s SearchState) String() string {
	if s >= 0 && int(s) < len(searchStates) {
		return searchStates[s]
	}
	return fmt.Sprintf("SearchState<%d>", int(s))
}

// SearchStats counts what a search did.
type SearchStats struct {
	Runs       int
	Crashes    int
	Timeouts   int
	Answers    int
	Feasible   int
	Infeasible int
	Unknown    int
	Pruned     int
}

// String returns the summary line for the stats.
func (s SearchStats) String() string {
	return fmt.Sprintf("runs=%d answers=%d crashes=%d timeouts=%d infeasible=%d unknown=%d pruned=%d",
		s.Runs, s.Answers, s.Crashes, s.Timeouts, s.Infeasible, s.Unknown, s.Pruned)
}

// Search drives the directed loop: run the target, collect its trace,
// try to flip each novel branch, schedule the solved inputs, repeat
// until the budget runs out or no work remains.
type Search struct {
	target   Target
	diverger *Diverger
	visited  *VisitedSet
	writer   *AnswerWriter
	strategy Strategy

	budget     int
	runTimeout time.Duration
	workers    int

	state SearchState
	stats SearchStats
}

// SearchOptions configures a search. Budget and RunTimeout are
// mandatory; the loop refuses to start unbounded.
type SearchOptions struct {
	Target     Target
	Diverger   *Diverger
	Visited    *VisitedSet
	Writer     *AnswerWriter
	Strategy   Strategy // nil means FIFO
	Budget     int
	RunTimeout time.Duration
	Workers    int // <=1 means sequential
}

// NewSearch returns a new instance of Search.
func NewSearch(opt SearchOptions) (*Search, error) {
	if opt.Target == nil {
		return nil, fmt.Errorf("search: target required")
	}
	if opt.Diverger == nil {
		return nil, fmt.Errorf("search: diverger required")
	}
	if opt.Visited == nil {
		return nil, fmt.Errorf("search: visited set required")
	}
	if opt.Writer == nil {
		return nil, fmt.Errorf("search: answer writer required")
	}
	if opt.Budget <= 0 {
		return nil, fmt.Errorf("search: budget must be positive")
	}
	if opt.RunTimeout <= 0 {
		return nil, fmt.Errorf("search: run timeout must be positive")
	}

	s := &Search{
		target:     opt.Target,
		diverger:   opt.Diverger,
		visited:    opt.Visited,
		writer:     opt.Writer,
		strategy:   opt.Strategy,
		budget:     opt.Budget,
		runTimeout: opt.RunTimeout,
		workers:    opt.Workers,
	}
	if s.strategy == nil {
		s.strategy = NewFIFOStrategy()
	}
	if s.workers < 1 {
		s.workers = 1
	}
	return s, nil
}

// State returns the loop's current phase.
func (s *Search) State() SearchState { return s.state }

// Stats returns the counters accumulated so far.
func (s *Search) Stats() SearchStats { return s.stats }

// Run executes the directed search from the seed input and returns the
// final stats. The loop terminates when the run budget is exhausted,
// the work list drains, or ctx is canceled.
func (s *Search) Run(ctx context.Context, seed []byte) (SearchStats, error) {
	s.strategy.Push(WorkItem{Input: seed})

	for {
		s.state = StateSelecting
		if s.stats.Runs >= s.budget || s.strategy.Len() == 0 || ctx.Err() != nil {
			break
		}

		batch := make([]WorkItem, 0, s.workers)
		for len(batch) < s.workers && s.stats.Runs+len(batch) < s.budget {
			item, ok := s.strategy.Pop()
			if !ok {
				break
			}
			batch = append(batch, item)
		}

		s.state = StateExecuting
		results, err := s.execute(ctx, batch)
		if err != nil {
			s.state = StateDone
			return s.stats, err
		}

		// Collection and visited-set updates run on the coordinating
		// goroutine only; workers never touch shared search state.
		// Classes merge before divergence attempts so a guard duplicated
		// across sites is only queried once.
		for i, res := range results {
			if res == nil {
				continue
			}
			s.state = StateUpdating
			s.update(res.Artifact)
			s.state = StateCollecting
			if err := s.collect(ctx, batch[i], res); err != nil {
				s.state = StateDone
				return s.stats, err
			}
		}
	}

	s.state = StateDone
	return s.stats, nil
}

// execute runs a batch of work items, in parallel when the search has
// more than one worker. Results align with items; a canceled run leaves
// a nil entry.
func (s *Search) execute(ctx context.Context, items []WorkItem) ([]*RunResult, error) {
	results := make([]*RunResult, len(items))

	runOne := func(ctx context.Context, item WorkItem) (*RunResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
		return s.target.Run(runCtx, item.Input)
	}

	if s.workers == 1 || len(items) == 1 {
		for i, item := range items {
			res, err := runOne(ctx, item)
			if err != nil {
				return nil, err
			}
			results[i] = res
			s.noteRun(res)
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			res, err := runOne(gctx, item)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, res := range results {
		if res != nil {
			s.noteRun(res)
		}
	}
	return results, nil
}

func (s *Search) noteRun(res *RunResult) {
	s.stats.Runs++
	switch res.Outcome {
	case RunCrashed:
		s.stats.Crashes++
	case RunTimedOut:
		s.stats.Timeouts++
	}
}

// collect marks the branches the run actually took and tries to flip
// each one that is still novel, scheduling every feasible answer.
func (s *Search) collect(ctx context.Context, item WorkItem, res *RunResult) error {
	a := res.Artifact
	constraints := a.Trace.Constraints()

	for _, c := range constraints {
		if c.Symbolic() {
			s.visited.Resolve(SitePolarity{Site: c.Site, Outcome: c.Outcome}, StatusTaken)
		}
	}

	for i, c := range constraints {
		feas, answer, err := s.diverger.TryDiverge(ctx, DivergeRequest{
			Vars:   a.Vars,
			Seed:   a.Seeds,
			Prefix: a.Trace.Prefix(i),
			Target: c,
		})
		switch feas {
		case Feasible:
			s.stats.Feasible++
			input, werr := answer.Encode(s.writer.format)
			if werr != nil {
				return werr
			}
			if _, werr := s.writer.Write(answer); werr != nil {
				return werr
			}
			s.stats.Answers++
			s.strategy.Push(WorkItem{
				Input:   input,
				Site:    c.Site,
				Outcome: !c.Outcome,
				Depth:   item.Depth + 1,
			})
		case Infeasible:
			s.stats.Infeasible++
		case Unknown:
			s.stats.Unknown++
			if ctx.Err() != nil {
				return err
			}
		case Pruned:
			s.stats.Pruned++
		}
	}
	return nil
}

// update merges branch sites that this trace shows to be equivalent:
// consecutive symbolic branches guarded by the same expression with the
// same outcome are one decision duplicated by the front-end, so their
// sites collapse into one visited-set class.
func (s *Search) update(a *TraceArtifact) {
	constraints := a.Trace.Constraints()
	var prev *BranchConstraint
	for i := range constraints {
		c := &constraints[i]
		if !c.Symbolic() {
			prev = nil
			continue
		}
		if prev != nil && prev.Outcome == c.Outcome && prev.Site != c.Site &&
			CompareExpr(prev.Expr, c.Expr) == 0 {
			s.visited.Union(prev.Site, c.Site)
		}
		prev = c
	}
}
