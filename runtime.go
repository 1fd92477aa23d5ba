package diverge

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/benbjohnson/immutable"
)

// SyncMode selects how the runtime guards its state against concurrent
// instrumentation call-backs. It is fixed at construction time and is part
// of the deployment contract: SyncSingleThread and SyncUnsafe are only
// valid when the caller can vouch for the target's threading behavior.
type SyncMode int

const (
	// SyncLocked takes a mutex on every event. Correct for
	// multi-threaded targets; adds overhead.
	SyncLocked SyncMode = iota

	// SyncSingleThread skips locking but keeps all consistency checks.
	// Valid only for single-threaded targets.
	SyncSingleThread

	// SyncUnsafe skips locking and branch consistency checks for
	// maximum throughput. The caller accepts the risk.
	SyncUnsafe
)

var syncModes = [...]string{
	SyncLocked:       "locked",
	SyncSingleThread: "single",
	SyncUnsafe:       "unsafe",
}

// String returns the string representation of the mode.
func (m SyncMode) String() string {
	if m >= 0 && int(m) < len(syncModes) {
		return syncModes[m]
	}
	return fmt.Sprintf("SyncMode<%d>", int(m))
}

// ParseSyncMode parses a mode name as it appears in configuration.
func ParseSyncMode(s string) (SyncMode, error) {
	for i, name := range syncModes {
		if s == name {
			return SyncMode(i), nil
		}
	}
	return 0, fmt.Errorf("invalid sync mode: %q", s)
}

// SlotID identifies a storage location (local, argument) within the
// current call frame of the target.
type SlotID uint64

// Value is the dual concrete/symbolic content of a storage slot. When Sym
// is nil the value is a plain constant equal to Concrete; all expression
// building treats it as such.
type Value struct {
	Concrete uint64
	Width    uint
	Sym      Expr
}

// NewValue returns a concrete value of the given width.
func NewValue(concrete uint64, width uint) Value {
	return Value{Concrete: concrete & bitmask(width), Width: width}
}

// IsSymbolic returns true if the value carries a symbolic expression.
func (v Value) IsSymbolic() bool { return v.Sym != nil }

// Expr returns the symbolic expression for the value, or a constant
// expression mirroring its concrete content.
func (v Value) Expr() Expr {
	if v.Sym != nil {
		return v.Sym
	}
	return NewConstantExpr(v.Concrete, v.Width)
}

// Bool returns the concrete truth value.
func (v Value) Bool() bool { return v.Concrete != 0 }

// String returns the string representation of the value.
func (v Value) String() string {
	if v.Sym != nil {
		return fmt.Sprintf("(%d/%d %s)", v.Concrete, v.Width, v.Sym)
	}
	return fmt.Sprintf("(%d/%d)", v.Concrete, v.Width)
}

// frame holds the slot bindings of one call into the target.
type frame struct {
	slots map[SlotID]Value
}

func newFrame() *frame {
	return &frame{slots: make(map[SlotID]Value)}
}

// Runtime consumes execution events from an instrumented target and
// maintains the symbolic mirror of its state: slot values, memory cells,
// discovered variables, and the branch trace. One Runtime serves exactly
// one execution; it is not reusable.
type Runtime struct {
	mu   sync.Mutex
	mode SyncMode

	frames []*frame
	mem    *immutable.SortedMap // memory cell address -> Value

	vars  []*VariableExpr
	seeds []uint64 // concrete value of each variable at mark time
	trace *Trace

	err error // first protocol violation, sticky
}

// NewRuntime returns a new instance of Runtime in the given sync mode,
// with a single root frame.
func NewRuntime(mode SyncMode) *Runtime {
	return &Runtime{
		mode:   mode,
		frames: []*frame{newFrame()},
		mem:    immutable.NewSortedMap(&uint64Comparer{}),
		trace:  NewTrace(),
	}
}

// Mode returns the sync mode the runtime was constructed with.
func (r *Runtime) Mode() SyncMode { return r.mode }

// Err returns the first protocol violation encountered, if any.
func (r *Runtime) Err() error { return r.err }

// Variables returns all symbolic variables in discovery order.
func (r *Runtime) Variables() []*VariableExpr { return r.vars }

// Seeds returns the concrete value each variable held when it was
// marked, aligned with Variables.
func (r *Runtime) Seeds() []uint64 { return r.seeds }

// Trace returns the execution's trace.
func (r *Runtime) Trace() *Trace { return r.trace }

func (r *Runtime) lock() {
	if r.mode == SyncLocked {
		r.mu.Lock()
	}
}

func (r *Runtime) unlock() {
	if r.mode == SyncLocked {
		r.mu.Unlock()
	}
}

// fail records a protocol violation, closes the trace at the last
// completed branch record, and returns the error. All later events are
// rejected with the same error.
func (r *Runtime) fail(format string, args ...interface{}) error {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
		r.trace.Finalize()
	}
	return r.err
}

func (r *Runtime) checkOpen() error {
	if r.err != nil {
		return r.err
	}
	if r.trace.Finalized() {
		return ErrTraceFinalized
	}
	return nil
}

func (r *Runtime) currentFrame() *frame {
	return r.frames[len(r.frames)-1]
}

// MarkSymbolic allocates the next symbolic variable and attaches it to
// slot. The slot keeps its current concrete content (zero if the slot was
// never assigned); the variable index is the count of prior marks, which
// is also the variable's byte offset in a flat answer.
func (r *Runtime) MarkSymbolic(slot SlotID, width uint, kind Kind) (*VariableExpr, error) {
	r.lock()
	defer r.unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if width == 0 || width > Width64 {
		return nil, r.fail("mark_symbolic: invalid width %d", width)
	}

	variable := NewVariableExpr(len(r.vars), width, kind)
	f := r.currentFrame()
	concrete := f.slots[slot].Concrete & bitmask(width)
	r.vars = append(r.vars, variable)
	r.seeds = append(r.seeds, concrete)
	f.slots[slot] = Value{Concrete: concrete, Width: width, Sym: variable}
	return variable, nil
}

// Assign replaces the slot's content wholesale.
func (r *Runtime) Assign(slot SlotID, v Value) error {
	r.lock()
	defer r.unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}
	if v.Width == 0 {
		return r.fail("assign: zero width value for slot %d", slot)
	}
	r.currentFrame().slots[slot] = v
	return nil
}

// AssignConst replaces the slot's content with a concrete constant.
func (r *Runtime) AssignConst(slot SlotID, concrete uint64, width uint) error {
	return r.Assign(slot, NewValue(concrete, width))
}

// Load returns the slot's content. Reading a slot that was never assigned
// in the current frame is a protocol violation.
func (r *Runtime) Load(slot SlotID) (Value, error) {
	r.lock()
	defer r.unlock()

	if err := r.checkOpen(); err != nil {
		return Value{}, err
	}
	v, ok := r.currentFrame().slots[slot]
	if !ok {
		return Value{}, r.fail("load: slot %d not bound", slot)
	}
	return v, nil
}

// MemStore writes a value to a memory cell address.
func (r *Runtime) MemStore(addr uint64, v Value) error {
	r.lock()
	defer r.unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}
	if v.Width == 0 {
		return r.fail("mem_store: zero width value at %#x", addr)
	}
	r.mem = r.mem.Set(addr, v)
	return nil
}

// MemLoad reads a memory cell address.
func (r *Runtime) MemLoad(addr uint64) (Value, error) {
	r.lock()
	defer r.unlock()

	if err := r.checkOpen(); err != nil {
		return Value{}, err
	}
	cell, ok := r.mem.Get(addr)
	if !ok {
		return Value{}, r.fail("mem_load: address %#x not bound", addr)
	}
	return cell.(Value), nil
}

// PushFrame enters a call boundary: a fresh slot namespace.
func (r *Runtime) PushFrame() error {
	r.lock()
	defer r.unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}
	r.frames = append(r.frames, newFrame())
	return nil
}

// PopFrame leaves a call boundary, discarding the callee's slots.
func (r *Runtime) PopFrame() error {
	r.lock()
	defer r.unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}
	if len(r.frames) <= 1 {
		return r.fail("pop_frame: no frame to pop")
	}
	r.frames[len(r.frames)-1] = nil
	r.frames = r.frames[:len(r.frames)-1]
	return nil
}

// UnaryOp applies op with exact machine semantics: the concrete result is
// computed at the value's width, and a symbolic node is built only when
// the operand is symbolic.
func (r *Runtime) UnaryOp(op UnaryOp, v Value) (Value, error) {
	r.lock()
	defer r.unlock()

	if err := r.checkOpen(); err != nil {
		return Value{}, err
	}

	c := NewUnaryExpr(op, NewConstantExpr(v.Concrete, v.Width)).(*ConstantExpr)
	out := Value{Concrete: c.Value, Width: c.Width}
	if v.IsSymbolic() {
		out.Sym = NewUnaryExpr(op, v.Sym)
	}
	return out, nil
}

// BinaryOp applies op to lhs & rhs with wraparound semantics at the
// operand width. Comparison operators yield a boolean-width value.
func (r *Runtime) BinaryOp(op BinaryOp, lhs, rhs Value) (Value, error) {
	r.lock()
	defer r.unlock()
	return r.binaryOp(op, lhs, rhs)
}

func (r *Runtime) binaryOp(op BinaryOp, lhs, rhs Value) (Value, error) {
	if err := r.checkOpen(); err != nil {
		return Value{}, err
	}
	if lhs.Width != rhs.Width {
		return Value{}, r.fail("binary_op: width mismatch: op=%s %d != %d", op, lhs.Width, rhs.Width)
	}
	if (op == UDIV || op == SDIV || op == UREM || op == SREM) && rhs.Concrete == 0 {
		return Value{}, r.fail("binary_op: division by zero: op=%s", op)
	}

	c := NewBinaryExpr(op, NewConstantExpr(lhs.Concrete, lhs.Width), NewConstantExpr(rhs.Concrete, rhs.Width)).(*ConstantExpr)
	out := Value{Concrete: c.Value, Width: c.Width}
	if lhs.IsSymbolic() || rhs.IsSymbolic() {
		out.Sym = NewBinaryExpr(op, lhs.Expr(), rhs.Expr())
		if IsConstantExpr(out.Sym) {
			// Folded away; no symbolic content remains.
			out.Sym = nil
		}
	}
	return out, nil
}

// BinaryOpChecked applies the checked variant of op: the wrapped result
// plus a boolean overflow flag, both tracked symbolically when an operand
// is symbolic.
func (r *Runtime) BinaryOpChecked(op BinaryOp, signed bool, lhs, rhs Value) (result Value, overflow Value, err error) {
	r.lock()
	defer r.unlock()

	if result, err = r.binaryOp(op, lhs, rhs); err != nil {
		return Value{}, Value{}, err
	}

	c := NewOverflowExpr(op, signed, NewConstantExpr(lhs.Concrete, lhs.Width), NewConstantExpr(rhs.Concrete, rhs.Width)).(*ConstantExpr)
	overflow = Value{Concrete: c.Value, Width: WidthBool}
	if lhs.IsSymbolic() || rhs.IsSymbolic() {
		overflow.Sym = NewOverflowExpr(op, signed, lhs.Expr(), rhs.Expr())
		if IsConstantExpr(overflow.Sym) {
			overflow.Sym = nil
		}
	}
	return result, overflow, nil
}

// Cast converts v to a new width with explicit truncation/extension
// semantics. The cast survives as a tree node for symbolic values so the
// solver sees the same conversion the machine performed.
func (r *Runtime) Cast(v Value, width uint, signed bool) (Value, error) {
	r.lock()
	defer r.unlock()

	if err := r.checkOpen(); err != nil {
		return Value{}, err
	}
	if width == 0 || width > Width64 {
		return Value{}, r.fail("cast: invalid width %d", width)
	}

	c := NewCastExpr(NewConstantExpr(v.Concrete, v.Width), width, signed).(*ConstantExpr)
	out := Value{Concrete: c.Value, Width: width}
	if v.IsSymbolic() {
		out.Sym = NewCastExpr(v.Sym, width, signed)
	}
	return out, nil
}

// Branch records a branch decision. The condition's concrete truth value
// must match the reported outcome; a mismatch means the event stream does
// not describe the execution that produced it and aborts the trace.
// Fully concrete conditions are recorded for bookkeeping only.
func (r *Runtime) Branch(cond Value, outcome bool, site SiteID) error {
	r.lock()
	defer r.unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}
	if r.mode != SyncUnsafe && cond.Bool() != outcome {
		return r.fail("branch: outcome %v inconsistent with concrete value %d at site %d", outcome, cond.Concrete, site)
	}

	c := BranchConstraint{
		Outcome:  outcome,
		Site:     site,
		Concrete: !cond.IsSymbolic(),
	}
	if cond.IsSymbolic() {
		c.Expr = NewBoolExpr(cond.Sym)
	} else {
		c.Expr = NewBoolConstantExpr(cond.Bool())
	}

	if _, err := r.trace.RecordBranch(c); err != nil {
		return err
	}
	return nil
}

// Assume asserts a constraint without making it a divergence candidate.
// The condition must hold concretely.
func (r *Runtime) Assume(cond Value) error {
	r.lock()
	defer r.unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}
	if r.mode != SyncUnsafe && !cond.Bool() {
		return r.fail("assume: condition false under concrete inputs")
	}

	c := BranchConstraint{
		Outcome:  true,
		Assumed:  true,
		Concrete: !cond.IsSymbolic(),
	}
	if cond.IsSymbolic() {
		c.Expr = NewBoolExpr(cond.Sym)
	} else {
		c.Expr = NewBoolConstantExpr(true)
	}

	if _, err := r.trace.RecordBranch(c); err != nil {
		return err
	}
	return nil
}

// Finalize closes the trace and returns it. Idempotent.
func (r *Runtime) Finalize() *Trace {
	r.lock()
	defer r.unlock()
	r.trace.Finalize()
	return r.trace
}

// Dump returns the contents of the runtime state as a string.
func (r *Runtime) Dump() string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "mode=%s vars=%d\n", r.mode, len(r.vars))
	for i := len(r.frames) - 1; i >= 0; i-- {
		fmt.Fprintf(&buf, "== FRAME #%d\n", i)
		for id, v := range r.frames[i].slots {
			fmt.Fprintf(&buf, "%d: %s\n", id, v)
		}
	}

	fmt.Fprintln(&buf, "== TRACE")
	fmt.Fprint(&buf, r.trace.Dump())
	return buf.String()
}

// uint64Comparer compares two 64-bit unsigned integers. Implements immutable.Comparer.
type uint64Comparer struct{}

// Compare returns -1 if a is less than b, returns 1 if a is greater than b, and
// returns 0 if a is equal to b. Panic if a or b is not a uint64.
func (c *uint64Comparer) Compare(a, b interface{}) int {
	if i, j := a.(uint64), b.(uint64); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}
