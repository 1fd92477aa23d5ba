package diverge

import (
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// TraceArtifact is the cross-process handoff unit: the finalized trace
// of one run plus its variable table and the concrete values the run
// saw. The in-target runtime writes it at exit; the orchestrator reads
// it back to drive divergence queries.
type TraceArtifact struct {
	Trace *Trace
	Vars  []*VariableExpr
	Seeds []uint64
}

// NewTraceArtifact captures a finalized runtime's state for handoff.
func NewTraceArtifact(r *Runtime) *TraceArtifact {
	return &TraceArtifact{
		Trace: r.Finalize(),
		Vars:  r.Variables(),
		Seeds: r.Seeds(),
	}
}

// Node kinds in the flat expression arena.
const (
	wireConstant = uint8(iota + 1)
	wireVariable
	wireBinary
	wireNot
	wireCast
	wireConcat
	wireExtract
)

// wireNode is one arena entry. Children are referenced by arena index
// and always precede their parents, so shared subtrees are stored once
// and decoding is a single forward pass.
type wireNode struct {
	Kind   uint8  `msgpack:"k"`
	Op     uint8  `msgpack:"o,omitempty"`
	A      int32  `msgpack:"a,omitempty"`
	B      int32  `msgpack:"b,omitempty"`
	Value  uint64 `msgpack:"v,omitempty"`
	Width  uint32 `msgpack:"w,omitempty"`
	Offset uint32 `msgpack:"f,omitempty"`
	Signed bool   `msgpack:"s,omitempty"`
	Index  int32  `msgpack:"i,omitempty"`
	VKind  uint8  `msgpack:"t,omitempty"`
}

type wireBranchRec struct {
	Node     int32  `msgpack:"n"`
	Outcome  bool   `msgpack:"o"`
	Site     uint64 `msgpack:"s,omitempty"`
	Concrete bool   `msgpack:"c,omitempty"`
	Assumed  bool   `msgpack:"a,omitempty"`
}

type wireVarRec struct {
	Index int32  `msgpack:"i"`
	Width uint32 `msgpack:"w"`
	Kind  uint8  `msgpack:"k"`
	Seed  uint64 `msgpack:"v"`
}

type wireTrace struct {
	Version  int             `msgpack:"version"`
	Nodes    []wireNode      `msgpack:"nodes"`
	Branches []wireBranchRec `msgpack:"branches"`
	Vars     []wireVarRec    `msgpack:"vars"`
}

const wireVersion = 1

// wireEncoder flattens expression trees into the arena, deduplicating
// shared subtrees by pointer identity.
type wireEncoder struct {
	nodes []wireNode
	memo  map[Expr]int32
}

func newWireEncoder() *wireEncoder {
	return &wireEncoder{memo: make(map[Expr]int32)}
}

func (enc *wireEncoder) encode(expr Expr) int32 {
	if i, ok := enc.memo[expr]; ok {
		return i
	}

	var n wireNode
	switch expr := expr.(type) {
	case *ConstantExpr:
		n = wireNode{Kind: wireConstant, Value: expr.Value, Width: uint32(expr.Width)}
	case *VariableExpr:
		n = wireNode{Kind: wireVariable, Index: int32(expr.Index), Width: uint32(expr.Width), VKind: uint8(expr.Kind)}
	case *BinaryExpr:
		n = wireNode{Kind: wireBinary, Op: uint8(expr.Op), A: enc.encode(expr.LHS), B: enc.encode(expr.RHS)}
	case *NotExpr:
		n = wireNode{Kind: wireNot, A: enc.encode(expr.Expr)}
	case *CastExpr:
		n = wireNode{Kind: wireCast, A: enc.encode(expr.Src), Width: uint32(expr.Width), Signed: expr.Signed}
	case *ConcatExpr:
		n = wireNode{Kind: wireConcat, A: enc.encode(expr.MSB), B: enc.encode(expr.LSB)}
	case *ExtractExpr:
		n = wireNode{Kind: wireExtract, A: enc.encode(expr.Expr), Offset: uint32(expr.Offset), Width: uint32(expr.Width)}
	default:
		assert(false, "wire: unexpected expr type: %T", expr)
	}

	i := int32(len(enc.nodes))
	enc.nodes = append(enc.nodes, n)
	enc.memo[expr] = i
	return i
}

// Marshal serializes the artifact.
func (a *TraceArtifact) Marshal() ([]byte, error) {
	assert(len(a.Vars) == len(a.Seeds), "wire: vars/seeds length mismatch: %d != %d", len(a.Vars), len(a.Seeds))

	enc := newWireEncoder()
	w := wireTrace{Version: wireVersion}

	for _, c := range a.Trace.Constraints() {
		w.Branches = append(w.Branches, wireBranchRec{
			Node:     enc.encode(c.Expr),
			Outcome:  c.Outcome,
			Site:     uint64(c.Site),
			Concrete: c.Concrete,
			Assumed:  c.Assumed,
		})
	}
	for i, v := range a.Vars {
		w.Vars = append(w.Vars, wireVarRec{
			Index: int32(v.Index),
			Width: uint32(v.Width),
			Kind:  uint8(v.Kind),
			Seed:  a.Seeds[i],
		})
	}
	w.Nodes = enc.nodes

	return msgpack.Marshal(&w)
}

// UnmarshalTraceArtifact decodes an artifact written by Marshal. The
// decoded trace is finalized. Variables are rebuilt canonically so the
// same variable index yields the same node everywhere in the trace.
//
// The artifact comes from another process that may have crashed mid-run,
// so any malformed content decodes to an error, never a panic. Node
// fields that violate constructor invariants (mismatched operand widths,
// out-of-range extracts, zero-width nodes) are caught here.
func UnmarshalTraceArtifact(buf []byte) (a *TraceArtifact, err error) {
	defer func() {
		if e := recover(); e != nil {
			a, err = nil, fmt.Errorf("trace artifact: malformed node: %v", e)
		}
	}()

	var w wireTrace
	if err := msgpack.Unmarshal(buf, &w); err != nil {
		return nil, fmt.Errorf("trace artifact: %w", err)
	}
	if w.Version != wireVersion {
		return nil, fmt.Errorf("trace artifact: unsupported version %d", w.Version)
	}

	vars := make(map[int32]*VariableExpr)

	exprs := make([]Expr, len(w.Nodes))
	for i, n := range w.Nodes {
		child := func(j int32) (Expr, error) {
			if j < 0 || int(j) >= i {
				return nil, fmt.Errorf("trace artifact: node %d references %d", i, j)
			}
			return exprs[j], nil
		}

		var expr Expr
		switch n.Kind {
		case wireConstant:
			expr = NewConstantExpr(n.Value, uint(n.Width))
		case wireVariable:
			v, ok := vars[n.Index]
			if !ok {
				v = NewVariableExpr(int(n.Index), uint(n.Width), Kind(n.VKind))
				vars[n.Index] = v
			}
			expr = v
		case wireBinary:
			lhs, err := child(n.A)
			if err != nil {
				return nil, err
			}
			rhs, err := child(n.B)
			if err != nil {
				return nil, err
			}
			expr = NewBinaryExpr(BinaryOp(n.Op), lhs, rhs)
		case wireNot:
			e, err := child(n.A)
			if err != nil {
				return nil, err
			}
			expr = NewNotExpr(e)
		case wireCast:
			src, err := child(n.A)
			if err != nil {
				return nil, err
			}
			expr = NewCastExpr(src, uint(n.Width), n.Signed)
		case wireConcat:
			msb, err := child(n.A)
			if err != nil {
				return nil, err
			}
			lsb, err := child(n.B)
			if err != nil {
				return nil, err
			}
			expr = NewConcatExpr(msb, lsb)
		case wireExtract:
			e, err := child(n.A)
			if err != nil {
				return nil, err
			}
			expr = NewExtractExpr(e, uint(n.Offset), uint(n.Width))
		default:
			return nil, fmt.Errorf("trace artifact: unknown node kind %d", n.Kind)
		}
		exprs[i] = expr
	}

	a = &TraceArtifact{Trace: NewTrace()}
	for _, b := range w.Branches {
		if b.Node < 0 || int(b.Node) >= len(exprs) {
			return nil, fmt.Errorf("trace artifact: branch references node %d", b.Node)
		}
		if _, err := a.Trace.RecordBranch(BranchConstraint{
			Expr:     exprs[b.Node],
			Outcome:  b.Outcome,
			Site:     SiteID(b.Site),
			Concrete: b.Concrete,
			Assumed:  b.Assumed,
		}); err != nil {
			return nil, err
		}
	}
	a.Trace.Finalize()

	for _, vr := range w.Vars {
		v, ok := vars[vr.Index]
		if !ok {
			v = NewVariableExpr(int(vr.Index), uint(vr.Width), Kind(vr.Kind))
		}
		a.Vars = append(a.Vars, v)
		a.Seeds = append(a.Seeds, vr.Seed)
	}
	return a, nil
}

// WriteTraceFile writes the artifact to path, atomically via a temp
// file rename so a reader never sees a partial artifact.
func (a *TraceArtifact) WriteTraceFile(path string) error {
	buf, err := a.Marshal()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0666); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadTraceFile reads an artifact written by WriteTraceFile.
func ReadTraceFile(path string) (*TraceArtifact, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalTraceArtifact(buf)
}
