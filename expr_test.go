package diverge_test

import (
	"testing"

	"github.com/divergelabs/diverge"
	"github.com/google/go-cmp/cmp"
)

func TestExprWidth(t *testing.T) {
	t.Run("ConstantExpr", func(t *testing.T) {
		if w := diverge.ExprWidth(diverge.NewConstantExpr(0, 8)); w != 8 {
			t.Fatalf("unexpected width: %d", w)
		}
	})
	t.Run("VariableExpr", func(t *testing.T) {
		if w := diverge.ExprWidth(diverge.NewVariableExpr(0, 32, diverge.KindInt)); w != 32 {
			t.Fatalf("unexpected width: %d", w)
		}
	})
	t.Run("ConcatExpr", func(t *testing.T) {
		if w := diverge.ExprWidth(&diverge.ConcatExpr{
			MSB: diverge.NewConstantExpr(0, 8),
			LSB: diverge.NewConstantExpr(0, 16),
		}); w != 24 {
			t.Fatalf("unexpected width: %d", w)
		}
	})
	t.Run("ExtractExpr", func(t *testing.T) {
		if w := diverge.ExprWidth(&diverge.ExtractExpr{
			Expr:   diverge.NewConstantExpr(0, 32),
			Offset: 8,
			Width:  16,
		}); w != 16 {
			t.Fatalf("unexpected width: %d", w)
		}
	})
	t.Run("CastExpr", func(t *testing.T) {
		if w := diverge.ExprWidth(&diverge.CastExpr{Src: diverge.NewConstantExpr(0, 8), Width: 16}); w != 16 {
			t.Fatalf("unexpected width: %d", w)
		}
	})
	t.Run("BinaryExpr", func(t *testing.T) {
		t.Run("Compare", func(t *testing.T) {
			if w := diverge.ExprWidth(&diverge.BinaryExpr{
				Op:  diverge.EQ,
				LHS: diverge.NewConstantExpr(0, 8),
				RHS: diverge.NewConstantExpr(0, 8),
			}); w != 1 {
				t.Fatalf("unexpected width: %d", w)
			}
		})
		t.Run("Arithmetic", func(t *testing.T) {
			if w := diverge.ExprWidth(&diverge.BinaryExpr{
				Op:  diverge.ADD,
				LHS: diverge.NewConstantExpr(0, 8),
				RHS: diverge.NewConstantExpr(0, 8),
			}); w != 8 {
				t.Fatalf("unexpected width: %d", w)
			}
		})
	})
}

func TestBinaryOp_String(t *testing.T) {
	t.Run("Known", func(t *testing.T) {
		if s := diverge.ADD.String(); s != "add" {
			t.Fatalf("unexpected string: %s", s)
		}
	})
	t.Run("Unknown", func(t *testing.T) {
		if s := diverge.BinaryOp(1000).String(); s != "BinaryOp<1000>" {
			t.Fatalf("unexpected string: %s", s)
		}
	})
}

func TestNewBinaryExpr_Fold(t *testing.T) {
	t.Run("ADD", func(t *testing.T) {
		if diff := cmp.Diff(
			diverge.NewConstantExpr(10, 8),
			diverge.NewBinaryExpr(diverge.ADD, diverge.NewConstantExpr(6, 8), diverge.NewConstantExpr(4, 8)),
		); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("ADDWraparound", func(t *testing.T) {
		if diff := cmp.Diff(
			diverge.NewConstantExpr(4, 8),
			diverge.NewBinaryExpr(diverge.ADD, diverge.NewConstantExpr(250, 8), diverge.NewConstantExpr(10, 8)),
		); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("ADDZeroLHS", func(t *testing.T) {
		x := diverge.NewVariableExpr(0, 8, diverge.KindInt)
		if expr := diverge.NewBinaryExpr(diverge.ADD, diverge.NewConstantExpr(0, 8), x); expr != diverge.Expr(x) {
			t.Fatalf("unexpected expr: %s", expr)
		}
	})
	t.Run("SUBSelf", func(t *testing.T) {
		x := diverge.NewVariableExpr(0, 16, diverge.KindInt)
		if diff := cmp.Diff(
			diverge.NewConstantExpr(0, 16),
			diverge.NewBinaryExpr(diverge.SUB, x, x),
		); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("MULByOne", func(t *testing.T) {
		x := diverge.NewVariableExpr(0, 8, diverge.KindInt)
		if expr := diverge.NewBinaryExpr(diverge.MUL, x, diverge.NewConstantExpr(1, 8)); expr != diverge.Expr(x) {
			t.Fatalf("unexpected expr: %s", expr)
		}
	})
	t.Run("SDIVNegative", func(t *testing.T) {
		if diff := cmp.Diff(
			diverge.NewConstantExpr(0xFE, 8), // -6 / 3 == -2
			diverge.NewBinaryExpr(diverge.SDIV, diverge.NewConstantExpr(0xFA, 8), diverge.NewConstantExpr(3, 8)),
		); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("EQSelf", func(t *testing.T) {
		x := diverge.NewVariableExpr(0, 8, diverge.KindInt)
		if diff := cmp.Diff(
			diverge.NewConstantExpr(1, diverge.WidthBool),
			diverge.NewBinaryExpr(diverge.EQ, x, x),
		); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("ULTConstant", func(t *testing.T) {
		if diff := cmp.Diff(
			diverge.NewConstantExpr(1, diverge.WidthBool),
			diverge.NewBinaryExpr(diverge.ULT, diverge.NewConstantExpr(3, 8), diverge.NewConstantExpr(5, 8)),
		); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("SLTConstant", func(t *testing.T) {
		if diff := cmp.Diff(
			diverge.NewConstantExpr(1, diverge.WidthBool), // -1 < 1
			diverge.NewBinaryExpr(diverge.SLT, diverge.NewConstantExpr(0xFF, 8), diverge.NewConstantExpr(1, 8)),
		); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestConstantExpr_Shift(t *testing.T) {
	t.Run("ShlOverWidth", func(t *testing.T) {
		if diff := cmp.Diff(
			diverge.NewConstantExpr(0, 8),
			diverge.NewConstantExpr(1, 8).Shl(diverge.NewConstantExpr(8, 8)),
		); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("LShrOverWidth", func(t *testing.T) {
		if diff := cmp.Diff(
			diverge.NewConstantExpr(0, 8),
			diverge.NewConstantExpr(0x80, 8).LShr(diverge.NewConstantExpr(9, 8)),
		); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("AShrSignFill", func(t *testing.T) {
		if diff := cmp.Diff(
			diverge.NewConstantExpr(0xFF, 8),
			diverge.NewConstantExpr(0x80, 8).AShr(diverge.NewConstantExpr(7, 8)),
		); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestNewCastExpr(t *testing.T) {
	t.Run("Nop", func(t *testing.T) {
		x := diverge.NewVariableExpr(0, 8, diverge.KindInt)
		if expr := diverge.NewCastExpr(x, 8, false); expr != diverge.Expr(x) {
			t.Fatalf("unexpected expr: %s", expr)
		}
	})
	t.Run("ZExtConstant", func(t *testing.T) {
		if diff := cmp.Diff(
			diverge.NewConstantExpr(0xFF, 16),
			diverge.NewCastExpr(diverge.NewConstantExpr(0xFF, 8), 16, false),
		); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("SExtConstant", func(t *testing.T) {
		if diff := cmp.Diff(
			diverge.NewConstantExpr(0xFFFF, 16),
			diverge.NewCastExpr(diverge.NewConstantExpr(0xFF, 8), 16, true),
		); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("TruncateSymbolic", func(t *testing.T) {
		x := diverge.NewVariableExpr(0, 32, diverge.KindInt)
		if diff := cmp.Diff(
			&diverge.ExtractExpr{Expr: x, Offset: 0, Width: 8},
			diverge.NewCastExpr(x, 8, false),
		); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestNewOverflowExpr(t *testing.T) {
	t.Run("UnsignedAddOverflow", func(t *testing.T) {
		expr := diverge.NewOverflowExpr(diverge.ADD, false, diverge.NewConstantExpr(200, 8), diverge.NewConstantExpr(100, 8))
		if !diverge.IsConstantTrue(expr) {
			t.Fatalf("expected true, got %s", expr)
		}
	})
	t.Run("UnsignedAddNoOverflow", func(t *testing.T) {
		expr := diverge.NewOverflowExpr(diverge.ADD, false, diverge.NewConstantExpr(100, 8), diverge.NewConstantExpr(100, 8))
		if !diverge.IsConstantFalse(expr) {
			t.Fatalf("expected false, got %s", expr)
		}
	})
	t.Run("SignedAddOverflow", func(t *testing.T) {
		// 100 + 100 overflows int8.
		expr := diverge.NewOverflowExpr(diverge.ADD, true, diverge.NewConstantExpr(100, 8), diverge.NewConstantExpr(100, 8))
		if !diverge.IsConstantTrue(expr) {
			t.Fatalf("expected true, got %s", expr)
		}
	})
	t.Run("SignedSubNoOverflow", func(t *testing.T) {
		expr := diverge.NewOverflowExpr(diverge.SUB, true, diverge.NewConstantExpr(50, 8), diverge.NewConstantExpr(100, 8))
		if !diverge.IsConstantFalse(expr) {
			t.Fatalf("expected false, got %s", expr)
		}
	})
	t.Run("SignedMulOverflow", func(t *testing.T) {
		// 16 * 16 overflows int8.
		expr := diverge.NewOverflowExpr(diverge.MUL, true, diverge.NewConstantExpr(16, 8), diverge.NewConstantExpr(16, 8))
		if !diverge.IsConstantTrue(expr) {
			t.Fatalf("expected true, got %s", expr)
		}
	})
	t.Run("Symbolic", func(t *testing.T) {
		x := diverge.NewVariableExpr(0, 8, diverge.KindInt)
		expr := diverge.NewOverflowExpr(diverge.ADD, false, x, diverge.NewConstantExpr(1, 8))
		if diverge.IsConstantExpr(expr) {
			t.Fatalf("expected symbolic expr, got %s", expr)
		} else if w := diverge.ExprWidth(expr); w != diverge.WidthBool {
			t.Fatalf("unexpected width: %d", w)
		}
	})
}

func TestFindVariables(t *testing.T) {
	x := diverge.NewVariableExpr(0, 8, diverge.KindInt)
	y := diverge.NewVariableExpr(1, 8, diverge.KindInt)
	expr := diverge.NewBinaryExpr(diverge.ADD, y, diverge.NewBinaryExpr(diverge.XOR, x, y))

	if diff := cmp.Diff(
		[]*diverge.VariableExpr{x, y},
		diverge.FindVariables(expr),
	); diff != "" {
		t.Fatal(diff)
	}
}

func TestExprEvaluator(t *testing.T) {
	x := diverge.NewVariableExpr(0, 8, diverge.KindInt)
	y := diverge.NewVariableExpr(1, 8, diverge.KindInt)
	ee := diverge.NewExprEvaluator([]*diverge.VariableExpr{x, y}, []uint64{7, 3})

	t.Run("Arithmetic", func(t *testing.T) {
		expr := diverge.NewBinaryExpr(diverge.MUL, x, y)
		c, err := ee.Evaluate(expr)
		if err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff(diverge.NewConstantExpr(21, 8), c); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("Compare", func(t *testing.T) {
		expr := diverge.NewBinaryExpr(diverge.ULT, x, diverge.NewConstantExpr(5, 8))
		c, err := ee.Evaluate(expr)
		if err != nil {
			t.Fatal(err)
		} else if !c.IsFalse() {
			t.Fatalf("expected false, got %s", c)
		}
	})
	t.Run("Unbound", func(t *testing.T) {
		z := diverge.NewVariableExpr(9, 8, diverge.KindInt)
		if _, err := ee.Evaluate(z); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("DivideByZero", func(t *testing.T) {
		zero := diverge.NewExprEvaluator([]*diverge.VariableExpr{x}, []uint64{0})
		for _, op := range []diverge.BinaryOp{diverge.UDIV, diverge.SDIV, diverge.UREM, diverge.SREM} {
			expr := diverge.NewBinaryExpr(op, diverge.NewConstantExpr(1, 8), x)
			if _, err := zero.Evaluate(expr); err == nil {
				t.Fatalf("op %s: expected error", op)
			}
		}
	})
}

func TestCompareExpr(t *testing.T) {
	x := diverge.NewVariableExpr(0, 8, diverge.KindInt)
	y := diverge.NewVariableExpr(1, 8, diverge.KindInt)

	t.Run("Equal", func(t *testing.T) {
		a := diverge.NewBinaryExpr(diverge.ULT, x, diverge.NewConstantExpr(5, 8))
		b := diverge.NewBinaryExpr(diverge.ULT, x, diverge.NewConstantExpr(5, 8))
		if result := diverge.CompareExpr(a, b); result != 0 {
			t.Fatalf("unexpected result: %d", result)
		}
	})
	t.Run("NotEqual", func(t *testing.T) {
		a := diverge.NewBinaryExpr(diverge.ULT, x, diverge.NewConstantExpr(5, 8))
		b := diverge.NewBinaryExpr(diverge.ULT, y, diverge.NewConstantExpr(5, 8))
		if result := diverge.CompareExpr(a, b); result == 0 {
			t.Fatal("expected non-zero result")
		}
	})
}
