package z3_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/divergelabs/diverge"
	"github.com/divergelabs/diverge/z3"
)

func TestSolver_Solve(t *testing.T) {
	t.Run("Constant", func(t *testing.T) {
		t.Run("True", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			sat, _, err := s.Solve(context.Background(), []diverge.Expr{diverge.NewBoolConstantExpr(true)}, nil)
			if err != nil {
				t.Fatal(err)
			} else if !sat {
				t.Fatal("expected satisfiable")
			}
		})
		t.Run("False", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			sat, _, err := s.Solve(context.Background(), []diverge.Expr{diverge.NewBoolConstantExpr(false)}, nil)
			if err != nil {
				t.Fatal(err)
			} else if sat {
				t.Fatal("expected unsatisfiable")
			}
		})
	})

	t.Run("Variable", func(t *testing.T) {
		t.Run("Bool", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			b := diverge.NewVariableExpr(0, diverge.WidthBool, diverge.KindBool)
			sat, values, err := s.Solve(context.Background(), []diverge.Expr{b}, []*diverge.VariableExpr{b})
			if err != nil {
				t.Fatal(err)
			} else if !sat {
				t.Fatal("expected satisfiable")
			} else if got, exp := values[0], uint64(1); got != exp {
				t.Fatalf("values[0]=%d, expected %d", got, exp)
			}
		})
		t.Run("Int", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			x := diverge.NewVariableExpr(0, diverge.Width8, diverge.KindInt)
			constraints := []diverge.Expr{
				diverge.NewBinaryExpr(diverge.EQ, x, diverge.NewConstantExpr8(200)),
			}
			sat, values, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{x})
			if err != nil {
				t.Fatal(err)
			} else if !sat {
				t.Fatal("expected satisfiable")
			} else if got, exp := values[0], uint64(200); got != exp {
				t.Fatalf("values[0]=%d, expected %d", got, exp)
			}
		})
		t.Run("Unconstrained", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			x := diverge.NewVariableExpr(0, diverge.Width8, diverge.KindInt)
			y := diverge.NewVariableExpr(1, diverge.Width8, diverge.KindInt)
			constraints := []diverge.Expr{
				diverge.NewBinaryExpr(diverge.EQ, x, diverge.NewConstantExpr8(5)),
			}
			sat, values, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{x, y})
			if err != nil {
				t.Fatal(err)
			} else if !sat {
				t.Fatal("expected satisfiable")
			} else if _, ok := values[1]; ok {
				t.Fatalf("expected no model value for unconstrained variable, got %d", values[1])
			}
		})
	})

	t.Run("Not", func(t *testing.T) {
		t.Run("Int", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			x := diverge.NewVariableExpr(0, diverge.Width8, diverge.KindInt)
			constraints := []diverge.Expr{
				diverge.NewBinaryExpr(diverge.EQ, diverge.NewNotExpr(x), diverge.NewConstantExpr8(0xF0)),
			}
			sat, values, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{x})
			if err != nil {
				t.Fatal(err)
			} else if !sat {
				t.Fatal("expected satisfiable")
			} else if got, exp := values[0], uint64(0x0F); got != exp {
				t.Fatalf("values[0]=%#x, expected %#x", got, exp)
			}
		})
		t.Run("Bool", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			b := diverge.NewVariableExpr(0, diverge.WidthBool, diverge.KindBool)
			sat, values, err := s.Solve(context.Background(), []diverge.Expr{diverge.NewNotExpr(b)}, []*diverge.VariableExpr{b})
			if err != nil {
				t.Fatal(err)
			} else if !sat {
				t.Fatal("expected satisfiable")
			} else if got, exp := values[0], uint64(0); got != exp {
				t.Fatalf("values[0]=%d, expected %d", got, exp)
			}
		})
	})

	t.Run("Extract", func(t *testing.T) {
		t.Run("Int", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			x := diverge.NewVariableExpr(0, diverge.Width16, diverge.KindInt)
			constraints := []diverge.Expr{
				diverge.NewBinaryExpr(diverge.EQ, x, diverge.NewConstantExpr16(0xABCD)),
				diverge.NewBinaryExpr(diverge.EQ, diverge.NewExtractExpr(x, 8, 8), diverge.NewConstantExpr8(0xAB)),
			}
			sat, _, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{x})
			if err != nil {
				t.Fatal(err)
			} else if !sat {
				t.Fatal("expected satisfiable")
			}
		})
		t.Run("Bool", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			// Bit zero of an odd value.
			x := diverge.NewVariableExpr(0, diverge.Width16, diverge.KindInt)
			constraints := []diverge.Expr{
				diverge.NewBinaryExpr(diverge.EQ, x, diverge.NewConstantExpr16(0xABCD)),
				diverge.NewExtractExpr(x, 0, 1),
			}
			sat, _, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{x})
			if err != nil {
				t.Fatal(err)
			} else if !sat {
				t.Fatal("expected satisfiable")
			}
		})
	})

	t.Run("Cast", func(t *testing.T) {
		t.Run("Unsigned", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			x := diverge.NewVariableExpr(0, diverge.Width8, diverge.KindInt)
			constraints := []diverge.Expr{
				diverge.NewBinaryExpr(diverge.EQ, diverge.NewCastExpr(x, 16, false), diverge.NewConstantExpr16(0x0080)),
			}
			sat, values, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{x})
			if err != nil {
				t.Fatal(err)
			} else if !sat {
				t.Fatal("expected satisfiable")
			} else if got, exp := values[0], uint64(0x80); got != exp {
				t.Fatalf("values[0]=%#x, expected %#x", got, exp)
			}
		})
		t.Run("Signed", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			x := diverge.NewVariableExpr(0, diverge.Width8, diverge.KindInt)
			constraints := []diverge.Expr{
				diverge.NewBinaryExpr(diverge.EQ, diverge.NewCastExpr(x, 16, true), diverge.NewConstantExpr16(0xFF80)),
			}
			sat, values, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{x})
			if err != nil {
				t.Fatal(err)
			} else if !sat {
				t.Fatal("expected satisfiable")
			} else if got, exp := values[0], uint64(0x80); got != exp {
				t.Fatalf("values[0]=%#x, expected %#x", got, exp)
			}
		})
		t.Run("UnsignedBool", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			b := diverge.NewVariableExpr(0, diverge.WidthBool, diverge.KindBool)
			constraints := []diverge.Expr{
				diverge.NewBinaryExpr(diverge.EQ, diverge.NewCastExpr(b, 8, false), diverge.NewConstantExpr8(1)),
			}
			sat, values, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{b})
			if err != nil {
				t.Fatal(err)
			} else if !sat {
				t.Fatal("expected satisfiable")
			} else if got, exp := values[0], uint64(1); got != exp {
				t.Fatalf("values[0]=%d, expected %d", got, exp)
			}
		})
		t.Run("SignedBool", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			b := diverge.NewVariableExpr(0, diverge.WidthBool, diverge.KindBool)
			constraints := []diverge.Expr{
				diverge.NewBinaryExpr(diverge.EQ, diverge.NewCastExpr(b, 8, true), diverge.NewConstantExpr8(0xFF)),
			}
			sat, values, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{b})
			if err != nil {
				t.Fatal(err)
			} else if !sat {
				t.Fatal("expected satisfiable")
			} else if got, exp := values[0], uint64(1); got != exp {
				t.Fatalf("values[0]=%d, expected %d", got, exp)
			}
		})
	})

	t.Run("Concat", func(t *testing.T) {
		s := MustNewSolver(t)
		defer MustCloseSolver(t, s)

		msb := diverge.NewVariableExpr(0, diverge.Width8, diverge.KindInt)
		lsb := diverge.NewVariableExpr(1, diverge.Width8, diverge.KindInt)
		constraints := []diverge.Expr{
			diverge.NewBinaryExpr(diverge.EQ, diverge.NewConcatExpr(msb, lsb), diverge.NewConstantExpr16(0xABCD)),
		}
		sat, values, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{msb, lsb})
		if err != nil {
			t.Fatal(err)
		} else if !sat {
			t.Fatal("expected satisfiable")
		} else if values[0] != 0xAB || values[1] != 0xCD {
			t.Fatalf("unexpected model: %v", values)
		}
	})

	t.Run("Binary", func(t *testing.T) {
		for _, tt := range []struct {
			name   string
			op     diverge.BinaryOp
			a      uint64
			b      uint64
			result uint64
		}{
			{"ADD", diverge.ADD, 200, 100, 44},
			{"SUB", diverge.SUB, 5, 7, 254},
			{"MUL", diverge.MUL, 20, 13, 4},
			{"UDIV", diverge.UDIV, 200, 7, 28},
			{"SDIV", diverge.SDIV, 0xFA, 2, 0xFD},
			{"UREM", diverge.UREM, 200, 7, 4},
			{"SREM", diverge.SREM, 0xFA, 4, 0xFE},
			{"AND", diverge.AND, 0xF0, 0xCC, 0xC0},
			{"OR", diverge.OR, 0xF0, 0xCC, 0xFC},
			{"XOR", diverge.XOR, 0xF0, 0xCC, 0x3C},
			{"SHL", diverge.SHL, 0x81, 1, 0x02},
			{"LSHR", diverge.LSHR, 0x81, 1, 0x40},
			{"ASHR", diverge.ASHR, 0x81, 1, 0xC0},
		} {
			t.Run(tt.name, func(t *testing.T) {
				s := MustNewSolver(t)
				defer MustCloseSolver(t, s)

				x := diverge.NewVariableExpr(0, diverge.Width8, diverge.KindInt)
				constraints := []diverge.Expr{
					diverge.NewBinaryExpr(diverge.EQ, x, diverge.NewConstantExpr8(tt.a)),
					diverge.NewBinaryExpr(diverge.EQ,
						diverge.NewBinaryExpr(tt.op, x, diverge.NewConstantExpr8(tt.b)),
						diverge.NewConstantExpr8(tt.result)),
				}
				sat, values, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{x})
				if err != nil {
					t.Fatal(err)
				} else if !sat {
					t.Fatal("expected satisfiable")
				} else if got, exp := values[0], tt.a; got != exp {
					t.Fatalf("values[0]=%#x, expected %#x", got, exp)
				}
			})
		}
	})

	t.Run("Compare", func(t *testing.T) {
		for _, tt := range []struct {
			name string
			op   diverge.BinaryOp
			a    uint64
			b    uint64
			exp  bool
		}{
			{"ULT", diverge.ULT, 3, 5, true},
			{"ULT_False", diverge.ULT, 5, 3, false},
			{"ULE", diverge.ULE, 5, 5, true},
			{"SLT", diverge.SLT, 0xFF, 1, true},
			{"SLE", diverge.SLE, 0xFF, 0xFF, true},
		} {
			t.Run(tt.name, func(t *testing.T) {
				s := MustNewSolver(t)
				defer MustCloseSolver(t, s)

				x := diverge.NewVariableExpr(0, diverge.Width8, diverge.KindInt)
				cmp := diverge.NewBinaryExpr(tt.op, x, diverge.NewConstantExpr8(tt.b))
				if !tt.exp {
					cmp = diverge.NewIsZeroExpr(cmp)
				}
				constraints := []diverge.Expr{
					diverge.NewBinaryExpr(diverge.EQ, x, diverge.NewConstantExpr8(tt.a)),
					cmp,
				}
				sat, _, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{x})
				if err != nil {
					t.Fatal(err)
				} else if !sat {
					t.Fatal("expected satisfiable")
				}
			})
		}
	})

	t.Run("BinaryBool", func(t *testing.T) {
		t.Run("AND", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			b0 := diverge.NewVariableExpr(0, diverge.WidthBool, diverge.KindBool)
			b1 := diverge.NewVariableExpr(1, diverge.WidthBool, diverge.KindBool)
			constraints := []diverge.Expr{
				diverge.NewBinaryExpr(diverge.AND, b0, b1),
			}
			sat, values, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{b0, b1})
			if err != nil {
				t.Fatal(err)
			} else if !sat {
				t.Fatal("expected satisfiable")
			} else if values[0] != 1 || values[1] != 1 {
				t.Fatalf("unexpected model: %v", values)
			}
		})
		t.Run("XOR", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			b0 := diverge.NewVariableExpr(0, diverge.WidthBool, diverge.KindBool)
			b1 := diverge.NewVariableExpr(1, diverge.WidthBool, diverge.KindBool)
			constraints := []diverge.Expr{
				b0,
				diverge.NewBinaryExpr(diverge.XOR, b0, b1),
			}
			sat, values, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{b0, b1})
			if err != nil {
				t.Fatal(err)
			} else if !sat {
				t.Fatal("expected satisfiable")
			} else if values[0] != 1 || values[1] != 0 {
				t.Fatalf("unexpected model: %v", values)
			}
		})
		t.Run("EQ", func(t *testing.T) {
			s := MustNewSolver(t)
			defer MustCloseSolver(t, s)

			b0 := diverge.NewVariableExpr(0, diverge.WidthBool, diverge.KindBool)
			b1 := diverge.NewVariableExpr(1, diverge.WidthBool, diverge.KindBool)
			constraints := []diverge.Expr{
				b0,
				diverge.NewBinaryExpr(diverge.EQ, b0, b1),
			}
			sat, values, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{b0, b1})
			if err != nil {
				t.Fatal(err)
			} else if !sat {
				t.Fatal("expected satisfiable")
			} else if values[1] != 1 {
				t.Fatalf("unexpected model: %v", values)
			}
		})
	})

	t.Run("Overflow", func(t *testing.T) {
		s := MustNewSolver(t)
		defer MustCloseSolver(t, s)

		x := diverge.NewVariableExpr(0, diverge.Width8, diverge.KindInt)
		constraints := []diverge.Expr{
			diverge.NewBinaryExpr(diverge.EQ, x, diverge.NewConstantExpr8(200)),
			diverge.NewOverflowExpr(diverge.ADD, false, x, diverge.NewConstantExpr8(100)),
		}
		sat, _, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{x})
		if err != nil {
			t.Fatal(err)
		} else if !sat {
			t.Fatal("expected satisfiable")
		}
	})

	t.Run("Infeasible", func(t *testing.T) {
		s := MustNewSolver(t)
		defer MustCloseSolver(t, s)

		x := diverge.NewVariableExpr(0, diverge.Width8, diverge.KindInt)
		constraints := []diverge.Expr{
			diverge.NewBinaryExpr(diverge.EQ, x, diverge.NewConstantExpr8(5)),
			diverge.NewBinaryExpr(diverge.ULT, x, diverge.NewConstantExpr8(5)),
		}
		sat, _, err := s.Solve(context.Background(), constraints, []*diverge.VariableExpr{x})
		if err != nil {
			t.Fatal(err)
		} else if sat {
			t.Fatal("expected unsatisfiable")
		}
	})

	t.Run("Canceled", func(t *testing.T) {
		s := MustNewSolver(t)
		defer MustCloseSolver(t, s)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, _, err := s.Solve(ctx, []diverge.Expr{diverge.NewBoolConstantExpr(true)}, nil); !errors.Is(err, diverge.ErrSolverCanceled) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("DeadlineExpired", func(t *testing.T) {
		s := MustNewSolver(t)
		defer MustCloseSolver(t, s)

		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		if _, _, err := s.Solve(ctx, []diverge.Expr{diverge.NewBoolConstantExpr(true)}, nil); !errors.Is(err, diverge.ErrSolverCanceled) && !errors.Is(err, diverge.ErrSolverTimeout) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestSolver_Stats(t *testing.T) {
	s := MustNewSolver(t)
	defer MustCloseSolver(t, s)

	if _, _, err := s.Solve(context.Background(), []diverge.Expr{diverge.NewBoolConstantExpr(true)}, nil); err != nil {
		t.Fatal(err)
	}
	if got := s.Stats().SolveN; got != 1 {
		t.Fatalf("SolveN=%d, expected 1", got)
	}
}

// MustNewSolver returns a solver with a generous per-query timeout.
func MustNewSolver(tb testing.TB) *z3.Solver {
	tb.Helper()
	return z3.NewSolver(5 * time.Second)
}

// MustCloseSolver closes the solver. Fatal on error.
func MustCloseSolver(tb testing.TB, s *z3.Solver) {
	tb.Helper()
	if err := s.Close(); err != nil {
		tb.Fatal(err)
	}
}
