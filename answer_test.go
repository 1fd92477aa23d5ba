package diverge_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/divergelabs/diverge"
	"github.com/google/go-cmp/cmp"
)

func TestAnswer_Encode(t *testing.T) {
	t.Run("Flat", func(t *testing.T) {
		a := &diverge.Answer{
			Vars: []*diverge.VariableExpr{
				diverge.NewVariableExpr(0, 8, diverge.KindInt),
				diverge.NewVariableExpr(1, 8, diverge.KindInt),
			},
			Values: []uint64{0xAB, 0x04},
		}
		buf, err := a.Encode(diverge.FormatFlatBytes)
		if err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff([]byte{0xAB, 0x04}, buf); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("Typed", func(t *testing.T) {
		a := &diverge.Answer{
			Vars: []*diverge.VariableExpr{
				diverge.NewVariableExpr(0, 8, diverge.KindInt),
				diverge.NewVariableExpr(1, 32, diverge.KindInt),
			},
			Values: []uint64{0xAB, 0x01020304},
		}
		buf, err := a.Encode(diverge.FormatTypedRecords)
		if err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff([]byte{0xAB, 0x04, 0x03, 0x02, 0x01}, buf); diff != "" {
			t.Fatal(diff)
		}
	})

	// Flat output has no place for a wide variable; truncating it would
	// feed the target an input that no longer satisfies the solved path.
	t.Run("FlatWide", func(t *testing.T) {
		a := &diverge.Answer{
			Vars:   []*diverge.VariableExpr{diverge.NewVariableExpr(0, 32, diverge.KindInt)},
			Values: []uint64{0x01020304},
		}
		if _, err := a.Encode(diverge.FormatFlatBytes); err == nil {
			t.Fatal("expected error")
		}

		w, err := diverge.NewAnswerWriter(t.TempDir(), diverge.FormatFlatBytes)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(a); err == nil {
			t.Fatal("expected error")
		} else if w.Count() != 0 {
			t.Fatalf("unexpected count: %d", w.Count())
		}
	})
}

func TestAnswerWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := diverge.NewAnswerWriter(dir, diverge.FormatFlatBytes)
	if err != nil {
		t.Fatal(err)
	}

	vars := []*diverge.VariableExpr{diverge.NewVariableExpr(0, 8, diverge.KindInt)}

	path0, err := w.Write(&diverge.Answer{Vars: vars, Values: []uint64{3}})
	if err != nil {
		t.Fatal(err)
	} else if filepath.Base(path0) != "answer-000000.bin" {
		t.Fatalf("unexpected path: %s", path0)
	}

	path1, err := w.Write(&diverge.Answer{Vars: vars, Values: []uint64{4}})
	if err != nil {
		t.Fatal(err)
	} else if filepath.Base(path1) != "answer-000001.bin" {
		t.Fatalf("unexpected path: %s", path1)
	} else if w.Count() != 2 {
		t.Fatalf("unexpected count: %d", w.Count())
	}

	buf, err := os.ReadFile(path1)
	if err != nil {
		t.Fatal(err)
	} else if diff := cmp.Diff([]byte{4}, buf); diff != "" {
		t.Fatal(diff)
	}

	// A new writer over the same directory never overwrites.
	w2, err := diverge.NewAnswerWriter(dir, diverge.FormatFlatBytes)
	if err != nil {
		t.Fatal(err)
	}
	path2, err := w2.Write(&diverge.Answer{Vars: vars, Values: []uint64{5}})
	if err != nil {
		t.Fatal(err)
	} else if filepath.Base(path2) != "answer-000002.bin" {
		t.Fatalf("unexpected path: %s", path2)
	}
}
