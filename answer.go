package diverge

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Answer is a solved assignment for one run's symbolic variables, in
// discovery order. It is the diverging input the search feeds back to
// the target.
type Answer struct {
	Vars   []*VariableExpr
	Values []uint64
}

// Value returns the assigned value for the variable with the given
// discovery index.
func (a *Answer) Value(index int) (uint64, bool) {
	for i, v := range a.Vars {
		if v.Index == index {
			return a.Values[i], true
		}
	}
	return 0, false
}

// String returns the string representation of the answer.
func (a *Answer) String() string {
	s := "(answer"
	for i, v := range a.Vars {
		s += fmt.Sprintf(" %s=%d", v, a.Values[i])
	}
	return s + ")"
}

// OutputFormat selects the on-disk encoding of answers.
type OutputFormat int

const (
	// FormatFlatBytes writes one byte per variable in discovery order.
	// Matches the symbolic-stdin convention where each variable is one
	// input byte and its discovery index is its stream offset.
	FormatFlatBytes OutputFormat = iota

	// FormatTypedRecords writes each variable as a little-endian record
	// sized to its width.
	FormatTypedRecords
)

var outputFormats = [...]string{
	FormatFlatBytes:    "flat",
	FormatTypedRecords: "typed",
}

// String returns the string representation of the format.
func (f OutputFormat) String() string {
	if f >= 0 && int(f) < len(outputFormats) {
		return outputFormats[f]
	}
	return fmt.Sprintf("OutputFormat<%d>", int(f))
}

// ParseOutputFormat parses a format name as it appears in configuration.
func ParseOutputFormat(s string) (OutputFormat, error) {
	for i, name := range outputFormats {
		if s == name {
			return OutputFormat(i), nil
		}
	}
	return 0, fmt.Errorf("invalid output format: %q", s)
}

// Encode serializes the answer in the given format. Flat output is only
// defined for byte-wide variables; a wider variable is an error rather
// than a silent truncation.
func (a *Answer) Encode(format OutputFormat) ([]byte, error) {
	var buf []byte
	for i, v := range a.Vars {
		switch format {
		case FormatFlatBytes:
			if v.Width > Width8 {
				return nil, fmt.Errorf("flat format: variable %d is %d bits wide", v.Index, v.Width)
			}
			buf = append(buf, byte(a.Values[i]&bitmask(v.Width)))
		case FormatTypedRecords:
			var rec [8]byte
			binary.LittleEndian.PutUint64(rec[:], a.Values[i]&bitmask(v.Width))
			buf = append(buf, rec[:minBytes(v.Width)]...)
		default:
			assert(false, "unknown output format: %d", format)
		}
	}
	return buf, nil
}

// AnswerWriter persists answers to an output directory under monotonic
// sequence-numbered names. Existing files are never overwritten; a
// writer opened over a previous invocation's directory continues its
// numbering.
type AnswerWriter struct {
	mu      sync.Mutex
	dir     string
	format  OutputFormat
	seq     int
	written int
}

// NewAnswerWriter returns a writer for dir, creating it if needed and
// resuming the sequence after any answers already present.
func NewAnswerWriter(dir string, format OutputFormat) (*AnswerWriter, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}

	w := &AnswerWriter{dir: dir, format: format}

	matches, err := filepath.Glob(filepath.Join(dir, "answer-*.bin"))
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		var n int
		if _, err := fmt.Sscanf(filepath.Base(m), "answer-%06d.bin", &n); err == nil && n >= w.seq {
			w.seq = n + 1
		}
	}
	return w, nil
}

// Dir returns the output directory.
func (w *AnswerWriter) Dir() string { return w.dir }

// Count returns the number of answers written by this writer. Answers
// found on disk from earlier invocations are not counted.
func (w *AnswerWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Write persists one answer and returns its file path.
func (w *AnswerWriter) Write(a *Answer) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, err := a.Encode(w.format)
	if err != nil {
		return "", err
	}

	path := filepath.Join(w.dir, fmt.Sprintf("answer-%06d.bin", w.seq))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	w.seq++
	w.written++
	return path, nil
}
