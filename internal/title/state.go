package title

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// State is the title state of one supervised run. It must only be touched by
// the single task that writes to the terminal.
type State struct {
	// Original is the child-set title, or the synthesized one until the
	// child sets its own.
	Original string

	// ChildSet reports whether the child has ever set a title.
	ChildSet bool

	w    *Writer
	last string
}

// NewState creates a state that writes through w, starting from a
// synthesized original title.
func NewState(w *Writer, synthesized string) *State {
	return &State{Original: synthesized, w: w}
}

// Observe records a title set by the child.
func (s *State) Observe(title string) {
	s.Original = title
	s.ChildSet = true
}

// Update composes the current original with metrics and writes it, unless
// it equals the last written title. It reports whether a write happened.
func (s *State) Update(metrics string) (bool, error) {
	composite := Compose(s.Original, metrics)
	if composite == s.last {
		return false, nil
	}
	if err := s.w.Write(composite); err != nil {
		return false, err
	}
	s.last = composite
	return true, nil
}

// Last returns the last composite title written.
func (s *State) Last() string {
	return s.last
}

// Synthesize builds the fallback original title "<dir>> <command>" from the
// working directory and the command's base name.
func Synthesize(argv []string) string {
	cmd := "unknown"
	if len(argv) > 0 {
		cmd = filepath.Base(argv[0])
	}
	wd, err := os.Getwd()
	if err != nil {
		n := len(argv)
		if n > 2 {
			n = 2
		}
		return "toptle> " + strings.Join(argv[:n], " ")
	}
	return fmt.Sprintf("%s> %s", filepath.Base(wd), cmd)
}

// Writer emits OSC 0 title sequences.
type Writer struct {
	out io.Writer
}

// NewWriter creates a title writer on out.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Write sets the terminal title to title.
func (w *Writer) Write(title string) error {
	_, err := io.WriteString(w.out, Sequence(title))
	return err
}

// Sequence returns the OSC 0 sequence setting title. Control characters
// are stripped so the payload cannot terminate the sequence early.
func Sequence(title string) string {
	return "\x1b]0;" + Sanitize(title) + "\x07"
}

// Sanitize removes C0 control characters and DEL from a title.
func Sanitize(title string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, title)
}
