// Package terminal owns the invoking terminal for the duration of a run:
// raw mode, window size, the out-of-band title sink and process-group
// foreground control.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// Default window size used when the invoking terminal cannot be queried.
const (
	DefaultRows = 24
	DefaultCols = 80
)

// ErrNotTerminal is returned when an operation needs a terminal and the file
// is not one.
var ErrNotTerminal = errors.New("not a terminal")

// Terminal wraps the process's standard streams.
type Terminal struct {
	In  *os.File
	Out *os.File
	Err *os.File

	// TTY is the controlling terminal, which may differ from every standard
	// stream. Nil when the process has none.
	TTY *os.File

	mu    sync.Mutex
	guard *RawGuard
}

// New creates a Terminal over in and out. Err defaults to os.Stderr.
func New(in, out *os.File) *Terminal {
	return &Terminal{In: in, Out: out, Err: os.Stderr}
}

// Std returns a Terminal over the process's own standard streams and its
// controlling terminal.
func Std() *Terminal {
	t := New(os.Stdin, os.Stdout)
	if tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0); err == nil {
		t.TTY = tty
	}
	return t
}

// IsTerminal reports whether stdin is a terminal.
func (t *Terminal) IsTerminal() bool {
	return IsTerminal(t.In)
}

// OutputIsTerminal reports whether stdout is a terminal.
func (t *Terminal) OutputIsTerminal() bool {
	return IsTerminal(t.Out)
}

// Size returns the window size of stdin, then stdout, falling back to 24×80.
func (t *Terminal) Size() (rows, cols uint16) {
	for _, f := range []*os.File{t.In, t.Out} {
		if r, c, err := Size(f); err == nil {
			return r, c
		}
	}
	return DefaultRows, DefaultCols
}

// MakeRaw puts stdin into raw mode. The returned guard is also remembered so
// that Restore can release it from a cleanup path.
func (t *Terminal) MakeRaw() (*RawGuard, error) {
	g, err := MakeRaw(t.In)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.guard = g
	t.mu.Unlock()
	return g, nil
}

// Restore releases any outstanding raw-mode guard. Safe to call repeatedly.
func (t *Terminal) Restore() error {
	t.mu.Lock()
	g := t.guard
	t.mu.Unlock()
	return g.Release()
}

// IsTerminal reports whether f refers to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// Size returns the window size of the terminal behind f.
func Size(f *os.File) (rows, cols uint16, err error) {
	if f == nil {
		return 0, 0, ErrNotTerminal
	}
	w, h, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0, 0, fmt.Errorf("get window size: %w", err)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("get window size: %dx%d: %w", h, w, ErrNotTerminal)
	}
	return uint16(h), uint16(w), nil
}

// RawGuard restores a terminal's previous mode when released.
type RawGuard struct {
	fd    int
	state *term.State

	once sync.Once
	err  error
}

// MakeRaw puts f into raw mode and returns a guard restoring it.
func MakeRaw(f *os.File) (*RawGuard, error) {
	if !IsTerminal(f) {
		return nil, ErrNotTerminal
	}
	fd := int(f.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("enter raw mode: %w", err)
	}
	return &RawGuard{fd: fd, state: state}, nil
}

// Release restores the saved mode. Only the first call has an effect;
// later calls return the first result. A nil guard is a no-op.
func (g *RawGuard) Release() error {
	if g == nil {
		return nil
	}
	g.once.Do(func() {
		if err := term.Restore(g.fd, g.state); err != nil {
			g.err = fmt.Errorf("restore terminal mode: %w", err)
		}
	})
	return g.err
}

// OpenTitleSink returns where out-of-band titles are written: the
// controlling terminal, else stdout when it is a terminal, else nowhere.
// The returned name is for logging.
func OpenTitleSink(stdout *os.File) (io.WriteCloser, string) {
	return openTitleSink(openControllingTTY, stdout)
}

func openControllingTTY() (*os.File, error) {
	return os.OpenFile("/dev/tty", os.O_WRONLY, 0)
}

func openTitleSink(openTTY func() (*os.File, error), stdout *os.File) (io.WriteCloser, string) {
	if f, err := openTTY(); err == nil {
		return f, "tty"
	}
	if IsTerminal(stdout) {
		return nopCloser{stdout}, "stdout"
	}
	return nopCloser{io.Discard}, "discard"
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
