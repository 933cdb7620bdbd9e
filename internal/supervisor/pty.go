package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/Guliveer/toptle/internal/escape"
	"github.com/Guliveer/toptle/internal/process"
	"github.com/Guliveer/toptle/internal/scheduler"
	"github.com/Guliveer/toptle/internal/terminal"
	"github.com/Guliveer/toptle/internal/title"
)

const readBufferSize = 32 * 1024

// eof is the VEOF character of a terminal in canonical mode (^D).
const eof = 0x04

// PTY supervises a child attached to a pseudo-terminal.
//
// One goroutine reads the child's output, one copies the user's input, and
// the scheduler samples the tree. A single loop owns stdout and the title
// state: it forwards output through the escape interceptor and injects
// titles only while no sequence is in progress.
type PTY struct {
	base
}

// NewPTY creates a PTY supervisor.
func NewPTY(opts Options) *PTY {
	return &PTY{base: newBase(opts, "pty")}
}

// Run implements Supervisor.
func (s *PTY) Run(ctx context.Context, child *process.Child) (int, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return 1, fmt.Errorf("%w: %v", ErrPTYUnavailable, err)
	}
	defer ptmx.Close()

	rows, cols := s.term.Size()
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		s.logger.Debug("Failed to set initial pty size", zap.Error(err))
	}

	guard, err := s.term.MakeRaw()
	if err != nil && !errors.Is(err, terminal.ErrNotTerminal) {
		s.logger.Warn("Failed to enter raw mode", zap.Error(err))
	}
	defer func() {
		if err := guard.Release(); err != nil {
			s.logger.Warn("Failed to restore terminal mode", zap.Error(err))
		}
	}()

	child.Cmd.Stdin = tty
	child.Cmd.Stdout = tty
	child.Cmd.Stderr = tty
	child.Cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 0}

	err = child.Start()
	// The parent's copy of the subordinate side must go, otherwise the
	// master never reports end of output.
	tty.Close()
	if err != nil {
		return 127, err
	}
	pid := child.PID()
	s.logger.Debug("Started child on pty",
		zap.String("command", child.Name()),
		zap.Int32("pid", pid),
		zap.Uint16("rows", rows),
		zap.Uint16("cols", cols),
	)

	chunks := make(chan []byte, 16)
	go readChunks(ptmx, chunks)

	stopInput := s.copyInput(ptmx)
	defer stopInput()

	schedCtx, stopSched := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	latest := scheduler.NewLatest()
	s.sched.OnUpdate(latest.Publish)
	s.sched.Tick(schedCtx, pid)
	go func() {
		defer close(schedDone)
		s.sched.Run(schedCtx, pid)
	}()
	defer func() {
		stopSched()
		<-schedDone
	}()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	s.loop(ctx, child, ptmx, chunks, latest, winch)
	// Let the reader finish if descendants still hold the pty open.
	go func() {
		for range chunks {
		}
	}()

	return child.Wait()
}

// loop is the single task writing to stdout. It returns once the child has
// exited and its output has been drained.
func (s *PTY) loop(ctx context.Context, child *process.Child, ptmx *os.File, chunks <-chan []byte, latest *scheduler.Latest, winch <-chan os.Signal) {
	out := s.term.Out
	var titleOut io.Writer = io.Discard
	if s.term.OutputIsTerminal() {
		titleOut = out
	}
	state := title.NewState(title.NewWriter(titleOut), title.Synthesize(child.Argv))
	ic := escape.New()

	var (
		metrics string
		dirty   bool
		buf     = make([]byte, 0, readBufferSize)
		done    = ctx.Done()
		exited  = child.Done()
		drain   <-chan time.Time
	)

	flush := func() {
		if !dirty || !ic.Idle() {
			return
		}
		// Pick up a fresher sample if one is waiting.
		select {
		case metrics = <-latest.C():
		default:
		}
		if _, err := state.Update(metrics); err != nil {
			s.logger.Debug("Failed to write title", zap.Error(err))
			return
		}
		dirty = false
	}

	discard := func() {
		st := ic.State()
		if ic.Reset() {
			s.logger.Debug("Discarded unterminated escape sequence", zap.Stringer("state", st))
		}
	}

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				discard()
				if exited == nil {
					return
				}
				continue
			}
			var titles []string
			buf, titles = ic.Feed(buf[:0], chunk)
			if len(buf) > 0 {
				if _, err := out.Write(buf); err != nil {
					s.logger.Debug("Failed to forward output", zap.Error(err))
				}
			}
			for _, t := range titles {
				state.Observe(t)
				dirty = true
			}
			flush()

		case metrics = <-latest.C():
			dirty = true
			flush()

		case <-winch:
			rows, cols := s.term.Size()
			if err := pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
				s.logger.Debug("Failed to resize pty", zap.Error(err))
			}

		case <-exited:
			exited = nil
			if chunks == nil {
				return
			}
			drain = time.After(drainTimeout)

		case <-drain:
			discard()
			return

		case <-done:
			done = nil
			if err := child.KillGroup(); err != nil {
				s.logger.Debug("Failed to kill child group", zap.Error(err))
			}
		}
	}
}

// readChunks forwards the child's output until the master side fails, which
// on Linux happens with EIO once every subordinate descriptor is closed.
func readChunks(ptmx *os.File, chunks chan<- []byte) {
	defer close(chunks)
	buf := make([]byte, readBufferSize)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			chunks <- chunk
		}
		if err != nil {
			return
		}
	}
}

// copyInput forwards the user's input to the child until the returned stop
// function is called. Stdin itself stays open.
func (s *PTY) copyInput(ptmx *os.File) (stop func()) {
	if s.term.In == nil {
		return func() {}
	}
	in, err := terminal.OpenInput(s.term.In)
	if err != nil {
		s.logger.Debug("Input forwarding disabled", zap.Error(err))
		return func() {}
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		buf := make([]byte, 4096)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				if _, werr := ptmx.Write(buf[:n]); werr != nil {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				ptmx.Write([]byte{eof})
				return
			}
			if err != nil {
				if !terminal.Canceled(err) {
					s.logger.Debug("Input forwarding stopped", zap.Error(err))
				}
				return
			}
		}
	}()

	return func() {
		if err := in.Cancel(); err != nil {
			s.logger.Debug("Failed to cancel input", zap.Error(err))
		}
		select {
		case <-finished:
		case <-time.After(time.Second):
			s.logger.Debug("Input reader did not stop")
		}
		if err := in.Close(); err != nil {
			s.logger.Debug("Failed to release input", zap.Error(err))
		}
	}
}
