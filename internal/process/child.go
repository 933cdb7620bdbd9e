// Package process manages the lifecycle of the supervised child: spawn,
// exit tracking, and signal delivery to its process group.
package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	gproc "github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Sentinel errors for process package.
var (
	// ErrSpawn is returned when the child could not be started.
	ErrSpawn = errors.New("spawn failed")

	// ErrNotStarted is returned when operations require a started child.
	ErrNotStarted = errors.New("process not started")
)

// Child is the supervised command.
//
// Supervisors configure Cmd (stdio, SysProcAttr) before calling Start.
// Once started, Child is safe for concurrent use.
type Child struct {
	// Argv is the command line, argv[0] included.
	Argv []string

	// Cmd is the underlying exec.Cmd.
	Cmd *exec.Cmd

	// Started is the time the child was started.
	Started time.Time

	started  atomic.Bool
	done     chan struct{}
	exitCode atomic.Int32
	exitErr  error
	mu       sync.RWMutex
}

// New prepares a child for argv. It does not start it.
func New(argv []string) *Child {
	c := &Child{
		Argv: argv,
		done: make(chan struct{}),
	}
	if len(argv) > 0 {
		c.Cmd = exec.Command(argv[0], argv[1:]...)
	} else {
		c.Cmd = &exec.Cmd{Err: errors.New("empty command")}
	}
	c.exitCode.Store(-1)
	return c
}

// Name returns argv[0], or "" for an empty command.
func (c *Child) Name() string {
	if len(c.Argv) == 0 {
		return ""
	}
	return c.Argv[0]
}

// Start starts the child and begins tracking its exit. Failures wrap ErrSpawn.
func (c *Child) Start() error {
	if c.started.Load() {
		return fmt.Errorf("%s: already started", c.Name())
	}
	if err := c.Cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpawn, c.Name(), err)
	}
	c.Started = time.Now()
	c.started.Store(true)

	go c.waitLoop()
	return nil
}

// PID returns the child's pid, or -1 if not started.
func (c *Child) PID() int32 {
	if !c.started.Load() || c.Cmd.Process == nil {
		return -1
	}
	return int32(c.Cmd.Process.Pid)
}

// Done returns a channel that is closed when the child exits.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Stopped reports whether the child is currently stopped by a job-control
// signal. An exited child is not stopped.
func (c *Child) Stopped(ctx context.Context) (bool, error) {
	pid := c.PID()
	if pid <= 0 {
		return false, ErrNotStarted
	}
	select {
	case <-c.done:
		return false, nil
	default:
	}

	p := &gproc.Process{Pid: pid}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("read state of %d: %w", pid, err)
	}
	for _, s := range status {
		if s == gproc.Stop {
			return true, nil
		}
	}
	return false, nil
}

// Wait blocks until the child exits and returns its exit code.
func (c *Child) Wait() (int, error) {
	if !c.started.Load() {
		return -1, ErrNotStarted
	}
	<-c.done
	return c.ExitCode(), c.ExitError()
}

// ExitCode returns the shell-style exit code: the exit status, or 128+n when
// the child was killed by signal n. Returns -1 while the child is running.
func (c *Child) ExitCode() int {
	return int(c.exitCode.Load())
}

// ExitError returns an error that prevented an exit status from being read.
// A non-zero exit is not an error.
func (c *Child) ExitError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exitErr
}

// SignalGroup sends sig to the child's process group. The child must have
// been started as a group leader (Setsid or Setpgid).
func (c *Child) SignalGroup(sig syscall.Signal) error {
	pid := c.PID()
	if pid <= 0 {
		return ErrNotStarted
	}
	err := unix.Kill(-int(pid), sig)
	if errors.Is(err, unix.ESRCH) {
		// Whole group already gone.
		return nil
	}
	if err != nil {
		return fmt.Errorf("signal group %d: %w", pid, err)
	}
	return nil
}

// KillGroup sends SIGKILL to the child's process group.
func (c *Child) KillGroup() error {
	return c.SignalGroup(unix.SIGKILL)
}

// Runtime returns how long the child has been running.
func (c *Child) Runtime() time.Duration {
	if c.Started.IsZero() {
		return 0
	}
	return time.Since(c.Started)
}

func (c *Child) waitLoop() {
	err := c.Cmd.Wait()

	code := 1
	if ps := c.Cmd.ProcessState; ps != nil {
		code = StatusCode(ps)
	}
	var waitErr error
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		waitErr = fmt.Errorf("wait %s: %w", c.Name(), err)
	}

	c.mu.Lock()
	c.exitErr = waitErr
	c.mu.Unlock()

	c.exitCode.Store(int32(code))
	close(c.done)
}

// StatusCode maps a process state to a shell-style exit code.
func StatusCode(ps interface{ Sys() any }) int {
	status, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		return 1
	}
	if status.Signaled() {
		return 128 + int(status.Signal())
	}
	return status.ExitStatus()
}
