package supervisor

import (
	"context"
	"syscall"

	"go.uber.org/zap"

	"github.com/Guliveer/toptle/internal/process"
	"github.com/Guliveer/toptle/internal/terminal"
	"github.com/Guliveer/toptle/internal/title"
)

// Direct supervises a child connected straight to the standard streams.
// Nothing touches the child's output; titles go to the controlling terminal
// from the scheduler goroutine, which is the only title writer in this mode.
type Direct struct {
	base
}

// NewDirect creates a direct-pipe supervisor.
func NewDirect(opts Options) *Direct {
	return &Direct{base: newBase(opts, "direct")}
}

// Run implements Supervisor.
func (s *Direct) Run(ctx context.Context, child *process.Child) (int, error) {
	child.Cmd.Stdin = s.term.In
	child.Cmd.Stdout = s.term.Out
	child.Cmd.Stderr = s.term.Err

	// The child gets its own process group so signals can reach the whole
	// tree. When we hold the foreground of our controlling terminal, that
	// group takes it over, or the child would be stopped on terminal input.
	// Stdin may be redirected while the terminal is still ours.
	attr := &syscall.SysProcAttr{Setpgid: true}
	tty := s.term.TTY
	foreground := tty != nil && terminal.OwnsForeground(tty)
	if foreground {
		attr.Foreground = true
		attr.Ctty = int(tty.Fd())

		jobs := newJobControl(tty, child, s.logger)
		go jobs.watch(ctx)
		defer func() {
			jobs.stop()
			if err := terminal.Reclaim(tty); err != nil {
				s.logger.Warn("Failed to reclaim terminal foreground", zap.Error(err))
			}
		}()
	}
	child.Cmd.SysProcAttr = attr

	if err := child.Start(); err != nil {
		return 127, err
	}
	pid := child.PID()

	sink, sinkName := s.sink, "custom"
	if sink == nil {
		ws, name := terminal.OpenTitleSink(s.term.Out)
		defer ws.Close()
		sink, sinkName = ws, name
	}
	s.logger.Debug("Started child",
		zap.String("command", child.Name()),
		zap.Int32("pid", pid),
		zap.Bool("foreground", foreground),
		zap.String("title_sink", sinkName),
	)

	state := title.NewState(title.NewWriter(sink), title.Synthesize(child.Argv))
	s.sched.OnUpdate(func(metrics string) {
		if _, err := state.Update(metrics); err != nil {
			s.logger.Debug("Failed to write title", zap.Error(err))
		}
	})

	schedCtx, stopSched := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		s.sched.Start(schedCtx, pid)
	}()

	select {
	case <-child.Done():
	case <-ctx.Done():
		if err := child.KillGroup(); err != nil {
			s.logger.Debug("Failed to kill child group", zap.Error(err))
		}
		<-child.Done()
	}

	// No title may be written once Run returns.
	stopSched()
	<-schedDone

	return child.Wait()
}
