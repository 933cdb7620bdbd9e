package supervisor

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Guliveer/toptle/internal/process"
	"github.com/Guliveer/toptle/internal/terminal"
)

// jobControl mirrors a foreground child's job-control stops onto toptle, the
// way an interactive shell does. When the child is stopped from the keyboard
// the terminal goes back to toptle's group and toptle stops itself, so the
// parent shell sees the job suspend. On SIGCONT the terminal is handed back
// and the child's group is continued.
type jobControl struct {
	tty    *os.File
	child  *process.Child
	logger *zap.Logger

	sigs chan os.Signal
	quit chan struct{}
	done chan struct{}
}

// newJobControl subscribes to SIGCHLD. It must be called before the child is
// started so that no stop can be missed.
func newJobControl(tty *os.File, child *process.Child, logger *zap.Logger) *jobControl {
	j := &jobControl{
		tty:    tty,
		child:  child,
		logger: logger,
		sigs:   make(chan os.Signal, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	signal.Notify(j.sigs, syscall.SIGCHLD)
	return j
}

// watch handles stops until the child exits or stop is called.
func (j *jobControl) watch(ctx context.Context) {
	defer close(j.done)
	for {
		select {
		case <-j.sigs:
		case <-j.child.Done():
			return
		case <-j.quit:
			return
		}
		stopped, err := j.child.Stopped(ctx)
		if err != nil {
			j.logger.Debug("Failed to read child state", zap.Error(err))
			continue
		}
		if stopped {
			j.suspend()
		}
	}
}

func (j *jobControl) suspend() {
	pid := j.child.PID()
	j.logger.Debug("Child stopped, suspending", zap.Int32("pid", pid))
	if err := terminal.Reclaim(j.tty); err != nil {
		j.logger.Warn("Failed to reclaim terminal foreground", zap.Error(err))
	}

	// Execution resumes here once toptle receives SIGCONT.
	if err := unix.Kill(0, unix.SIGSTOP); err != nil {
		j.logger.Warn("Failed to stop toptle", zap.Error(err))
	}

	// Resumed with bg: the child continues in the background.
	if terminal.OwnsForeground(j.tty) {
		if err := terminal.SetForeground(j.tty, int(pid)); err != nil {
			j.logger.Warn("Failed to hand terminal to child", zap.Error(err))
		}
	}
	if err := j.child.SignalGroup(unix.SIGCONT); err != nil {
		j.logger.Debug("Failed to continue child group", zap.Error(err))
	}
	j.logger.Debug("Resumed child", zap.Int32("pid", pid))
}

// stop unsubscribes from SIGCHLD and waits for watch to return.
func (j *jobControl) stop() {
	signal.Stop(j.sigs)
	close(j.quit)
	<-j.done
}
