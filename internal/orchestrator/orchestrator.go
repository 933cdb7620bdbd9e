// Package orchestrator owns one toptle run: it classifies the command,
// picks a supervisor, forwards termination signals to the child's process
// group and restores the terminal on every exit path.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/toptle/internal/classify"
	"github.com/Guliveer/toptle/internal/collector"
	"github.com/Guliveer/toptle/internal/config"
	"github.com/Guliveer/toptle/internal/process"
	"github.com/Guliveer/toptle/internal/supervisor"
	"github.com/Guliveer/toptle/internal/terminal"
	"github.com/Guliveer/toptle/internal/title"
)

// Exit codes that do not come from the child.
const (
	ExitInternal = 1
	ExitSpawn    = 127
)

// ForwardedSignals are relayed to the child's process group.
var ForwardedSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

// Orchestrator runs a command under the supervisor its classification calls for.
type Orchestrator struct {
	cfg    *config.Config
	term   *terminal.Terminal
	policy classify.Policy
	logger *zap.Logger

	signals   <-chan os.Signal
	sampler   collector.Sampler
	titleSink io.Writer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy replaces the default classification policy.
func WithPolicy(p classify.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithSignals delivers termination signals from ch instead of the OS.
func WithSignals(ch <-chan os.Signal) Option {
	return func(o *Orchestrator) { o.signals = ch }
}

// WithSampler replaces the process-tree sampler.
func WithSampler(s collector.Sampler) Option {
	return func(o *Orchestrator) { o.sampler = s }
}

// WithTitleSink sends out-of-band titles, including the final reset, to w
// instead of the controlling terminal.
func WithTitleSink(w io.Writer) Option {
	return func(o *Orchestrator) { o.titleSink = w }
}

// New creates an Orchestrator for a validated configuration.
func New(cfg *config.Config, term *terminal.Terminal, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:    cfg,
		term:   term,
		policy: classify.Default,
		logger: logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run supervises argv to completion and returns the exit code toptle should
// exit with: the child's code (128+n if it died from signal n), ExitSpawn
// when it could not be started, or ExitInternal on PTY or internal failure.
func (o *Orchestrator) Run(ctx context.Context, argv []string) (code int, err error) {
	defer o.cleanup()

	mode := classify.Decide(o.policy, o.cfg.Mode, argv, o.term.IsTerminal())
	o.logger.Debug("Classified command",
		zap.Strings("argv", argv),
		zap.Stringer("mode", mode),
		zap.String("override", string(o.cfg.Mode)),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	child := process.New(argv)
	stopForwarding := o.forwardSignals(child, cancel)
	defer stopForwarding()

	code, err = o.strategy(mode).Run(ctx, child)
	if errors.Is(err, supervisor.ErrPTYUnavailable) && o.cfg.FallbackDirect {
		// The child was not started, so it can run under the other strategy.
		o.logger.Warn("PTY unavailable, falling back to direct mode", zap.Error(err))
		code, err = o.strategy(classify.Direct).Run(ctx, child)
	}

	switch {
	case errors.Is(err, process.ErrSpawn):
		return ExitSpawn, err
	case errors.Is(err, supervisor.ErrPTYUnavailable):
		return ExitInternal, err
	case err != nil:
		if code <= 0 {
			code = ExitInternal
		}
		return code, err
	}

	o.logger.Debug("Child exited",
		zap.Int("code", code),
		zap.Duration("runtime", child.Runtime()),
	)
	return code, nil
}

func (o *Orchestrator) strategy(mode classify.Mode) supervisor.Supervisor {
	opts := supervisor.Options{
		Config:    o.cfg,
		Terminal:  o.term,
		Sampler:   o.sampler,
		TitleSink: o.titleSink,
		Logger:    o.logger,
	}
	if mode == classify.Interactive {
		return supervisor.NewPTY(opts)
	}
	return supervisor.NewDirect(opts)
}

// forwardSignals relays termination signals to the child's process group
// and escalates to SIGKILL when the child outlives the grace period. A signal
// arriving before the child started cancels the run instead.
func (o *Orchestrator) forwardSignals(child *process.Child, cancel context.CancelFunc) (stop func()) {
	sigs := o.signals
	unsubscribe := func() {}
	if sigs == nil {
		ch := make(chan os.Signal, 4)
		signal.Notify(ch, ForwardedSignals...)
		sigs = ch
		unsubscribe = func() { signal.Stop(ch) }
	}

	quit := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		var grace <-chan time.Time
		for {
			select {
			case sig := <-sigs:
				s, ok := sig.(syscall.Signal)
				if !ok {
					continue
				}
				o.logger.Debug("Forwarding signal", zap.Stringer("signal", s))
				err := child.SignalGroup(s)
				if errors.Is(err, process.ErrNotStarted) {
					cancel()
					continue
				}
				if err != nil {
					o.logger.Warn("Failed to forward signal", zap.Stringer("signal", s), zap.Error(err))
				}
				if grace == nil {
					grace = time.After(o.cfg.GracePeriod.Duration)
				}
			case <-grace:
				o.logger.Warn("Child ignored termination, killing process group",
					zap.Duration("grace", o.cfg.GracePeriod.Duration))
				if err := child.KillGroup(); err != nil {
					o.logger.Warn("Failed to kill process group", zap.Error(err))
				}
				grace = nil
			case <-child.Done():
				return
			case <-quit:
				return
			}
		}
	}()

	return func() {
		unsubscribe()
		close(quit)
		<-finished
	}
}

// cleanup restores the terminal mode and resets the title. Failures are
// logged and never change the exit code.
func (o *Orchestrator) cleanup() {
	if err := o.term.Restore(); err != nil {
		o.logger.Warn("Failed to restore terminal", zap.Error(err))
	}
	if o.cfg.ResetTitle == "" {
		return
	}

	sink := o.titleSink
	if sink == nil {
		ws, name := terminal.OpenTitleSink(o.term.Out)
		defer ws.Close()
		if name == "discard" {
			return
		}
		sink = ws
	}
	if err := title.NewWriter(sink).Write(o.cfg.ResetTitle); err != nil {
		o.logger.Warn("Failed to reset title", zap.Error(err))
	}
}
