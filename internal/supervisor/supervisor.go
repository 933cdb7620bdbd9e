// Package supervisor runs a child command while keeping the terminal title
// updated with the resource usage of its process tree.
//
// Two strategies implement the same contract: PTY attaches the child to a
// pseudo-terminal and rewrites its title sequences in-band; Direct connects
// the child's standard streams straight through and writes titles
// out-of-band on a timer.
package supervisor

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/toptle/internal/collector"
	"github.com/Guliveer/toptle/internal/config"
	"github.com/Guliveer/toptle/internal/process"
	"github.com/Guliveer/toptle/internal/scheduler"
	"github.com/Guliveer/toptle/internal/terminal"
	"github.com/Guliveer/toptle/internal/title"
)

// ErrPTYUnavailable is returned when no pseudo-terminal could be allocated.
// The child has not been started when it is returned.
var ErrPTYUnavailable = errors.New("pty unavailable")

// Supervisor runs a prepared child to completion.
type Supervisor interface {
	// Run starts child, supervises it until it exits and returns its exit
	// code. Cancelling ctx kills the child's process group. Spawn failures
	// wrap process.ErrSpawn.
	Run(ctx context.Context, child *process.Child) (int, error)
}

// Options are shared by both strategies.
type Options struct {
	Config   *config.Config
	Terminal *terminal.Terminal

	// Sampler defaults to a gopsutil-backed tree sampler for the configured
	// metrics.
	Sampler collector.Sampler

	// TitleSink receives out-of-band titles in direct mode. It defaults to
	// terminal.OpenTitleSink.
	TitleSink io.Writer

	Logger *zap.Logger
}

// base holds what both strategies need to render titles.
type base struct {
	cfg    *config.Config
	term   *terminal.Terminal
	sched  *scheduler.Scheduler
	sink   io.Writer
	logger *zap.Logger
}

func newBase(opts Options, name string) base {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named(name)

	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	term := opts.Terminal
	if term == nil {
		term = terminal.Std()
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = collector.NewSystemSampler(cfg.Metrics, logger.Named("collector"))
	}

	renderer := title.NewRenderer(cfg.Prefix, cfg.Metrics)
	return base{
		cfg:    cfg,
		term:   term,
		sched:  scheduler.New(sampler, renderer, cfg.Interval.Duration, logger.Named("scheduler")),
		sink:   opts.TitleSink,
		logger: logger,
	}
}

// drainTimeout bounds how long output is still forwarded after the child
// exited, while descendants may hold the terminal open.
const drainTimeout = 500 * time.Millisecond
