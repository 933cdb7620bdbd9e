// Package scheduler implements the tick-based sampling loop shared by both
// supervisors. It samples the child's process tree at a configurable interval
// and renders each sample. The scheduler does NOT touch the terminal; it
// invokes a callback with the rendered metrics.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/toptle/internal/collector"
	"github.com/Guliveer/toptle/internal/title"
)

const collectTimeout = 10 * time.Second

// Scheduler manages periodic sampling of one process tree.
type Scheduler struct {
	sampler  collector.Sampler
	renderer *title.Renderer
	interval time.Duration
	logger   *zap.Logger

	onUpdate func(metrics string)
}

// New creates a new Scheduler with the given sampler, renderer, interval, and logger.
func New(sampler collector.Sampler, renderer *title.Renderer, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		sampler:  sampler,
		renderer: renderer,
		interval: interval,
		logger:   logger,
	}
}

// OnUpdate sets the callback invoked with every rendered metrics string.
// The callback runs on the scheduler goroutine.
func (s *Scheduler) OnUpdate(fn func(metrics string)) {
	s.onUpdate = fn
}

// Start begins sampling the tree rooted at pid. It blocks until the context
// is cancelled.
func (s *Scheduler) Start(ctx context.Context, pid int32) {
	// Do an initial collection immediately
	s.Tick(ctx, pid)
	s.Run(ctx, pid)
}

// Run samples on every interval tick, without an initial collection.
// It blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, pid int32) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, pid)
		}
	}
}

// Tick takes one sample with a timeout and publishes its rendering.
func (s *Scheduler) Tick(ctx context.Context, pid int32) {
	collectCtx, cancel := context.WithTimeout(ctx, collectTimeout)
	defer cancel()

	sample := s.sampler.Sample(collectCtx, pid)
	if ctx.Err() != nil {
		return
	}
	metrics := s.renderer.Render(sample)

	s.logger.Debug("Sampled process tree",
		zap.Int32("pid", pid),
		zap.Int("procs", sample.ProcessCount),
		zap.Float64("cpu", sample.CPUPercent),
		zap.Float64("ram_mb", sample.MemoryMB),
	)

	if s.onUpdate != nil {
		s.onUpdate(metrics)
	}
}

// Latest is a capacity-one mailbox that keeps only the most recent value.
// It supports a single producer and a single consumer.
type Latest struct {
	ch chan string
}

// NewLatest creates an empty mailbox.
func NewLatest() *Latest {
	return &Latest{ch: make(chan string, 1)}
}

// Publish replaces any pending value with v. It never blocks.
func (l *Latest) Publish(v string) {
	for {
		select {
		case l.ch <- v:
			return
		default:
		}
		select {
		case <-l.ch:
		default:
		}
	}
}

// C returns the channel the consumer receives from.
func (l *Latest) C() <-chan string {
	return l.ch
}
