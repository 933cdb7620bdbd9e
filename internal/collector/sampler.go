package collector

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"

	"github.com/Guliveer/toptle/internal/models"
)

const (
	bytesPerKB = 1024
	bytesPerMB = 1024 * 1024
)

// TreeSampler aggregates metrics over a root process and its descendants.
// It keeps only the previous sample, used as the baseline for rates.
// A TreeSampler is not safe for concurrent use; each supervisor owns one.
type TreeSampler struct {
	table  ProcessTable
	net    NetSource
	fields Fields
	maxCPU float64
	now    func() time.Time
	logger *zap.Logger

	prev *models.TreeSample
}

// Option configures a TreeSampler.
type Option func(*TreeSampler)

// WithClock overrides the wall clock used to timestamp samples.
func WithClock(now func() time.Time) Option {
	return func(s *TreeSampler) { s.now = now }
}

// WithCPUCeiling overrides the CPU percentage clamp (default 100 × logical CPUs).
func WithCPUCeiling(percent float64) Option {
	return func(s *TreeSampler) { s.maxCPU = percent }
}

// NewTreeSampler creates a sampler reading only what the requested metrics
// need. net may be nil, in which case network rates stay at zero.
func NewTreeSampler(table ProcessTable, net NetSource, metrics []models.Metric, logger *zap.Logger, opts ...Option) *TreeSampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &TreeSampler{
		table:  table,
		fields: FieldsFor(metrics),
		maxCPU: 100 * float64(logicalCPUs()),
		now:    time.Now,
		logger: logger,
	}
	for _, m := range metrics {
		if m == models.MetricNet {
			s.net = net
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSystemSampler wires a TreeSampler to the live process table.
func NewSystemSampler(metrics []models.Metric, logger *zap.Logger) *TreeSampler {
	return NewTreeSampler(NewSystemTable(), NewSystemNet(), metrics, logger)
}

// Sample enumerates rootPID and its descendants and aggregates their metrics.
// It never fails: vanished processes contribute zero, and a vanished root
// yields an empty sample.
func (s *TreeSampler) Sample(ctx context.Context, rootPID int32) models.TreeSample {
	sample := models.TreeSample{
		Timestamp: s.now(),
		RootPID:   rootPID,
	}

	for _, pid := range s.treePIDs(ctx, rootPID) {
		snap, err := s.table.Snapshot(ctx, pid, s.fields)
		if err != nil {
			if !errors.Is(err, ErrProcessGone) {
				s.logger.Debug("Process snapshot failed", zap.Int32("pid", pid), zap.Error(err))
			}
			continue
		}
		sample.Processes = append(sample.Processes, snap)
		sample.MemoryMB += float64(snap.RSS) / bytesPerMB
		sample.Threads += int(snap.Threads)
		sample.OpenFiles += int(snap.OpenFiles)
	}
	sample.ProcessCount = len(sample.Processes)

	if s.net != nil {
		counters, err := s.net.Counters(ctx)
		if err != nil {
			s.logger.Debug("Network counters unavailable", zap.Error(err))
		} else {
			sample.Net = counters
			sample.HasNet = true
		}
	}

	if s.prev != nil {
		deriveRates(s.prev, &sample, s.maxCPU)
	}
	s.prev = &sample
	return sample
}

// treePIDs returns rootPID followed by its transitive children in
// breadth-first order. If the process table cannot be enumerated only the
// root is returned.
func (s *TreeSampler) treePIDs(ctx context.Context, rootPID int32) []int32 {
	parents, err := s.table.Parents(ctx)
	if err != nil {
		s.logger.Debug("Process enumeration failed", zap.Error(err))
		return []int32{rootPID}
	}

	children := make(map[int32][]int32, len(parents))
	for pid, ppid := range parents {
		if pid == ppid {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}

	seen := map[int32]bool{rootPID: true}
	pids := []int32{rootPID}
	for i := 0; i < len(pids); i++ {
		for _, child := range children[pids[i]] {
			if seen[child] {
				continue
			}
			seen[child] = true
			pids = append(pids, child)
		}
	}
	return pids
}

// deriveRates fills the rate fields of cur from the deltas against prev.
// Processes absent from prev were born during the interval and contribute
// their whole counters. Negative deltas (pid reuse) count as zero.
func deriveRates(prev, cur *models.TreeSample, maxCPU float64) {
	dt := cur.Timestamp.Sub(prev.Timestamp).Seconds()
	if dt <= 0 {
		return
	}

	base := make(map[int32]models.ProcessSnapshot, len(prev.Processes))
	for _, p := range prev.Processes {
		base[p.PID] = p
	}

	var cpuSeconds float64
	var readBytes, writeBytes uint64
	for _, p := range cur.Processes {
		old := base[p.PID]
		if d := p.CPUTime - old.CPUTime; d > 0 {
			cpuSeconds += d
		}
		readBytes += counterDelta(old.ReadBytes, p.ReadBytes)
		writeBytes += counterDelta(old.WriteBytes, p.WriteBytes)
	}

	cur.CPUPercent = cpuSeconds / dt * 100
	if maxCPU > 0 && cur.CPUPercent > maxCPU {
		cur.CPUPercent = maxCPU
	}
	cur.DiskReadKBps = float64(readBytes) / bytesPerKB / dt
	cur.DiskWriteKBps = float64(writeBytes) / bytesPerKB / dt

	if prev.HasNet && cur.HasNet {
		cur.NetRecvKBps = float64(counterDelta(prev.Net.BytesRecv, cur.Net.BytesRecv)) / bytesPerKB / dt
		cur.NetSentKBps = float64(counterDelta(prev.Net.BytesSent, cur.Net.BytesSent)) / bytesPerKB / dt
	}
}

func counterDelta(old, cur uint64) uint64 {
	if cur < old {
		return 0
	}
	return cur - old
}

func logicalCPUs() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}
