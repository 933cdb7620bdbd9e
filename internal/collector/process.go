// Process table backed by gopsutil.
package collector

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Guliveer/toptle/internal/models"
)

// SystemTable reads the live OS process table through gopsutil.
type SystemTable struct{}

// NewSystemTable creates a process table over the running system.
func NewSystemTable() *SystemTable {
	return &SystemTable{}
}

// Parents enumerates all processes and their parent pids. Processes that
// exit during enumeration are silently skipped.
func (t *SystemTable) Parents(ctx context.Context) (map[int32]int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	parents := make(map[int32]int32, len(procs))
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		parents[p.Pid] = ppid
	}
	return parents, nil
}

// Snapshot reads CPU time, RSS and the requested optional counters of pid.
// Optional counters that cannot be read (permissions, platform support) are
// left at zero; only failures on the mandatory fields mean the process is gone.
func (t *SystemTable) Snapshot(ctx context.Context, pid int32, fields Fields) (models.ProcessSnapshot, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return models.ProcessSnapshot{}, fmt.Errorf("pid %d: %w", pid, ErrProcessGone)
	}

	times, err := p.TimesWithContext(ctx)
	if err != nil {
		return models.ProcessSnapshot{}, fmt.Errorf("pid %d times: %w", pid, ErrProcessGone)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return models.ProcessSnapshot{}, fmt.Errorf("pid %d memory: %w", pid, ErrProcessGone)
	}

	snap := models.ProcessSnapshot{
		PID:     pid,
		CPUTime: times.User + times.System,
		RSS:     mem.RSS,
	}
	if ppid, err := p.PpidWithContext(ctx); err == nil {
		snap.PPID = ppid
	}

	if fields.Has(FieldIO) {
		if io, err := p.IOCountersWithContext(ctx); err == nil {
			snap.ReadBytes = io.ReadBytes
			snap.WriteBytes = io.WriteBytes
		}
	}
	if fields.Has(FieldThreads) {
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			snap.Threads = n
		}
	}
	if fields.Has(FieldFiles) {
		if n, err := p.NumFDsWithContext(ctx); err == nil {
			snap.OpenFiles = n
		}
	}

	return snap, nil
}
