// Package collector samples the resource usage of a process tree.
// The tree is re-enumerated from its root on every tick; lookups that fail
// because a process exited in the meantime are expected and contribute zero.
package collector

import (
	"context"
	"errors"

	"github.com/Guliveer/toptle/internal/models"
)

// ErrProcessGone is returned by a ProcessTable when a process no longer exists
// (or can no longer be read) at the time of the lookup.
var ErrProcessGone = errors.New("process gone")

// Fields selects which optional per-process counters a snapshot should read.
// CPU time, RSS and parent pid are always read.
type Fields uint8

const (
	FieldIO Fields = 1 << iota
	FieldThreads
	FieldFiles
)

// Has reports whether f includes all bits of other.
func (f Fields) Has(other Fields) bool { return f&other == other }

// FieldsFor returns the fields needed to render the given metrics.
func FieldsFor(metrics []models.Metric) Fields {
	var f Fields
	for _, m := range metrics {
		switch m {
		case models.MetricDisk:
			f |= FieldIO
		case models.MetricThreads:
			f |= FieldThreads
		case models.MetricFiles:
			f |= FieldFiles
		}
	}
	return f
}

// ProcessTable is a view over the operating system's process table.
type ProcessTable interface {
	// Parents returns the parent pid of every visible process, keyed by pid.
	Parents(ctx context.Context) (map[int32]int32, error)

	// Snapshot reads one process. It returns ErrProcessGone (possibly
	// wrapped) when the process vanished.
	Snapshot(ctx context.Context, pid int32, fields Fields) (models.ProcessSnapshot, error)
}

// NetSource reports cumulative system-wide network counters.
type NetSource interface {
	Counters(ctx context.Context) (models.NetCounters, error)
}

// Sampler produces one TreeSample per call for the tree rooted at pid.
type Sampler interface {
	Sample(ctx context.Context, rootPID int32) models.TreeSample
}
