// Network I/O counters: system-wide RX/TX byte totals.
// Per-process network accounting is not reliably available, so the tree
// sampler derives throughput from these machine-wide counters.
package collector

import (
	"context"

	"github.com/shirou/gopsutil/v3/net"

	"github.com/Guliveer/toptle/internal/models"
)

// SystemNet reads aggregate network counters through gopsutil.
type SystemNet struct{}

// NewSystemNet creates a system-wide network counter source.
func NewSystemNet() *SystemNet {
	return &SystemNet{}
}

// Counters returns cumulative bytes received/sent across all interfaces.
func (n *SystemNet) Counters(ctx context.Context) (models.NetCounters, error) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return models.NetCounters{}, err
	}
	if len(counters) == 0 {
		return models.NetCounters{}, nil
	}
	return models.NetCounters{
		BytesRecv: counters[0].BytesRecv,
		BytesSent: counters[0].BytesSent,
	}, nil
}
