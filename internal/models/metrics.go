// Package models defines the metric data structures used throughout toptle.
// Snapshots and tree samples are values: each sampling tick produces a new set
// and nothing holds on to a process beyond its identifier.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Metric identifies one displayable resource metric.
type Metric int

// Canonical display order. Rendering always follows this order regardless of
// the order the user asked for.
const (
	MetricCPU Metric = iota
	MetricRAM
	MetricDisk
	MetricNet
	MetricFiles
	MetricThreads
	MetricProcs
)

// AllMetrics lists every metric in canonical order.
var AllMetrics = []Metric{
	MetricCPU, MetricRAM, MetricDisk, MetricNet, MetricFiles, MetricThreads, MetricProcs,
}

// DefaultMetrics is the metric set shown when none is configured.
var DefaultMetrics = []Metric{MetricCPU, MetricRAM}

var metricNames = map[Metric]string{
	MetricCPU:     "cpu",
	MetricRAM:     "ram",
	MetricDisk:    "disk",
	MetricNet:     "net",
	MetricFiles:   "files",
	MetricThreads: "threads",
	MetricProcs:   "procs",
}

// String returns the token used for the metric on the command line.
func (m Metric) String() string {
	if name, ok := metricNames[m]; ok {
		return name
	}
	return fmt.Sprintf("metric(%d)", int(m))
}

// ParseMetrics parses a comma-separated metric list such as "cpu,ram" or
// "all". The result is deduplicated and sorted into canonical order.
// Unknown tokens are an error.
func ParseMetrics(list string) ([]Metric, error) {
	want := make(map[Metric]bool)
	for _, raw := range strings.Split(list, ",") {
		token := strings.ToLower(strings.TrimSpace(raw))
		if token == "" {
			continue
		}
		if token == "all" {
			for _, m := range AllMetrics {
				want[m] = true
			}
			continue
		}
		m, ok := lookupMetric(token)
		if !ok {
			return nil, fmt.Errorf("unknown metric %q (valid: cpu, ram, disk, net, files, threads, procs, all)", token)
		}
		want[m] = true
	}
	if len(want) == 0 {
		return nil, fmt.Errorf("empty metric list")
	}

	result := make([]Metric, 0, len(want))
	for _, m := range AllMetrics {
		if want[m] {
			result = append(result, m)
		}
	}
	return result, nil
}

// FormatMetrics is the inverse of ParseMetrics.
func FormatMetrics(metrics []Metric) string {
	names := make([]string, len(metrics))
	for i, m := range metrics {
		names[i] = m.String()
	}
	return strings.Join(names, ",")
}

func lookupMetric(token string) (Metric, bool) {
	for m, name := range metricNames {
		if name == token {
			return m, true
		}
	}
	return 0, false
}

// ProcessSnapshot is the point-in-time state of a single process.
type ProcessSnapshot struct {
	PID        int32   `json:"pid"`
	PPID       int32   `json:"ppid"`
	CPUTime    float64 `json:"cpu_time"` // user+system seconds
	RSS        uint64  `json:"rss"`
	ReadBytes  uint64  `json:"read_bytes"`
	WriteBytes uint64  `json:"write_bytes"`
	Threads    int32   `json:"threads"`
	OpenFiles  int32   `json:"open_files"`
}

// NetCounters holds system-wide cumulative network byte counters.
type NetCounters struct {
	BytesRecv uint64 `json:"bytes_recv"`
	BytesSent uint64 `json:"bytes_sent"`
}

// TreeSample aggregates the snapshots of a root process and all of its
// descendants at one instant. Rate fields are zero when no previous sample
// was available.
type TreeSample struct {
	Timestamp time.Time         `json:"timestamp"`
	RootPID   int32             `json:"root_pid"`
	Processes []ProcessSnapshot `json:"processes"`
	Net       NetCounters       `json:"net"`
	HasNet    bool              `json:"has_net"`

	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	DiskReadKBps  float64 `json:"disk_read_kbps"`
	DiskWriteKBps float64 `json:"disk_write_kbps"`
	NetRecvKBps   float64 `json:"net_recv_kbps"`
	NetSentKBps   float64 `json:"net_sent_kbps"`
	OpenFiles     int     `json:"open_files"`
	Threads       int     `json:"threads"`
	ProcessCount  int     `json:"process_count"`
}
