// Package title renders tree samples into terminal titles and tracks the
// title state of a supervised run.
package title

import (
	"fmt"
	"math"
	"strings"

	"github.com/Guliveer/toptle/internal/models"
)

// Separator joins the original title and the rendered metrics.
const Separator = " | "

// Renderer formats a TreeSample into "<prefix> <metric>, <metric>, ...".
// Only the configured metrics are rendered, always in canonical order.
type Renderer struct {
	prefix  string
	metrics []models.Metric
}

// NewRenderer creates a renderer. The metric list is copied and re-ordered
// canonically, so callers may pass it in any order.
func NewRenderer(prefix string, metrics []models.Metric) *Renderer {
	want := make(map[models.Metric]bool, len(metrics))
	for _, m := range metrics {
		want[m] = true
	}
	ordered := make([]models.Metric, 0, len(want))
	for _, m := range models.AllMetrics {
		if want[m] {
			ordered = append(ordered, m)
		}
	}
	return &Renderer{prefix: prefix, metrics: ordered}
}

// Render formats the sample. It is a pure function of its inputs.
func (r *Renderer) Render(s models.TreeSample) string {
	parts := make([]string, 0, len(r.metrics))
	for _, m := range r.metrics {
		parts = append(parts, formatMetric(m, s))
	}
	body := strings.Join(parts, ", ")
	if r.prefix == "" {
		return body
	}
	return r.prefix + " " + body
}

func formatMetric(m models.Metric, s models.TreeSample) string {
	switch m {
	case models.MetricCPU:
		return fmt.Sprintf("%.1f%% CPU", s.CPUPercent)
	case models.MetricRAM:
		return fmt.Sprintf("%dMB RAM", whole(s.MemoryMB))
	case models.MetricDisk:
		return fmt.Sprintf("R:%dKB/s W:%dKB/s", whole(s.DiskReadKBps), whole(s.DiskWriteKBps))
	case models.MetricNet:
		return fmt.Sprintf("↓%dKB/s ↑%dKB/s", whole(s.NetRecvKBps), whole(s.NetSentKBps))
	case models.MetricFiles:
		return fmt.Sprintf("%d files", s.OpenFiles)
	case models.MetricThreads:
		return fmt.Sprintf("%d threads", s.Threads)
	case models.MetricProcs:
		return fmt.Sprintf("%d procs", s.ProcessCount)
	default:
		return m.String()
	}
}

// whole rounds a non-negative quantity to the nearest integer for display.
func whole(v float64) int64 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return int64(math.Round(v))
}

// Compose joins an original title with rendered metrics. An empty original
// yields just the metrics, and empty metrics just the original.
func Compose(original, metrics string) string {
	switch {
	case original == "":
		return metrics
	case metrics == "":
		return original
	}
	return original + Separator + metrics
}
