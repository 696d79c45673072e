package sampler

import (
	"slices"
	"time"

	"github.com/skobkin/amdgpu-usage/internal/fdinfo"
	"github.com/skobkin/amdgpu-usage/internal/gpumetrics"
)

// Order is a sort key plus direction for per-process samples.
type Order struct {
	Key     fdinfo.SortKey
	Reverse bool
}

// Snapshot is the published result of one poll of one GPU. Snapshots are
// shared between readers and must be treated as immutable.
type Snapshot struct {
	GPUId      string    `json:"gpu_id"`
	Timestamp  time.Time `json:"ts"`
	IntervalMS int64     `json:"interval_ms"`
	Sort       string    `json:"sort"`
	Reverse    bool      `json:"reverse"`

	Processes []fdinfo.Sample             `json:"processes"`
	Top       map[string]fdinfo.ValueUnit `json:"top"`
	Device    DeviceUsage                 `json:"device"`

	MetricsFormat string                          `json:"metrics_format"`
	Metrics       map[string]gpumetrics.ValueUnit `json:"metrics"`

	// Telemetry is the decoded gpu_metrics snapshot behind Metrics.
	Telemetry gpumetrics.Metrics `json:"-"`
}

// Sorted returns a copy ordered by o. The receiver is left untouched.
func (s Snapshot) Sorted(o Order) Snapshot {
	out := s
	out.Processes = slices.Clone(s.Processes)
	fdinfo.SortSamples(out.Processes, o.Key, o.Reverse)
	out.Sort = o.Key.String()
	out.Reverse = o.Reverse
	out.Top = fdinfo.Top(out.Processes)
	return out
}
