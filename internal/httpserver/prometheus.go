package httpserver

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/amdgpu-usage/internal/fdinfo"
	"github.com/skobkin/amdgpu-usage/internal/gpu"
	"github.com/skobkin/amdgpu-usage/internal/sampler"
)

const metricsNamespace = "amdgpu_usage"

// usageCollector exports the latest cached snapshot of every GPU. It never
// polls on its own, so a scrape cannot disturb the rate baselines.
type usageCollector struct {
	sampler *sampler.Manager
	gpus    []gpu.Info

	deviceMetrics []deviceMetric

	procVRAM    *prometheus.Desc
	procGTT     *prometheus.Desc
	procEngine  *prometheus.Desc
	procCount   *prometheus.Desc
	telemetry   *prometheus.Desc
	sampleTime  *prometheus.Desc
	sampleAge   *prometheus.Desc
	intervalSec *prometheus.Desc
}

type deviceMetric struct {
	desc    *prometheus.Desc
	extract func(usage sampler.DeviceUsage) *uint64
}

func newUsageCollector(gpus []gpu.Info, samplerManager *sampler.Manager) prometheus.Collector {
	if samplerManager == nil || len(gpus) == 0 {
		return nil
	}

	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, subsystem, name),
			help,
			append([]string{"gpu_id"}, labels...),
			nil,
		)
	}

	return &usageCollector{
		sampler: samplerManager,
		gpus:    append([]gpu.Info(nil), gpus...),
		deviceMetrics: []deviceMetric{
			{
				desc:    desc("gpu", "busy_percent", "Device-wide graphics engine busy percentage."),
				extract: func(u sampler.DeviceUsage) *uint64 { return u.GPUBusyPct },
			},
			{
				desc:    desc("gpu", "vram_used_bytes", "Current VRAM usage in bytes."),
				extract: func(u sampler.DeviceUsage) *uint64 { return u.VRAMUsedBytes },
			},
			{
				desc:    desc("gpu", "vram_total_bytes", "Total VRAM capacity in bytes."),
				extract: func(u sampler.DeviceUsage) *uint64 { return u.VRAMTotalBytes },
			},
			{
				desc:    desc("gpu", "gtt_used_bytes", "Current GTT usage in bytes."),
				extract: func(u sampler.DeviceUsage) *uint64 { return u.GTTUsedBytes },
			},
			{
				desc:    desc("gpu", "gtt_total_bytes", "Total GTT capacity in bytes."),
				extract: func(u sampler.DeviceUsage) *uint64 { return u.GTTTotalBytes },
			},
		},
		procVRAM:    desc("process", "vram_bytes", "VRAM held by the process across its GPU contexts.", "pid", "name"),
		procGTT:     desc("process", "gtt_bytes", "GTT memory held by the process across its GPU contexts.", "pid", "name"),
		procEngine:  desc("process", "engine_busy_percent", "Engine busy time over the last sampling interval.", "pid", "name", "engine"),
		procCount:   desc("gpu", "processes", "Number of processes holding the device open."),
		telemetry:   desc("gpu", "telemetry", "Decoded gpu_metrics quantity; unsupported readings are omitted.", "quantity", "unit"),
		sampleTime:  desc("gpu", "sample_timestamp_seconds", "Unix timestamp of the latest GPU sample."),
		sampleAge:   desc("gpu", "sample_age_seconds", "Seconds elapsed since the latest GPU sample was collected."),
		intervalSec: desc("gpu", "sample_interval_seconds", "Measured wall time between the last two polls."),
	}
}

func (c *usageCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.deviceMetrics {
		ch <- metric.desc
	}
	ch <- c.procVRAM
	ch <- c.procGTT
	ch <- c.procEngine
	ch <- c.procCount
	ch <- c.telemetry
	ch <- c.sampleTime
	ch <- c.sampleAge
	ch <- c.intervalSec
}

func (c *usageCollector) Collect(ch chan<- prometheus.Metric) {
	for _, info := range c.gpus {
		snapshot, ok := c.sampler.Latest(info.ID)
		if !ok {
			continue
		}
		gauge := func(desc *prometheus.Desc, value float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value, append([]string{info.ID}, labels...)...)
		}

		for _, metric := range c.deviceMetrics {
			if value := metric.extract(snapshot.Device); value != nil {
				gauge(metric.desc, float64(*value))
			}
		}

		gauge(c.procCount, float64(len(snapshot.Processes)))
		for _, p := range snapshot.Processes {
			pid := strconv.Itoa(p.PID)
			gauge(c.procVRAM, float64(p.Memory.VRAMKiB*1024), pid, p.Name)
			gauge(c.procGTT, float64(p.Memory.GTTKiB*1024), pid, p.Name)
			for _, engine := range engineRates(p.Rates) {
				gauge(c.procEngine, float64(engine.value), pid, p.Name, engine.name)
			}
		}

		for quantity, reading := range snapshot.Metrics {
			gauge(c.telemetry, float64(reading.Value), quantity, reading.Unit)
		}

		if !snapshot.Timestamp.IsZero() {
			gauge(c.sampleTime, float64(snapshot.Timestamp.Unix()))
			gauge(c.sampleAge, max(time.Since(snapshot.Timestamp).Seconds(), 0))
		}
		gauge(c.intervalSec, float64(snapshot.IntervalMS)/1000)
	}
}

type engineRate struct {
	name  string
	value uint64
}

func engineRates(e fdinfo.Engines) []engineRate {
	return []engineRate{
		{"gfx", e.GFX},
		{"compute", e.Compute},
		{"dma", e.DMA},
		{"dec", e.Dec},
		{"enc", e.Enc},
		{"uvd_enc", e.UVDEnc},
		{"jpeg", e.JPEG},
	}
}
