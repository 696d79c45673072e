package sampler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/skobkin/amdgpu-usage/internal/fdinfo"
	"github.com/skobkin/amdgpu-usage/internal/gpu"
	"github.com/skobkin/amdgpu-usage/internal/gpumetrics"
	"github.com/skobkin/amdgpu-usage/internal/procscan"
)

// MonitorOptions selects which collectors a Monitor runs.
type MonitorOptions struct {
	ProcRoot      string
	ProcEnable    bool
	Proc          procscan.Options
	Retention     fdinfo.Retention
	MetricsEnable bool
}

// Monitor polls one GPU: process discovery, the fdinfo engine and the
// gpu_metrics decoder. It is not safe for concurrent use; the Manager runs
// each Monitor on its own goroutine.
type Monitor struct {
	info    gpu.Info
	scanner *procscan.Scanner
	engine  *fdinfo.Engine
	decoder *gpumetrics.Decoder
	device  deviceReader
	logger  *slog.Logger

	lastPoll     time.Time
	lastSamples  []fdinfo.Sample
	metricsError bool
}

// PollResult carries everything one Monitor poll produced.
type PollResult struct {
	Interval  time.Duration
	Samples   []fdinfo.Sample
	Telemetry gpumetrics.Metrics
	Device    DeviceUsage
}

// NewMonitor builds the collectors for info. Collectors that cannot be set
// up are logged and left out rather than failing the whole GPU.
func NewMonitor(info gpu.Info, opts MonitorOptions, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("gpu_id", info.ID)

	m := &Monitor{
		info:   info,
		device: deviceReader{devicePath: info.DevicePath, logger: logger},
		logger: logger,
	}

	if opts.ProcEnable {
		scanner, err := procscan.NewScanner(opts.ProcRoot, info.DeviceNodes(), opts.Proc, logger.With("component", "procscan"))
		if err != nil {
			logger.Warn("process sampling disabled", "err", err)
		} else {
			engine, err := fdinfo.NewEngine(opts.ProcRoot, opts.Retention, logger.With("component", "fdinfo_engine"))
			if err != nil {
				return nil, fmt.Errorf("init fdinfo engine for %s: %w", info.ID, err)
			}
			m.scanner = scanner
			m.engine = engine
		}
	}

	if opts.MetricsEnable {
		if info.MetricsPath == "" {
			logger.Info("gpu_metrics not exposed by driver")
		} else {
			m.decoder = gpumetrics.NewDecoder(info.MetricsPath, logger.With("component", "gpu_metrics"))
		}
	}

	return m, nil
}

// Info returns the GPU this monitor tracks.
func (m *Monitor) Info() gpu.Info {
	return m.info
}

// Poll collects one round. now is the wall-clock time of this poll; the
// elapsed time since the previous successful process scan becomes the rate
// interval (zero on the first poll). A failed scan leaves the rate baselines
// untouched and repeats the previous samples.
func (m *Monitor) Poll(now time.Time) PollResult {
	var result PollResult
	if !m.lastPoll.IsZero() {
		result.Interval = now.Sub(m.lastPoll)
	}

	if m.scanner == nil {
		m.lastPoll = now
	} else if records, err := m.scanner.Scan(); err != nil {
		m.logger.Warn("process scan failed, keeping previous samples", "err", err)
		result.Samples = slices.Clone(m.lastSamples)
	} else {
		m.lastPoll = now
		result.Samples = m.engine.Poll(records, result.Interval)
		m.lastSamples = slices.Clone(result.Samples)
	}

	if m.decoder != nil {
		if err := m.decoder.Update(); err != nil {
			if !m.metricsError {
				m.logger.Warn("gpu_metrics update failed, keeping previous snapshot", "path", m.decoder.Path(), "err", err)
			}
			m.metricsError = true
		} else {
			if m.metricsError {
				m.logger.Info("gpu_metrics update recovered", "path", m.decoder.Path())
			}
			m.metricsError = false
		}
		result.Telemetry = m.decoder.Metrics()
	}

	result.Device = m.device.read()
	return result
}

// Close releases the proc root handle.
func (m *Monitor) Close() error {
	var errs []error
	if m.engine != nil {
		if err := m.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close fdinfo engine: %w", err))
		}
	}
	return errors.Join(errs...)
}
