// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/skobkin/amdgpu-usage/internal/config"
	"github.com/skobkin/amdgpu-usage/internal/gpu"
	"github.com/skobkin/amdgpu-usage/internal/httpserver"
	"github.com/skobkin/amdgpu-usage/internal/procscan"
	"github.com/skobkin/amdgpu-usage/internal/sampler"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	gpus, err := gpu.Discover(cfg.SysfsRoot, baseLogger.With("component", "gpu_discovery"))
	if err != nil {
		return fmt.Errorf("discover gpus: %w", err)
	}
	appLogger.Info("discovered GPUs", "count", len(gpus))

	monitors, err := NewMonitors(cfg, gpus, baseLogger)
	if err != nil {
		return err
	}

	samplerManager, err := sampler.NewManager(cfg.SampleInterval, monitors, sampler.Order{Key: cfg.Usage.Sort, Reverse: cfg.Usage.Reverse}, baseLogger)
	if err != nil {
		return fmt.Errorf("init sampler manager: %w", err)
	}
	defer func() {
		if err := samplerManager.Close(); err != nil {
			appLogger.Warn("sampler manager close", "err", err)
		}
	}()

	samplerCtx, samplerCancel := context.WithCancel(ctx)
	defer samplerCancel()

	samplerErrCh := make(chan error, 1)
	go func() {
		samplerErrCh <- samplerManager.Run(samplerCtx)
	}()

	kernel := KernelVersion(ctx, appLogger)
	srv := httpserver.New(cfg, baseLogger.With("component", "http"), gpus, samplerManager, kernel)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr, "kernel", kernel)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// waitSampler collects the sampler result once it has been told to stop.
	waitSampler := func() error {
		samplerCancel()
		if samplerErrCh == nil {
			return nil
		}
		if err := <-samplerErrCh; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	for {
		select {
		case err := <-errCh:
			if err != nil {
				samplerCancel()
				return err
			}
			return waitSampler()
		case err := <-samplerErrCh:
			samplerErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			if err := waitSampler(); err != nil {
				return err
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}

// NewMonitors builds one sampler monitor per GPU from the configuration.
// Monitors built before a failure are closed.
func NewMonitors(cfg config.Config, gpus []gpu.Info, baseLogger *slog.Logger) (map[string]*sampler.Monitor, error) {
	opts := sampler.MonitorOptions{
		ProcRoot:   cfg.ProcRoot,
		ProcEnable: cfg.Proc.Enable,
		Proc: procscan.Options{
			MaxPIDs:      cfg.Proc.MaxPIDs,
			MaxFDsPerPID: cfg.Proc.MaxFDsPerPID,
		},
		Retention:     cfg.Usage.Retention,
		MetricsEnable: cfg.Metrics.Enable,
	}

	monitors := make(map[string]*sampler.Monitor, len(gpus))
	for _, info := range gpus {
		monitor, err := sampler.NewMonitor(info, opts, baseLogger.With("component", "sampler_monitor"))
		if err != nil {
			for _, m := range monitors {
				_ = m.Close()
			}
			return nil, fmt.Errorf("init monitor for %s: %w", info.ID, err)
		}
		monitors[info.ID] = monitor
	}
	return monitors, nil
}

// KernelVersion returns the host kernel release, or "" when it cannot be read.
func KernelVersion(ctx context.Context, logger *slog.Logger) string {
	kernel, err := host.KernelVersionWithContext(ctx)
	if err != nil {
		logger.Debug("failed to read kernel version", "err", err)
		return ""
	}
	return kernel
}
