// Command amdgpu-usage serves per-process amdgpu usage and gpu_metrics
// telemetry over HTTP, WebSocket and Prometheus.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/skobkin/amdgpu-usage/internal/app"
	"github.com/skobkin/amdgpu-usage/internal/config"
	"github.com/skobkin/amdgpu-usage/internal/version"
)

// Overridden with -ldflags "-X main.buildVersion=...".
var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	cfg, err := config.Load()
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	info := version.Current()
	logger.Info("amdgpu-usage starting",
		"version", info.Version,
		"commit", info.Commit,
		"sample_interval", cfg.SampleInterval,
		"sort", cfg.Usage.Sort,
		"retention", cfg.Usage.Retention,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, logger, cfg); err != nil {
		logger.Error("application error", "err", err)
		os.Exit(1)
	}
}
