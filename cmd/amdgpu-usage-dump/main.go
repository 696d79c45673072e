// Command amdgpu-usage-dump polls amdgpu devices a fixed number of times and
// prints the per-process usage table and gpu_metrics telemetry.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/skobkin/amdgpu-usage/internal/app"
	"github.com/skobkin/amdgpu-usage/internal/config"
	"github.com/skobkin/amdgpu-usage/internal/fdinfo"
	"github.com/skobkin/amdgpu-usage/internal/gpu"
	"github.com/skobkin/amdgpu-usage/internal/gpumetrics"
	"github.com/skobkin/amdgpu-usage/internal/sampler"
)

type options struct {
	sysfsRoot  string
	procRoot   string
	gpuFilter  string
	jsonOutput bool
	count      int
	interval   time.Duration
	sort       string
	reverse    bool
	noProcs    bool
	noMetrics  bool
	verbose    bool
}

// parseFlags uses the loaded configuration as flag defaults.
func parseFlags(args []string, cfg config.Config, stderr io.Writer) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("amdgpu-usage-dump", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&opts.sysfsRoot, "sysfs", cfg.SysfsRoot, "path to sysfs root")
	flags.StringVar(&opts.procRoot, "proc", cfg.ProcRoot, "path to procfs root")
	flags.StringVarP(&opts.gpuFilter, "gpu", "g", "", "limit output to one GPU id (e.g. card0)")
	flags.BoolVarP(&opts.jsonOutput, "json", "j", false, "emit one JSON snapshot per GPU and poll")
	flags.IntVarP(&opts.count, "count", "n", 2, "number of polls; rates need at least two")
	flags.DurationVarP(&opts.interval, "interval", "i", time.Second, "time between polls")
	flags.StringVarP(&opts.sort, "sort", "s", cfg.Usage.Sort.String(), "process order: pid, vram, gfx or media")
	flags.BoolVarP(&opts.reverse, "reverse", "r", cfg.Usage.Reverse, "ascending instead of descending order")
	flags.BoolVar(&opts.noProcs, "no-procs", !cfg.Proc.Enable, "skip per-process sampling")
	flags.BoolVar(&opts.noMetrics, "no-metrics", !cfg.Metrics.Enable, "skip gpu_metrics decoding")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	if opts.count < 1 {
		return options{}, fmt.Errorf("--count must be >= 1")
	}
	if opts.interval <= 0 {
		return options{}, fmt.Errorf("--interval must be > 0")
	}
	return opts, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "amdgpu-usage-dump: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	opts, err := parseFlags(args, cfg, stderr)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	order := sampler.Order{Reverse: opts.reverse}
	if order.Key, err = fdinfo.ParseSortKey(opts.sort); err != nil {
		return err
	}

	cfg.SysfsRoot = opts.sysfsRoot
	cfg.ProcRoot = opts.procRoot
	cfg.Proc.Enable = !opts.noProcs
	cfg.Metrics.Enable = !opts.noMetrics

	infos, err := gpu.Discover(cfg.SysfsRoot, logger.With("component", "gpu_discovery"))
	if err != nil {
		return fmt.Errorf("discover gpus: %w", err)
	}
	infos = filterGPUs(infos, opts.gpuFilter)
	if len(infos) == 0 {
		return fmt.Errorf("no matching GPUs found under %s", cfg.SysfsRoot)
	}

	monitors, err := app.NewMonitors(cfg, infos, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, m := range monitors {
			_ = m.Close()
		}
	}()

	d := dumper{out: stdout, json: opts.jsonOutput}
	for i := range opts.count {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(opts.interval):
			}
		}
		now := time.Now()
		for _, info := range infos {
			snapshot := sampler.BuildSnapshot(info.ID, now, monitors[info.ID].Poll(now), order)
			// The first poll only primes the rate baselines.
			if opts.count > 1 && i == 0 {
				continue
			}
			if err := d.write(info, snapshot); err != nil {
				return err
			}
		}
	}
	return nil
}

func filterGPUs(infos []gpu.Info, id string) []gpu.Info {
	if id == "" {
		return infos
	}
	for _, info := range infos {
		if info.ID == id {
			return []gpu.Info{info}
		}
	}
	return nil
}

type dumper struct {
	out  io.Writer
	json bool
}

func (d dumper) write(info gpu.Info, snapshot sampler.Snapshot) error {
	if d.json {
		return json.NewEncoder(d.out).Encode(snapshot)
	}

	name := info.Name
	if name == "" {
		name = info.PCIID
	}
	if _, err := fmt.Fprintf(d.out, "== %s %s [%s] %s ==\n", info.ID, name, snapshot.MetricsFormat, snapshot.Timestamp.Format(time.RFC3339)); err != nil {
		return err
	}
	if err := gpumetrics.WriteText(d.out, snapshot.Telemetry); err != nil {
		return err
	}
	if err := fdinfo.WriteTable(d.out, snapshot.Processes); err != nil {
		return err
	}
	_, err := fmt.Fprintln(d.out)
	return err
}
