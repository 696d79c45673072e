package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/skobkin/amdgpu-usage/internal/fdinfo"
)

const (
	envPrefix      = "APP"
	configFileName = "amdgpu-usage"
)

// Config represents runtime configuration sourced from defaults, an optional
// amdgpu-usage.yaml and APP_* environment variables (highest precedence).
type Config struct {
	ListenAddr       string
	SampleInterval   time.Duration
	AllowedOrigins   []string
	DefaultGPU       string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	SysfsRoot        string
	ProcRoot         string
	WS               WebsocketConfig
	Proc             ProcConfig
	Usage            UsageConfig
	Metrics          MetricsConfig
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// ProcConfig contains settings for per-process usage sampling.
type ProcConfig struct {
	Enable       bool
	MaxPIDs      int
	MaxFDsPerPID int
}

// UsageConfig controls ordering and history of per-process samples.
type UsageConfig struct {
	Sort      fdinfo.SortKey
	Reverse   bool
	Retention fdinfo.Retention
}

// MetricsConfig toggles gpu_metrics decoding.
type MetricsConfig struct {
	Enable bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("sample_interval", 2*time.Second)
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("default_gpu", "auto")
	v.SetDefault("enable_prometheus", false)
	v.SetDefault("enable_pprof", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("sysfs_root", "/sys")
	v.SetDefault("proc_root", "/proc")

	v.SetDefault("ws.max_clients", 1024)
	v.SetDefault("ws.write_timeout", 3*time.Second)
	v.SetDefault("ws.read_timeout", 30*time.Second)

	v.SetDefault("proc.enable", true)
	v.SetDefault("proc.max_pids", 5000)
	v.SetDefault("proc.max_fds_per_pid", 64)

	v.SetDefault("usage.sort", fdinfo.SortPID.String())
	v.SetDefault("usage.reverse", false)
	v.SetDefault("usage.retention", fdinfo.RetainAll.String())

	v.SetDefault("metrics.enable", true)
}

// Load reads configuration, applying defaults. A missing config file is not an error.
func Load() (Config, error) {
	return load(".", "/etc/amdgpu-usage/")
}

func load(configPaths ...string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	// ws.max_clients -> APP_WS_MAX_CLIENTS
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configFileName)
	v.SetConfigType("yaml")
	for _, path := range configPaths {
		v.AddConfigPath(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var (
		cfg Config
		err error
	)

	cfg.ListenAddr = strings.TrimSpace(v.GetString("listen_addr"))
	cfg.DefaultGPU = strings.TrimSpace(v.GetString("default_gpu"))
	cfg.SysfsRoot = strings.TrimSpace(v.GetString("sysfs_root"))
	cfg.ProcRoot = strings.TrimSpace(v.GetString("proc_root"))

	if cfg.SampleInterval, err = positiveDuration(v, "sample_interval"); err != nil {
		return Config{}, err
	}
	if cfg.AllowedOrigins, err = origins(v.Get("allowed_origins")); err != nil {
		return Config{}, err
	}
	if cfg.EnablePrometheus, err = boolean(v, "enable_prometheus"); err != nil {
		return Config{}, err
	}
	if cfg.EnablePprof, err = boolean(v, "enable_pprof"); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(v.GetString("log_level")); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", envName("log_level"), err)
	}

	if cfg.WS.MaxClients, err = positiveInt(v, "ws.max_clients"); err != nil {
		return Config{}, err
	}
	if cfg.WS.WriteTimeout, err = positiveDuration(v, "ws.write_timeout"); err != nil {
		return Config{}, err
	}
	if cfg.WS.ReadTimeout, err = positiveDuration(v, "ws.read_timeout"); err != nil {
		return Config{}, err
	}

	if cfg.Proc.Enable, err = boolean(v, "proc.enable"); err != nil {
		return Config{}, err
	}
	if cfg.Proc.MaxPIDs, err = positiveInt(v, "proc.max_pids"); err != nil {
		return Config{}, err
	}
	if cfg.Proc.MaxFDsPerPID, err = positiveInt(v, "proc.max_fds_per_pid"); err != nil {
		return Config{}, err
	}

	if cfg.Usage.Sort, err = fdinfo.ParseSortKey(v.GetString("usage.sort")); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", envName("usage.sort"), err)
	}
	if cfg.Usage.Reverse, err = boolean(v, "usage.reverse"); err != nil {
		return Config{}, err
	}
	if cfg.Usage.Retention, err = fdinfo.ParseRetention(v.GetString("usage.retention")); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", envName("usage.retention"), err)
	}

	if cfg.Metrics.Enable, err = boolean(v, "metrics.enable"); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func positiveDuration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := cast.ToDurationE(v.Get(key))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", envName(key), err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be > 0", envName(key))
	}
	return d, nil
}

func positiveInt(v *viper.Viper, key string) (int, error) {
	n, err := cast.ToIntE(v.Get(key))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", envName(key), err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0", envName(key))
	}
	return n, nil
}

func boolean(v *viper.Viper, key string) (bool, error) {
	b, err := cast.ToBoolE(v.Get(key))
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", envName(key), err)
	}
	return b, nil
}

func origins(raw any) ([]string, error) {
	var values []string
	switch value := raw.(type) {
	case string:
		values = splitAndTrim(value, ",")
	default:
		list, err := cast.ToStringSliceE(value)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envName("allowed_origins"), err)
		}
		values = splitAndTrim(strings.Join(list, ","), ",")
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s must not be empty", envName("allowed_origins"))
	}
	return values, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
