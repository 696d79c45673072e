package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cast"

	"github.com/skobkin/amdgpu-usage/internal/config"
	"github.com/skobkin/amdgpu-usage/internal/fdinfo"
	"github.com/skobkin/amdgpu-usage/internal/gpu"
	"github.com/skobkin/amdgpu-usage/internal/gpumetrics"
	"github.com/skobkin/amdgpu-usage/internal/sampler"
	"github.com/skobkin/amdgpu-usage/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
)

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	gpus       []gpu.Info
	gpuIndex   map[string]gpu.Info
	sampler    *sampler.Manager
	kernel     string

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers. kernel is the host kernel release
// reported to clients; it may be empty.
func New(cfg config.Config, logger *slog.Logger, gpus []gpu.Info, samplerManager *sampler.Manager, kernel string) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		gpus:     gpus,
		gpuIndex: make(map[string]gpu.Info, len(gpus)),
		sampler:  samplerManager,
		kernel:   kernel,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	for _, info := range gpus {
		s.gpuIndex[info.ID] = info
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/gpus", s.handleAPIGPUs)
	mux.HandleFunc("/api/gpus/", s.handleAPIGPUSubresource)
	mux.HandleFunc("/ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	info := s.readiness()
	logger := s.loggerFromContext(r.Context())

	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(info); err != nil {
		logger.Error("failed to encode readyz response", "err", err)
	}
}

type versionResponse struct {
	version.Info
	Kernel string `json:"kernel,omitempty"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	s.writeJSON(w, r, versionResponse{Info: version.Current(), Kernel: s.kernel}, "version")
}

func (s *Server) handleAPIGPUs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	gpus := s.gpus
	if gpus == nil {
		gpus = []gpu.Info{}
	}
	s.writeJSON(w, r, gpus, "gpu list")
}

// handleAPIGPUSubresource serves /api/gpus/{id}/{procs,metrics}[/{top,text}].
func (s *Server) handleAPIGPUSubresource(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	const prefix = "/api/gpus/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	segments := strings.Split(rest, "/")
	if len(segments) < 2 || len(segments) > 3 || segments[0] == "" {
		http.NotFound(w, r)
		return
	}

	gpuID := segments[0]
	if _, ok := s.gpuIndex[gpuID]; !ok {
		http.NotFound(w, r)
		return
	}
	view := ""
	if len(segments) == 3 {
		view = segments[2]
	}

	switch segments[1] {
	case "procs":
		s.serveGPUProcs(w, r, gpuID, view)
	case "metrics":
		s.serveGPUMetrics(w, r, gpuID, view)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) latest(w http.ResponseWriter, gpuID string) (sampler.Snapshot, bool) {
	if s.sampler == nil {
		http.Error(w, "sampler unavailable", http.StatusServiceUnavailable)
		return sampler.Snapshot{}, false
	}
	snapshot, ok := s.sampler.Latest(gpuID)
	if !ok {
		http.Error(w, "no sample available", http.StatusServiceUnavailable)
		return sampler.Snapshot{}, false
	}
	return snapshot, true
}

type procsResponse struct {
	GPUId      string          `json:"gpu_id"`
	Timestamp  time.Time       `json:"ts"`
	IntervalMS int64           `json:"interval_ms"`
	Sort       string          `json:"sort"`
	Reverse    bool            `json:"reverse"`
	Processes  []fdinfo.Sample `json:"processes"`
}

func (s *Server) serveGPUProcs(w http.ResponseWriter, r *http.Request, gpuID, view string) {
	if view != "" && view != "top" && view != "text" {
		http.NotFound(w, r)
		return
	}

	snapshot, ok := s.latest(w, gpuID)
	if !ok {
		return
	}

	order, err := parseOrder(r, s.sampler.Order())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if order != s.sampler.Order() {
		snapshot = snapshot.Sorted(order)
	}

	switch view {
	case "top":
		s.writeJSON(w, r, snapshot.Top, "top process")
	case "text":
		s.writeText(w, r, func(buf *strings.Builder) error {
			return fdinfo.WriteTable(buf, snapshot.Processes)
		})
	default:
		s.writeJSON(w, r, procsResponse{
			GPUId:      snapshot.GPUId,
			Timestamp:  snapshot.Timestamp,
			IntervalMS: snapshot.IntervalMS,
			Sort:       snapshot.Sort,
			Reverse:    snapshot.Reverse,
			Processes:  snapshot.Processes,
		}, "gpu process data")
	}
}

type metricsResponse struct {
	GPUId     string                          `json:"gpu_id"`
	Timestamp time.Time                       `json:"ts"`
	Format    string                          `json:"format"`
	Family    string                          `json:"family"`
	Metrics   map[string]gpumetrics.ValueUnit `json:"metrics"`
	Device    sampler.DeviceUsage             `json:"device"`
}

func (s *Server) serveGPUMetrics(w http.ResponseWriter, r *http.Request, gpuID, view string) {
	if view != "" && view != "text" {
		http.NotFound(w, r)
		return
	}

	snapshot, ok := s.latest(w, gpuID)
	if !ok {
		return
	}

	if view == "text" {
		s.writeText(w, r, func(buf *strings.Builder) error {
			return gpumetrics.WriteText(buf, snapshot.Telemetry)
		})
		return
	}

	s.writeJSON(w, r, metricsResponse{
		GPUId:     snapshot.GPUId,
		Timestamp: snapshot.Timestamp,
		Format:    snapshot.MetricsFormat,
		Family:    snapshot.Telemetry.Family().String(),
		Metrics:   snapshot.Metrics,
		Device:    snapshot.Device,
	}, "gpu metrics")
}

// parseOrder reads ?sort= and ?reverse=, falling back to def for absent values.
func parseOrder(r *http.Request, def sampler.Order) (sampler.Order, error) {
	order := def
	query := r.URL.Query()
	if raw := query.Get("sort"); raw != "" {
		key, err := fdinfo.ParseSortKey(raw)
		if err != nil {
			return sampler.Order{}, err
		}
		order.Key = key
	}
	if raw := query.Get("reverse"); raw != "" {
		reverse, err := cast.ToBoolE(raw)
		if err != nil {
			return sampler.Order{}, fmt.Errorf("invalid reverse %q", raw)
		}
		order.Reverse = reverse
	}
	return order, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, payload any, what string) {
	logger := s.loggerFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode "+what, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) writeText(w http.ResponseWriter, r *http.Request, render func(*strings.Builder) error) {
	logger := s.loggerFromContext(r.Context())
	var buf strings.Builder
	if err := render(&buf); err != nil {
		logger.Error("failed to render text", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(buf.String())); err != nil {
		logger.Warn("failed to write text response", "err", err)
	}
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	if usageCollector := newUsageCollector(s.gpus, s.sampler); usageCollector != nil {
		collectors = append(collectors, usageCollector)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func (s *Server) readiness() readyResponse {
	resp := readyResponse{
		GPUs: len(s.gpus),
	}

	if len(s.gpus) == 0 {
		resp.Status = "ok"
		return resp
	}

	if s.sampler == nil {
		resp.Status = "degraded"
		resp.Reason = "sampler_not_configured"
		return resp
	}

	monitors := s.sampler.GPUIDs()
	resp.Monitors = len(monitors)
	if len(monitors) == 0 {
		resp.Status = "degraded"
		resp.Reason = "no_monitors"
		return resp
	}

	if s.sampler.Ready() {
		resp.Status = "ok"
		return resp
	}

	resp.Status = "initializing"
	resp.Reason = "waiting_for_samples"
	return resp
}

type readyResponse struct {
	Status   string `json:"status"`
	GPUs     int    `json:"gpus"`
	Monitors int    `json:"monitors"`
	Reason   string `json:"reason,omitempty"`
}
