package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/naviyanka/lleo/pkg/defaults"
	"github.com/naviyanka/lleo/pkg/dispatcher"
	"github.com/naviyanka/lleo/pkg/duration"
	"github.com/naviyanka/lleo/pkg/events"
)

// Compile-time interface check.
var _ dispatcher.Hook = (*PrometheusHook)(nil)

// sessionStates are the lifecycle states exported as a one-hot gauge.
var sessionStates = []string{"Created", "ToolsResolved", "Running", "Completed", "Aborted"}

// PrometheusHook exposes session metrics for Prometheus scraping.
// Metrics include counters for tool executions and module runs, gauges for
// running modules and session state, and histograms for tool and module
// durations.
type PrometheusHook struct {
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry
	opts     PrometheusOptions

	// Counters
	toolExecutions *prometheus.CounterVec
	toolRetries    *prometheus.CounterVec
	moduleRuns     *prometheus.CounterVec

	// Gauges
	modulesRunning prometheus.Gauge
	sessionState   *prometheus.GaugeVec
	healthStatus   *prometheus.GaugeVec

	// Histograms
	toolDuration   *prometheus.HistogramVec
	moduleDuration *prometheus.HistogramVec

	mu     sync.Mutex
	closed bool
}

// PrometheusOptions configures the Prometheus hook behavior.
type PrometheusOptions struct {
	// Addr is the listen address for the metrics server, e.g. ":9090".
	// Empty means no server is started; use Handler to mount the metrics.
	Addr string

	// Path for the metrics endpoint (default: "/metrics").
	Path string

	// Extra mounts additional handlers on the metrics server, e.g. the
	// health endpoint.
	Extra map[string]http.Handler

	// ReadTimeout for the HTTP server (default: 5s).
	ReadTimeout time.Duration

	// WriteTimeout for the HTTP server (default: 10s).
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// NewPrometheusHook creates a Prometheus hook. When opts.Addr is set the
// metrics server starts immediately and runs until Close is called.
func NewPrometheusHook(opts PrometheusOptions) (*PrometheusHook, error) {
	if opts.Path == "" {
		opts.Path = defaults.MetricsPath
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = duration.ServerRead
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = duration.ServerWrite
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	// Create custom registry (don't pollute default)
	hook := &PrometheusHook{
		registry: prometheus.NewRegistry(),
		opts:     opts,
	}

	if err := hook.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if opts.Addr != "" {
		if err := hook.startServer(); err != nil {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	return hook, nil
}

// initMetrics creates and registers all Prometheus metrics.
func (h *PrometheusHook) initMetrics() error {
	h.toolExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lleo_tool_executions_total",
			Help: "Tool execution results handed to modules",
		},
		[]string{"tool", "outcome", "cached"},
	)

	h.toolRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lleo_tool_retries_total",
			Help: "Extra attempts spent retrying transient tool failures",
		},
		[]string{"tool"},
	)

	h.moduleRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lleo_module_runs_total",
			Help: "Module runs by final status",
		},
		[]string{"module", "capability", "status"},
	)

	h.modulesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lleo_modules_running",
			Help: "Modules currently running",
		},
	)

	h.sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lleo_session_state",
			Help: "Current session lifecycle state (1 for the active state)",
		},
		[]string{"state"},
	)

	h.healthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lleo_health_status",
			Help: "Latest health evaluation (1 for the active status)",
		},
		[]string{"status"},
	)

	h.toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lleo_tool_duration_seconds",
			Help:    "Wall clock of fresh tool executions in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900, 1800},
		},
		[]string{"tool"},
	)

	h.moduleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lleo_module_duration_seconds",
			Help:    "Module run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"module"},
	)

	collectors := []prometheus.Collector{
		h.toolExecutions,
		h.toolRetries,
		h.moduleRuns,
		h.modulesRunning,
		h.sessionState,
		h.healthStatus,
		h.toolDuration,
		h.moduleDuration,
	}

	for _, c := range collectors {
		if err := h.registry.Register(c); err != nil {
			return err
		}
	}

	return nil
}

// Handler serves the hook's registry.
func (h *PrometheusHook) Handler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// startServer starts the HTTP server for metrics.
func (h *PrometheusHook) startServer() error {
	mux := http.NewServeMux()
	mux.Handle(h.opts.Path, h.Handler())
	for path, handler := range h.opts.Extra {
		mux.Handle(path, handler)
	}

	ln, err := net.Listen("tcp", h.opts.Addr)
	if err != nil {
		return err
	}
	h.listener = ln
	h.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  h.opts.ReadTimeout,
		WriteTimeout: h.opts.WriteTimeout,
	}

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.opts.Logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// OnEvent processes events and updates Prometheus metrics.
func (h *PrometheusHook) OnEvent(_ context.Context, event events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	switch e := event.(type) {
	case *events.ToolResultEvent:
		h.handleToolResult(e)
	case *events.ModuleStartEvent:
		h.modulesRunning.Inc()
	case *events.ModuleCompleteEvent:
		h.handleModuleComplete(e)
	case *events.SessionStateEvent:
		setOneHot(h.sessionState, sessionStates, e.To)
	case *events.HealthEvent:
		setOneHot(h.healthStatus, []string{"healthy", "unhealthy", "unknown"}, e.Status)
	}
	return nil
}

func (h *PrometheusHook) handleToolResult(e *events.ToolResultEvent) {
	outcome := "success"
	if !e.Success {
		outcome = e.ErrorKind
		if outcome == "" {
			outcome = "failure"
		}
	}
	h.toolExecutions.WithLabelValues(e.Tool, outcome, strconv.FormatBool(e.Cached)).Inc()
	if e.Cached {
		return
	}
	if e.Attempts > 1 {
		h.toolRetries.WithLabelValues(e.Tool).Add(float64(e.Attempts - 1))
	}
	h.toolDuration.WithLabelValues(e.Tool).Observe(float64(e.DurationMs) / 1000.0)
}

func (h *PrometheusHook) handleModuleComplete(e *events.ModuleCompleteEvent) {
	h.modulesRunning.Dec()
	h.moduleRuns.WithLabelValues(e.Module, e.Capability, e.Status).Inc()
	h.moduleDuration.WithLabelValues(e.Module).Observe(float64(e.DurationMs) / 1000.0)
}

// setOneHot sets the label matching active to 1 and every other to 0.
func setOneHot(g *prometheus.GaugeVec, labels []string, active string) {
	for _, l := range labels {
		v := 0.0
		if l == active {
			v = 1
		}
		g.WithLabelValues(l).Set(v)
	}
}

// EventTypes returns the event types this hook handles.
func (h *PrometheusHook) EventTypes() []events.EventType {
	return []events.EventType{
		events.TypeToolResult,
		events.TypeModuleStart,
		events.TypeModuleComplete,
		events.TypeSessionState,
		events.TypeHealth,
	}
}

// Close shuts down the metrics server and releases resources.
func (h *PrometheusHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), duration.TelemetryShutdown)
		defer cancel()
		return h.server.Shutdown(ctx)
	}

	return nil
}

// MetricsAddr returns the URL where metrics are served, or "" when no server
// was started.
func (h *PrometheusHook) MetricsAddr() string {
	if h.listener == nil {
		return ""
	}
	return "http://" + h.listener.Addr().String() + h.opts.Path
}
