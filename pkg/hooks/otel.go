package hooks

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/naviyanka/lleo/pkg/defaults"
	"github.com/naviyanka/lleo/pkg/dispatcher"
	"github.com/naviyanka/lleo/pkg/duration"
	"github.com/naviyanka/lleo/pkg/events"
)

// Compile-time interface check.
var _ dispatcher.Hook = (*OTelHook)(nil)

// OTelHook exports session telemetry to an OpenTelemetry collector.
// A root span covers the session from Running until Completed or Aborted,
// each module gets a child span, and tool results become span events on the
// module that requested them.
type OTelHook struct {
	opts     OTelOptions
	provider *sdktrace.TracerProvider // nil when the caller owns the provider
	tracer   trace.Tracer

	mu       sync.Mutex
	rootSpan trace.Span
	rootCtx  context.Context
	modules  map[string]trace.Span
	closed   bool
}

// OTelOptions configures the OpenTelemetry hook behavior.
type OTelOptions struct {
	// Endpoint is the OTLP endpoint (e.g., "localhost:4317").
	Endpoint string

	// ServiceName is the service name for traces (default: "lleo").
	ServiceName string

	// Insecure uses insecure connection (no TLS).
	Insecure bool

	// Headers contains additional headers for the OTLP exporter.
	Headers map[string]string

	// ShutdownTimeout is the timeout for graceful shutdown (default: 5s).
	ShutdownTimeout time.Duration

	// ConnectionTimeout is the timeout for establishing connection (default: 10s).
	ConnectionTimeout time.Duration
}

func (o *OTelOptions) applyDefaults() {
	if o.ServiceName == "" {
		o.ServiceName = defaults.ToolName
	}
	if o.Endpoint == "" {
		o.Endpoint = "localhost:4317"
	}
	if o.ShutdownTimeout == 0 {
		o.ShutdownTimeout = duration.TelemetryShutdown
	}
	if o.ConnectionTimeout == 0 {
		o.ConnectionTimeout = duration.TelemetryConnect
	}
}

// NewOTelHook creates an OpenTelemetry hook exporting over OTLP/gRPC and
// installs its provider as the global one, so executor spans land in the
// same trace. Connection failures surface later as export errors and never
// block a session.
func NewOTelHook(opts OTelOptions) (*OTelHook, error) {
	opts.applyDefaults()

	grpcOpts := []grpc.DialOption{}
	if opts.Insecure {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithDialOption(grpcOpts...),
	}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	if len(opts.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithHeaders(opts.Headers))
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectionTimeout)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, err
	}

	// Avoid merging with resource.Default to prevent schema conflicts
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(defaults.Version),
		attribute.String("service.component", "orchestrator"),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	hook := NewOTelHookWithProvider(provider, opts)
	hook.provider = provider
	return hook, nil
}

// NewOTelHookWithProvider creates a hook on an existing provider. The caller
// keeps ownership of tp; Close ends open spans but does not shut it down.
func NewOTelHookWithProvider(tp trace.TracerProvider, opts OTelOptions) *OTelHook {
	opts.applyDefaults()
	return &OTelHook{
		opts:    opts,
		tracer:  tp.Tracer(defaults.ToolName + "/session"),
		modules: make(map[string]trace.Span),
	}
}

// OnEvent processes events and records them as spans.
func (h *OTelHook) OnEvent(ctx context.Context, event events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	switch e := event.(type) {
	case *events.SessionStateEvent:
		h.handleState(ctx, e)
	case *events.ModuleStartEvent:
		h.handleModuleStart(e)
	case *events.ModuleCompleteEvent:
		h.handleModuleComplete(e)
	case *events.ToolResultEvent:
		h.handleToolResult(e)
	case *events.HealthEvent:
		if h.rootSpan != nil {
			h.rootSpan.AddEvent("health", trace.WithAttributes(
				attribute.String("status", e.Status),
				attribute.StringSlice("warnings", e.Warnings),
			))
		}
	}
	return nil
}

func (h *OTelHook) handleState(ctx context.Context, e *events.SessionStateEvent) {
	switch e.To {
	case "Running":
		if h.rootSpan != nil {
			return
		}
		h.rootCtx, h.rootSpan = h.tracer.Start(ctx, defaults.ToolName+".session",
			trace.WithTimestamp(e.Timestamp()),
			trace.WithAttributes(
				attribute.String("session_id", e.SessionID()),
				attribute.String("target", e.Target),
			),
		)
	case "Completed", "Aborted":
		if h.rootSpan == nil {
			return
		}
		h.endModules(e.Timestamp())
		if e.To == "Aborted" {
			h.rootSpan.SetStatus(codes.Error, e.Reason)
		} else {
			h.rootSpan.SetStatus(codes.Ok, "")
		}
		h.rootSpan.SetAttributes(attribute.String("final_state", e.To))
		h.rootSpan.End(trace.WithTimestamp(e.Timestamp()))
		h.rootSpan = nil
		h.rootCtx = nil
	default:
		if h.rootSpan != nil {
			h.rootSpan.AddEvent("state_change", trace.WithAttributes(
				attribute.String("from", e.From),
				attribute.String("to", e.To),
			))
		}
	}
}

func (h *OTelHook) handleModuleStart(e *events.ModuleStartEvent) {
	parent := h.rootCtx
	if parent == nil {
		parent = context.Background()
	}
	_, span := h.tracer.Start(parent, "module."+e.Module,
		trace.WithTimestamp(e.Timestamp()),
		trace.WithAttributes(
			attribute.String("module", e.Module),
			attribute.String("capability", e.Capability),
			attribute.String("target", e.Target),
		),
	)
	h.modules[e.Module] = span
}

func (h *OTelHook) handleModuleComplete(e *events.ModuleCompleteEvent) {
	span, ok := h.modules[e.Module]
	if !ok {
		return
	}
	delete(h.modules, e.Module)

	span.SetAttributes(
		attribute.String("status", e.Status),
		attribute.Int64("duration_ms", e.DurationMs),
		attribute.Int64("tasks_started", e.TasksStarted),
		attribute.Int64("tasks_completed", e.TasksCompleted),
		attribute.Int64("tasks_failed", e.TasksFailed),
	)
	if e.Error != "" {
		span.SetStatus(codes.Error, e.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Timestamp()))
}

func (h *OTelHook) handleToolResult(e *events.ToolResultEvent) {
	span, ok := h.modules[e.Module]
	if !ok {
		span = h.rootSpan
	}
	if span == nil {
		return
	}
	span.AddEvent("tool_result", trace.WithTimestamp(e.Timestamp()), trace.WithAttributes(
		attribute.String("tool", e.Tool),
		attribute.String("fingerprint", e.Fingerprint),
		attribute.Bool("success", e.Success),
		attribute.Bool("cached", e.Cached),
		attribute.Int("exit_code", e.ExitCode),
		attribute.Int("attempts", e.Attempts),
		attribute.Int64("duration_ms", e.DurationMs),
		attribute.String("error_kind", e.ErrorKind),
	))
}

// endModules must be called with h.mu held.
func (h *OTelHook) endModules(at time.Time) {
	for name, span := range h.modules {
		span.SetStatus(codes.Error, "session ended before module returned")
		span.End(trace.WithTimestamp(at))
		delete(h.modules, name)
	}
}

// EventTypes returns the event types this hook handles.
func (h *OTelHook) EventTypes() []events.EventType {
	return []events.EventType{
		events.TypeSessionState,
		events.TypeModuleStart,
		events.TypeModuleComplete,
		events.TypeToolResult,
		events.TypeHealth,
	}
}

// Close ends any open spans and, when the hook owns its provider, flushes
// and shuts it down.
func (h *OTelHook) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true

	now := time.Now()
	h.endModules(now)
	if h.rootSpan != nil {
		h.rootSpan.SetStatus(codes.Error, "hook closed before session finished")
		h.rootSpan.End(trace.WithTimestamp(now))
		h.rootSpan = nil
	}
	h.mu.Unlock()

	if h.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.ShutdownTimeout)
	defer cancel()
	return h.provider.Shutdown(ctx)
}
