package main

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/naviyanka/lleo/pkg/config"
	"github.com/naviyanka/lleo/pkg/defaults"
	"github.com/naviyanka/lleo/pkg/dispatcher"
	"github.com/naviyanka/lleo/pkg/framework"
	"github.com/naviyanka/lleo/pkg/health"
	"github.com/naviyanka/lleo/pkg/hooks"
)

// telemetryHooks builds the Prometheus and OpenTelemetry hooks the config
// asks for. The metrics server also serves /healthz from whichever
// framework fw points at once the session exists.
func telemetryHooks(cfg *config.Config, logger *slog.Logger, fw *atomic.Pointer[framework.Framework]) ([]dispatcher.Hook, error) {
	var out []dispatcher.Hook

	if cfg.Telemetry.MetricsAddr != "" {
		healthz := health.Handler(func() health.Report {
			if f := fw.Load(); f != nil {
				return f.HealthCheck()
			}
			return health.Report{Status: health.StatusUnknown, CheckedAt: time.Now()}
		})
		prom, err := hooks.NewPrometheusHook(hooks.PrometheusOptions{
			Addr:   cfg.Telemetry.MetricsAddr,
			Extra:  map[string]http.Handler{defaults.HealthPath: healthz},
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("metrics server listening", slog.String("addr", prom.MetricsAddr()))
		out = append(out, prom)
	}

	if cfg.Telemetry.OTLPEndpoint != "" {
		otelHook, err := hooks.NewOTelHook(hooks.OTelOptions{
			Endpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure: cfg.Telemetry.OTLPInsecure,
			Headers:  cfg.Telemetry.OTLPHeaders,
		})
		if err != nil {
			return nil, errors.Join(err, closeHooks(out))
		}
		out = append(out, otelHook)
	}
	return out, nil
}

// closeHooks closes hooks that hold resources, for paths where no
// dispatcher took ownership of them.
func closeHooks(hs []dispatcher.Hook) error {
	var errs []error
	for _, h := range hs {
		if c, ok := h.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
