// Package duration provides canonical time constants for the entire codebase.
// This is the SINGLE SOURCE OF TRUTH for all time-based configuration.
//
// Usage:
//
//	ctx, cancel := context.WithTimeout(ctx, duration.ToolDefault)
//	Monitor: health.NewMonitor(fw.HealthCheck, duration.HealthCheck),
//
// DO NOT use hardcoded time.Duration values like `30 * time.Second` anywhere.
// Instead, reference the appropriate constant from this package.
package duration

import "time"

// ============================================================================
// TOOL EXECUTION
// ============================================================================
//
// Per-task wall clock limits for external tools.
// ============================================================================

const (
	// ToolDefault is the task timeout when neither task nor config sets one (30s)
	ToolDefault = 30 * time.Second

	// ToolVersionProbe bounds `<tool> -version` during tool resolution (10s)
	ToolVersionProbe = 10 * time.Second

	// ToolLong is for slow tools such as amass or nuclei (30min)
	ToolLong = 30 * time.Minute

	// ProcessWaitDelay bounds pipe draining after a process group is killed (2s)
	ProcessWaitDelay = 2 * time.Second
)

// ============================================================================
// ADMISSION
// ============================================================================
//
// How long a task may wait for rate-limit tokens or resource headroom.
// ============================================================================

const (
	// AdmissionWait is the default rate-limit acquisition timeout (30s)
	AdmissionWait = 30 * time.Second

	// AdmissionBackoff is the first pause after a refused admission (1s)
	AdmissionBackoff = 1 * time.Second
)

// ============================================================================
// HEALTH/RETRY INTERVALS
// ============================================================================

const (
	// RetryBase is the first backoff delay between tool attempts (5s)
	RetryBase = 5 * time.Second

	// RetryMax caps any single backoff delay (60s)
	RetryMax = 60 * time.Second

	// HealthCheck is the health monitor cadence while a session runs (10s)
	HealthCheck = 10 * time.Second
)

// ============================================================================
// CACHE TTLs
// ============================================================================

const (
	// CacheTTL is the default result cache entry lifetime (1h)
	CacheTTL = 1 * time.Hour
)

// ============================================================================
// TELEMETRY
// ============================================================================

const (
	// ServerRead and ServerWrite bound the metrics/health HTTP server (5s, 10s)
	ServerRead  = 5 * time.Second
	ServerWrite = 10 * time.Second

	// TelemetryShutdown bounds flushing spans and stopping the metrics server (5s)
	TelemetryShutdown = 5 * time.Second

	// TelemetryConnect bounds establishing the OTLP exporter (10s)
	TelemetryConnect = 10 * time.Second
)
