// Package defaults provides canonical default values for the entire codebase.
// This is the SINGLE SOURCE OF TRUTH for all runtime configuration defaults.
//
// Usage:
//
//	cfg.Threads = defaults.Threads
//	cfg.Retry.MaxAttempts = defaults.RetryAttempts
//
// DO NOT use hardcoded values like `Threads: 10` anywhere.
// Instead, reference the appropriate constant from this package.
package defaults

// Version is the current LLEO version
const Version = "1.3.0"

// ToolName is the canonical program name used in logs, metrics and spans.
const ToolName = "lleo"

// ============================================================================
// CONCURRENCY SETTINGS
// ============================================================================

const (
	// Threads is the per-tool thread count handed to external tools (10)
	Threads = 10

	// ModuleConcurrency is how many modules may run at once (4)
	ModuleConcurrency = 4

	// MaxProcesses caps concurrently running external tools (16)
	MaxProcesses = 16
)

// ============================================================================
// RATE LIMITING
// ============================================================================
//
// Token bucket defaults. Rates are tokens per second.
// ============================================================================

const (
	// RateLimit is the default per-key refill rate (150/s)
	RateLimit = 150

	// Burst is the default bucket capacity (10)
	Burst = 10
)

// ============================================================================
// RETRY SETTINGS
// ============================================================================

const (
	// RetryAttempts is the total number of tool attempts, including the first (3)
	RetryAttempts = 3

	// RetryMultiplier is the exponential backoff base (2)
	RetryMultiplier = 2.0
)

// ============================================================================
// RESOURCE CEILINGS
// ============================================================================

const (
	// MaxMemoryPercent refuses admissions above this system memory usage (80)
	MaxMemoryPercent = 80.0

	// MaxDiskPercent refuses admissions above this output-volume usage (90)
	MaxDiskPercent = 90.0

	// MaxOpenFiles refuses admissions above this many open descriptors (0 = unlimited)
	MaxOpenFiles = 0
)

// ============================================================================
// CACHE
// ============================================================================

const (
	// CacheSize is the maximum number of cached execution results (1000)
	CacheSize = 1000
)

// ============================================================================
// OUTPUT LAYOUT
// ============================================================================

const (
	// OutputDir is the default output root
	OutputDir = "output"

	// SessionFile is the per-target session state file
	SessionFile = "session.json"

	// EventLogFile is the JSONL event log, relative to LogsDir
	EventLogFile = "events.jsonl"

	// LogsDir holds logs for a target
	LogsDir = "logs"

	// TempDir holds scratch files that are removed when a module returns
	TempDir = "temp"

	// DirPerm and FilePerm are used for everything written under the output root
	DirPerm  = 0o755
	FilePerm = 0o644
)

// ============================================================================
// TELEMETRY
// ============================================================================

const (
	// MetricsPath is where the Prometheus handler is mounted
	MetricsPath = "/metrics"

	// HealthPath is where the JSON health report is mounted
	HealthPath = "/healthz"
)
