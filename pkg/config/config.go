// Package config holds the orchestrator configuration: execution defaults,
// rate limits, resource ceilings, retry policy, cache sizing, tool overrides,
// module selection and telemetry endpoints.
//
// A Config is loaded once (Load or Default), validated, and then treated as
// immutable. Components receive the pieces they need through the converter
// methods (RateLimiter, ResourceLimits, RetryPolicy, CacheConfig).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/naviyanka/lleo/pkg/cache"
	"github.com/naviyanka/lleo/pkg/defaults"
	"github.com/naviyanka/lleo/pkg/duration"
	"github.com/naviyanka/lleo/pkg/ratelimit"
	"github.com/naviyanka/lleo/pkg/resource"
	"github.com/naviyanka/lleo/pkg/retry"
)

// Config holds all orchestrator configuration.
type Config struct {
	General   GeneralConfig         `yaml:"general" toml:"general"`
	RateLimit RateLimitConfig       `yaml:"rate_limit" toml:"rate_limit"`
	Resources resource.Limits       `yaml:"resources" toml:"resources"`
	Retry     RetryConfig           `yaml:"retry" toml:"retry"`
	Cache     CacheConfig           `yaml:"cache" toml:"cache"`
	Tools     map[string]ToolConfig `yaml:"tools" toml:"tools"`
	Modules   ModulesConfig         `yaml:"modules" toml:"modules"`
	Telemetry TelemetryConfig       `yaml:"telemetry" toml:"telemetry"`
}

// GeneralConfig holds execution-wide settings.
type GeneralConfig struct {
	Threads          int           `yaml:"threads" toml:"threads"`                     // handed to tools that take a thread count
	Concurrency      int           `yaml:"concurrency" toml:"concurrency"`             // modules running at once
	Timeout          time.Duration `yaml:"timeout" toml:"timeout"`                     // default per-task timeout
	AdmissionTimeout time.Duration `yaml:"admission_timeout" toml:"admission_timeout"` // rate-limit wait
	OutputDir        string        `yaml:"output_dir" toml:"output_dir"`
}

// RateLimitConfig configures the token buckets.
type RateLimitConfig struct {
	Rate    float64                     `yaml:"rate" toml:"rate"`
	Burst   int                         `yaml:"burst" toml:"burst"`
	Global  ratelimit.Bucket            `yaml:"global" toml:"global"`
	Tools   map[string]ratelimit.Bucket `yaml:"tools" toml:"tools"`
	Targets map[string]ratelimit.Bucket `yaml:"targets" toml:"targets"`
}

// RetryConfig is the tool retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" toml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier" toml:"multiplier"`
	Strategy    string        `yaml:"strategy" toml:"strategy"` // exponential, linear, constant
	Jitter      bool          `yaml:"jitter" toml:"jitter"`
}

// CacheConfig sizes the result cache.
type CacheConfig struct {
	Size int           `yaml:"size" toml:"size"`
	TTL  time.Duration `yaml:"ttl" toml:"ttl"`
}

// ToolConfig overrides discovery of one external tool.
type ToolConfig struct {
	Path       string        `yaml:"path" toml:"path"`
	MinVersion string        `yaml:"min_version" toml:"min_version"`
	Timeout    time.Duration `yaml:"timeout" toml:"timeout"`
}

// ModulesConfig selects modules.
type ModulesConfig struct {
	// Enabled lists module names to run. Empty runs every available module.
	Enabled []string `yaml:"enabled" toml:"enabled"`

	// Templates lists YAML module definition files to register at startup.
	Templates []string `yaml:"templates" toml:"templates"`

	Wordlist string `yaml:"wordlist" toml:"wordlist"` // web_fuzzing
	Ports    string `yaml:"ports" toml:"ports"`       // port_scan, nmap -p syntax
	Severity string `yaml:"severity" toml:"severity"` // vulnerability_scan
	ScanRate int    `yaml:"scan_rate" toml:"scan_rate"`
}

// TelemetryConfig configures the optional observability surfaces.
type TelemetryConfig struct {
	MetricsAddr  string            `yaml:"metrics_addr" toml:"metrics_addr"`
	OTLPEndpoint string            `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure bool              `yaml:"otlp_insecure" toml:"otlp_insecure"`
	OTLPHeaders  map[string]string `yaml:"otlp_headers" toml:"otlp_headers"`
	EventLog     bool              `yaml:"event_log" toml:"event_log"`
	HealthEvery  time.Duration     `yaml:"health_interval" toml:"health_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			Threads:          defaults.Threads,
			Concurrency:      defaults.ModuleConcurrency,
			Timeout:          duration.ToolDefault,
			AdmissionTimeout: duration.AdmissionWait,
			OutputDir:        defaults.OutputDir,
		},
		RateLimit: RateLimitConfig{
			Rate:  defaults.RateLimit,
			Burst: defaults.Burst,
		},
		Resources: resource.DefaultLimits(),
		Retry: RetryConfig{
			MaxAttempts: defaults.RetryAttempts,
			BaseDelay:   duration.RetryBase,
			MaxDelay:    duration.RetryMax,
			Multiplier:  defaults.RetryMultiplier,
			Strategy:    retry.Exponential.String(),
			Jitter:      true,
		},
		Cache: CacheConfig{
			Size: defaults.CacheSize,
			TTL:  duration.CacheTTL,
		},
		Tools: map[string]ToolConfig{},
		Telemetry: TelemetryConfig{
			EventLog:    true,
			HealthEvery: duration.HealthCheck,
		},
	}
}

// Load reads a YAML (.yaml, .yml) or TOML (.toml) file layered over
// Default and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
		}
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: %s: unknown key %q", ErrInvalidConfig, path, undecoded[0].String())
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints. Every failure wraps
// ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.General.Threads < 1 {
		bad("general.threads must be >= 1, got %d", c.General.Threads)
	}
	if c.General.Concurrency < 1 {
		bad("general.concurrency must be >= 1, got %d", c.General.Concurrency)
	}
	if c.General.Timeout <= 0 {
		bad("general.timeout must be positive, got %s", c.General.Timeout)
	}
	if c.General.AdmissionTimeout < 0 {
		bad("general.admission_timeout must not be negative")
	}
	if strings.TrimSpace(c.General.OutputDir) == "" {
		bad("general.output_dir is required")
	}

	if c.RateLimit.Rate < 0 {
		bad("rate_limit.rate must not be negative")
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst < 1 {
		bad("rate_limit.burst must be >= 1 when a rate is set")
	}
	for name, b := range c.RateLimit.Tools {
		if b.Rate < 0 || (b.Rate > 0 && b.Burst < 1) {
			bad("rate_limit.tools.%s: rate %.2f burst %d", name, b.Rate, b.Burst)
		}
	}

	if !percent(c.Resources.MaxMemoryPercent) {
		bad("resources.max_memory_percent must be in (0, 100], got %.1f", c.Resources.MaxMemoryPercent)
	}
	if !percent(c.Resources.MaxDiskPercent) {
		bad("resources.max_disk_percent must be in (0, 100], got %.1f", c.Resources.MaxDiskPercent)
	}
	if c.Resources.MaxOpenFiles < 0 || c.Resources.MaxProcesses < 0 {
		bad("resources limits must not be negative")
	}

	if c.Retry.MaxAttempts < 1 {
		bad("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		bad("retry delays must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		bad("retry.base_delay %s exceeds retry.max_delay %s", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if !slices.Contains([]string{"", "exponential", "linear", "constant"}, c.Retry.Strategy) {
		bad("retry.strategy %q is not exponential, linear or constant", c.Retry.Strategy)
	}

	if c.Cache.Size < 1 {
		bad("cache.size must be >= 1, got %d", c.Cache.Size)
	}
	if c.Cache.TTL < 0 {
		bad("cache.ttl must not be negative")
	}

	if c.Modules.ScanRate < 0 {
		bad("modules.scan_rate must not be negative")
	}

	for name, t := range c.Tools {
		if t.Path != "" && !filepath.IsAbs(t.Path) {
			bad("tools.%s.path must be absolute, got %q", name, t.Path)
		}
		if t.Timeout < 0 {
			bad("tools.%s.timeout must not be negative", name)
		}
	}

	return errors.Join(errs...)
}

func percent(v float64) bool { return v > 0 && v <= 100 }

// RateLimiter builds the limiter configuration. Per-tool and per-target
// overrides are keyed the way the executor acquires them.
func (c *Config) RateLimiter() *ratelimit.Config {
	rc := &ratelimit.Config{
		Default:   ratelimit.Bucket{Rate: c.RateLimit.Rate, Burst: c.RateLimit.Burst},
		Global:    c.RateLimit.Global,
		Overrides: make(map[string]ratelimit.Bucket, len(c.RateLimit.Tools)+len(c.RateLimit.Targets)),
		Timeout:   c.General.AdmissionTimeout,
	}
	for name, b := range c.RateLimit.Tools {
		rc.Overrides[ratelimit.ToolKey(name)] = b
	}
	for target, b := range c.RateLimit.Targets {
		rc.Overrides[ratelimit.TargetKey(target)] = b
	}
	return rc
}

// ResourceLimits returns the resource ceilings.
func (c *Config) ResourceLimits() resource.Limits {
	return c.Resources
}

// RetryPolicy returns the tool retry policy.
func (c *Config) RetryPolicy() retry.Config {
	return retry.Config{
		MaxAttempts: c.Retry.MaxAttempts,
		InitDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Multiplier:  c.Retry.Multiplier,
		Strategy:    retry.ParseStrategy(c.Retry.Strategy),
		Jitter:      c.Retry.Jitter,
	}
}

// CacheConfig returns the result cache sizing.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{MaxEntries: c.Cache.Size, TTL: c.Cache.TTL}
}

// ToolPaths returns the configured absolute paths by tool name.
func (c *Config) ToolPaths() map[string]string {
	paths := make(map[string]string)
	for name, t := range c.Tools {
		if t.Path != "" {
			paths[name] = t.Path
		}
	}
	return paths
}

// ModuleEnabled reports whether name should run. An empty Enabled list
// enables every module.
func (c *Config) ModuleEnabled(name string) bool {
	return len(c.Modules.Enabled) == 0 || slices.Contains(c.Modules.Enabled, name)
}

// ToolMinVersions returns the configured minimum version overrides.
func (c *Config) ToolMinVersions() map[string]string {
	mins := make(map[string]string)
	for name, t := range c.Tools {
		if t.MinVersion != "" {
			mins[name] = t.MinVersion
		}
	}
	return mins
}

// ToolTimeouts returns the configured per-tool task timeouts.
func (c *Config) ToolTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for name, t := range c.Tools {
		if t.Timeout > 0 {
			out[name] = t.Timeout
		}
	}
	return out
}
