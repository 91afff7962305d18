// Package resource gates new tool executions on system headroom. A Manager
// compares memory, disk, open file descriptor and running-process usage
// against configured ceilings and refuses admissions while any ceiling is
// exceeded. It never kills anything: work already admitted runs to
// completion, and brief overshoot while tasks race check-then-start is
// tolerated.
package resource

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/naviyanka/lleo/pkg/defaults"
	"github.com/naviyanka/lleo/pkg/duration"
)

// Limits are the process-wide ceilings. Zero disables a ceiling.
type Limits struct {
	MaxMemoryPercent float64       `json:"max_memory_percent" yaml:"max_memory_percent" toml:"max_memory_percent"`
	MaxDiskPercent   float64       `json:"max_disk_percent" yaml:"max_disk_percent" toml:"max_disk_percent"`
	MaxOpenFiles     int           `json:"max_open_files" yaml:"max_open_files" toml:"max_open_files"`
	MaxProcesses     int           `json:"max_processes" yaml:"max_processes" toml:"max_processes"`
	DiskPath         string        `json:"disk_path" yaml:"disk_path" toml:"disk_path"`
	PollInterval     time.Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
}

// DefaultLimits mirrors the original recon defaults (80% memory, 90% disk).
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryPercent: defaults.MaxMemoryPercent,
		MaxDiskPercent:   defaults.MaxDiskPercent,
		MaxOpenFiles:     defaults.MaxOpenFiles,
		MaxProcesses:     defaults.MaxProcesses,
		DiskPath:         ".",
	}
}

// Snapshot is point-in-time usage. Negative values mean the probe could not
// read that resource.
type Snapshot struct {
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	OpenFiles     int       `json:"open_files"`
	Processes     int       `json:"processes"`
	ProcessRSS    uint64    `json:"process_rss_bytes"`
	TakenAt       time.Time `json:"taken_at"`
}

// Probe reads current usage. The default probe reads /proc and statfs.
type Probe interface {
	MemoryPercent() (float64, error)
	DiskPercent(path string) (float64, error)
	OpenFiles() (int, error)
	ProcessRSS() (uint64, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithProbe replaces the system probe.
func WithProbe(p Probe) Option {
	return func(m *Manager) {
		if p != nil {
			m.probe = p
		}
	}
}

// Manager tracks usage against Limits.
type Manager struct {
	limits Limits
	probe  Probe
	logger *slog.Logger

	snap      atomic.Pointer[Snapshot]
	processes atomic.Int64
	refusals  atomic.Int64

	warnEvery rate.Sometimes
}

// NewManager creates a manager for the given ceilings.
func NewManager(limits Limits, opts ...Option) *Manager {
	if limits.DiskPath == "" {
		limits.DiskPath = "."
	}
	m := &Manager{
		limits:    limits,
		probe:     newSystemProbe(),
		logger:    slog.Default(),
		warnEvery: rate.Sometimes{First: 1, Interval: duration.HealthCheck},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Limits returns the configured ceilings.
func (m *Manager) Limits() Limits { return m.limits }

// Check returns nil when every ceiling has headroom, or an *ExhaustedError
// naming the first exceeded one. It re-polls unless the last snapshot is
// younger than Limits.PollInterval.
func (m *Manager) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.Snapshot()
	if err := m.evaluate(s); err != nil {
		m.refusals.Add(1)
		m.warnEvery.Do(func() {
			m.logger.Warn("refusing admission", slog.String("error", err.Error()))
		})
		return err
	}
	return nil
}

// Headroom evaluates the current snapshot like Check, without counting a
// refusal or logging.
func (m *Manager) Headroom() error {
	return m.evaluate(m.Snapshot())
}

func (m *Manager) evaluate(s Snapshot) error {
	l := m.limits
	if l.MaxMemoryPercent > 0 && s.MemoryPercent >= 0 && s.MemoryPercent > l.MaxMemoryPercent {
		return &ExhaustedError{Resource: Memory, Limit: l.MaxMemoryPercent, Current: s.MemoryPercent}
	}
	if l.MaxDiskPercent > 0 && s.DiskPercent >= 0 && s.DiskPercent > l.MaxDiskPercent {
		return &ExhaustedError{Resource: Disk, Limit: l.MaxDiskPercent, Current: s.DiskPercent}
	}
	if l.MaxOpenFiles > 0 && s.OpenFiles >= 0 && s.OpenFiles > l.MaxOpenFiles {
		return &ExhaustedError{Resource: OpenFiles, Limit: float64(l.MaxOpenFiles), Current: float64(s.OpenFiles)}
	}
	if l.MaxProcesses > 0 && s.Processes >= l.MaxProcesses {
		return &ExhaustedError{Resource: Processes, Limit: float64(l.MaxProcesses), Current: float64(s.Processes)}
	}
	return nil
}

// Snapshot returns current usage, polling the probe when the cached snapshot
// is stale. The process count is always live.
func (m *Manager) Snapshot() Snapshot {
	if cached := m.snap.Load(); cached != nil && m.limits.PollInterval > 0 &&
		time.Since(cached.TakenAt) < m.limits.PollInterval {
		s := *cached
		s.Processes = int(m.processes.Load())
		return s
	}

	s := m.poll()
	m.snap.Store(&s)
	return s
}

func (m *Manager) poll() Snapshot {
	s := Snapshot{
		MemoryPercent: -1,
		DiskPercent:   -1,
		OpenFiles:     -1,
		Processes:     int(m.processes.Load()),
		TakenAt:       time.Now(),
	}
	if v, err := m.probe.MemoryPercent(); err == nil {
		s.MemoryPercent = v
	} else {
		m.logger.Debug("memory probe failed", slog.String("error", err.Error()))
	}
	if v, err := m.probe.DiskPercent(m.limits.DiskPath); err == nil {
		s.DiskPercent = v
	} else {
		m.logger.Debug("disk probe failed", slog.String("path", m.limits.DiskPath), slog.String("error", err.Error()))
	}
	if v, err := m.probe.OpenFiles(); err == nil {
		s.OpenFiles = v
	}
	if v, err := m.probe.ProcessRSS(); err == nil {
		s.ProcessRSS = v
	}
	return s
}

// Track records a running external process. The returned func must be called
// exactly once when the process exits.
func (m *Manager) Track() (release func()) {
	m.processes.Add(1)
	var done atomic.Bool
	return func() {
		if done.CompareAndSwap(false, true) {
			m.processes.Add(-1)
		}
	}
}

// Running returns the number of tracked processes.
func (m *Manager) Running() int { return int(m.processes.Load()) }

// Refusals returns how many admissions Check has refused.
func (m *Manager) Refusals() int64 { return m.refusals.Load() }

// warnRatio flags a resource once usage passes this share of its ceiling.
const warnRatio = 0.9

// Warnings describes ceilings that are exceeded or close to it, using the
// latest snapshot.
func (m *Manager) Warnings() []string {
	s := m.Snapshot()
	l := m.limits
	var out []string
	pct := func(name string, cur, limit float64) {
		if limit <= 0 || cur < 0 {
			return
		}
		switch {
		case cur > limit:
			out = append(out, fmt.Sprintf("%s usage %.1f%% exceeds limit %.1f%%", name, cur, limit))
		case cur >= limit*warnRatio:
			out = append(out, fmt.Sprintf("%s usage %.1f%% nearing limit %.1f%%", name, cur, limit))
		}
	}
	count := func(name string, cur, limit int) {
		if limit <= 0 || cur < 0 {
			return
		}
		switch {
		case cur >= limit:
			out = append(out, fmt.Sprintf("%s %d at limit %d", name, cur, limit))
		case float64(cur) >= float64(limit)*warnRatio:
			out = append(out, fmt.Sprintf("%s %d nearing limit %d", name, cur, limit))
		}
	}
	pct(Memory, s.MemoryPercent, l.MaxMemoryPercent)
	pct(Disk, s.DiskPercent, l.MaxDiskPercent)
	count(OpenFiles, s.OpenFiles, l.MaxOpenFiles)
	count(Processes, s.Processes, l.MaxProcesses)
	return out
}
