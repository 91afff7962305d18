// Package health evaluates session health: resource pressure, rate limiter
// and cache state, and per-module metrics, rolled up into one status.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/naviyanka/lleo/pkg/cache"
	"github.com/naviyanka/lleo/pkg/duration"
	"github.com/naviyanka/lleo/pkg/jsonutil"
	"github.com/naviyanka/lleo/pkg/module"
	"github.com/naviyanka/lleo/pkg/ratelimit"
	"github.com/naviyanka/lleo/pkg/resource"
)

// Common errors
var (
	ErrUnhealthy = errors.New("health: session is unhealthy")
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown means nothing has been evaluated yet.
	StatusUnknown Status = "unknown"
)

// ModuleHealth is one module's status and metrics.
type ModuleHealth struct {
	Status  string                 `json:"status"`
	Error   string                 `json:"error,omitempty"`
	Metrics module.MetricsSnapshot `json:"metrics"`
}

// Report is a point-in-time health evaluation.
type Report struct {
	Status    Status                  `json:"status"`
	State     string                  `json:"state"`
	Session   string                  `json:"session_id,omitempty"`
	Target    string                  `json:"target,omitempty"`
	CheckedAt time.Time               `json:"checked_at"`
	Modules   map[string]ModuleHealth `json:"modules"`
	Resources resource.Snapshot       `json:"resources"`
	RateLimit ratelimit.Stats         `json:"rate_limit"`
	Cache     cache.Stats             `json:"cache"`
	Critical  []string                `json:"critical,omitempty"`
	Warnings  []string                `json:"warnings,omitempty"`
}

// Evaluate sets Status from the collected findings: any critical finding is
// unhealthy, otherwise healthy. Warnings never change the status.
func (r *Report) Evaluate() {
	if len(r.Critical) > 0 {
		r.Status = StatusUnhealthy
		return
	}
	r.Status = StatusHealthy
}

// IsHealthy returns true if the report is healthy.
func (r *Report) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Err returns ErrUnhealthy with the critical findings, or nil.
func (r *Report) Err() error {
	if r.Status != StatusUnhealthy {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnhealthy, strings.Join(r.Critical, "; "))
}

// Handler serves the report as JSON. Unhealthy sessions answer 503.
func Handler(eval func() Report) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rep := eval()
		body, err := jsonutil.MarshalIndent(rep, "  ")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write(body)
	})
}

// Monitor continuously evaluates health
type Monitor struct {
	eval     func() Report
	interval time.Duration
	onResult func(Report)
	stopCh   chan struct{}
	running  bool
	last     Report
	mu       sync.Mutex
}

// NewMonitor creates a new health monitor
func NewMonitor(eval func() Report, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = duration.HealthCheck
	}
	return &Monitor{
		eval:     eval,
		interval: interval,
		last:     Report{Status: StatusUnknown},
	}
}

// SetCallback sets the result callback
func (m *Monitor) SetCallback(fn func(Report)) {
	m.mu.Lock()
	m.onResult = fn
	m.mu.Unlock()
}

// Start starts the monitor
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stop := m.stopCh
	m.mu.Unlock()

	go m.run(ctx, stop)
}

// Stop stops the monitor
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		close(m.stopCh)
		m.running = false
	}
}

// IsRunning returns true if the monitor is running
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Last returns the most recent evaluation.
func (m *Monitor) Last() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			if m.stopCh == stop {
				m.running = false
			}
			m.mu.Unlock()
			return
		case <-stop:
			return
		case <-ticker.C:
			rep := m.eval()
			m.mu.Lock()
			m.last = rep
			cb := m.onResult
			m.mu.Unlock()
			if cb != nil {
				cb(rep)
			}
		}
	}
}
