package module

import (
	"sync/atomic"
	"time"
)

// Metrics counts a module's task activity. The owning module's goroutine is
// the only writer; the framework reads it through Snapshot at any time.
type Metrics struct {
	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	totalNs   atomic.Int64
	memHigh   atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	TasksStarted    int64  `json:"tasks_started"`
	TasksCompleted  int64  `json:"tasks_completed"`
	TasksFailed     int64  `json:"tasks_failed"`
	TotalDurationMs int64  `json:"total_duration_ms"`
	MemoryHighWater uint64 `json:"memory_high_water_bytes"`
}

// TaskStarted records a task being issued.
func (m *Metrics) TaskStarted() { m.started.Add(1) }

// TaskFinished records a task outcome and its wall clock.
func (m *Metrics) TaskFinished(d time.Duration, ok bool) {
	if ok {
		m.completed.Add(1)
	} else {
		m.failed.Add(1)
	}
	m.totalNs.Add(int64(d))
}

// ObserveMemory raises the memory high-water mark if rss exceeds it.
func (m *Metrics) ObserveMemory(rss uint64) {
	for {
		cur := m.memHigh.Load()
		if rss <= cur || m.memHigh.CompareAndSwap(cur, rss) {
			return
		}
	}
}

// Snapshot returns a copy safe to read from any goroutine.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		TasksStarted:    m.started.Load(),
		TasksCompleted:  m.completed.Load(),
		TasksFailed:     m.failed.Load(),
		TotalDurationMs: time.Duration(m.totalNs.Load()).Milliseconds(),
		MemoryHighWater: m.memHigh.Load(),
	}
}
