package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusConstants(t *testing.T) {
	assert.Equal(t, Status("healthy"), StatusHealthy)
	assert.Equal(t, Status("unhealthy"), StatusUnhealthy)
}

func TestReportEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		report   Report
		want     Status
		healthy  bool
		wantsErr bool
	}{
		{"clean", Report{}, StatusHealthy, true, false},
		{"warnings", Report{Warnings: []string{"memory usage 75.0% nearing limit 80.0%"}}, StatusHealthy, true, false},
		{"module failures", Report{Warnings: []string{"1 module(s) failed"}}, StatusHealthy, true, false},
		{"critical", Report{Critical: []string{"session aborted"}, Warnings: []string{"w"}}, StatusUnhealthy, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.report
			r.Evaluate()
			assert.Equal(t, tt.want, r.Status)
			assert.Equal(t, tt.healthy, r.IsHealthy())
			if tt.wantsErr {
				assert.True(t, errors.Is(r.Err(), ErrUnhealthy))
				assert.Contains(t, r.Err().Error(), "session aborted")
			} else {
				assert.NoError(t, r.Err())
			}
		})
	}
}

func TestHandler(t *testing.T) {
	rep := Report{State: "Running", Critical: []string{"disk usage 95.0% exceeds limit 90.0%"}}
	rep.Evaluate()

	rec := httptest.NewRecorder()
	Handler(func() Report { return rep }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"unhealthy"`)
	assert.Contains(t, rec.Body.String(), `"Running"`)

	ok := Report{State: "Completed"}
	ok.Evaluate()
	rec = httptest.NewRecorder()
	Handler(func() Report { return ok }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewMonitor(t *testing.T) {
	m := NewMonitor(func() Report { return Report{} }, 0)
	require.NotNil(t, m)
	assert.False(t, m.IsRunning())
	assert.Equal(t, StatusUnknown, m.Last().Status)
}

func TestMonitorStartStop(t *testing.T) {
	var calls atomic.Int32
	m := NewMonitor(func() Report {
		calls.Add(1)
		r := Report{State: "Running"}
		r.Evaluate()
		return r
	}, 10*time.Millisecond)

	got := make(chan Report, 16)
	m.SetCallback(func(r Report) {
		select {
		case got <- r:
		default:
		}
	})

	m.Start(context.Background())
	m.Start(context.Background()) // idempotent
	assert.True(t, m.IsRunning())

	select {
	case r := <-got:
		assert.Equal(t, StatusHealthy, r.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never evaluated")
	}

	m.Stop()
	assert.False(t, m.IsRunning())
	assert.Equal(t, "Running", m.Last().State)

	// Restart after stop
	m.Start(context.Background())
	assert.True(t, m.IsRunning())
	m.Stop()
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestMonitorStopsOnContextCancel(t *testing.T) {
	m := NewMonitor(func() Report { return Report{} }, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	cancel()
	assert.Eventually(t, func() bool { return !m.IsRunning() }, time.Second, 5*time.Millisecond)
}
