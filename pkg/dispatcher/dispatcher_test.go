package dispatcher

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naviyanka/lleo/pkg/events"
)

type recordWriter struct {
	types []events.EventType
	err   error

	mu      sync.Mutex
	got     []events.EventType
	flushes atomic.Int32
	closes  atomic.Int32
}

func (w *recordWriter) Write(ev events.Event) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	w.got = append(w.got, ev.EventType())
	w.mu.Unlock()
	return nil
}

func (w *recordWriter) Flush() error {
	w.flushes.Add(1)
	return nil
}

func (w *recordWriter) Close() error {
	w.closes.Add(1)
	return nil
}

func (w *recordWriter) SupportsEvent(t events.EventType) bool {
	return len(w.types) == 0 || slices.Contains(w.types, t)
}

func (w *recordWriter) received() []events.EventType {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.got)
}

type countHook struct {
	types []events.EventType
	delay time.Duration
	err   error

	calls  atomic.Int32
	closed atomic.Bool
}

func (h *countHook) OnEvent(context.Context, events.Event) error {
	time.Sleep(h.delay)
	h.calls.Add(1)
	return h.err
}

func (h *countHook) EventTypes() []events.EventType { return h.types }

func (h *countHook) Close() error {
	h.closed.Store(true)
	return nil
}

func toolResult() events.Event {
	ev := events.NewToolResult("s1")
	ev.Tool = "httpx"
	return ev
}

func TestDispatch_RoutesByEventType(t *testing.T) {
	t.Parallel()
	d := New()
	all := &recordWriter{}
	toolsOnly := &recordWriter{types: []events.EventType{events.TypeToolResult}}
	healthHook := &countHook{types: []events.EventType{events.TypeHealth}}
	anyHook := &countHook{}
	d.RegisterWriter(all)
	d.RegisterWriter(toolsOnly)
	d.RegisterHook(healthHook)
	d.RegisterHook(anyHook)

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, toolResult()))
	require.NoError(t, d.Dispatch(ctx, events.NewHealth("s1", "healthy", nil)))

	assert.Equal(t, []events.EventType{events.TypeToolResult, events.TypeHealth}, all.received())
	assert.Equal(t, []events.EventType{events.TypeToolResult}, toolsOnly.received())
	assert.EqualValues(t, 1, healthHook.calls.Load())
	assert.EqualValues(t, 2, anyHook.calls.Load())
}

func TestDispatch_FailuresDoNotStopDelivery(t *testing.T) {
	t.Parallel()
	d := New()
	good := &recordWriter{}
	d.RegisterWriter(&recordWriter{err: errors.New("disk full")})
	d.RegisterWriter(good)
	d.RegisterHook(&countHook{err: errors.New("collector down")})

	require.NoError(t, d.Dispatch(context.Background(), toolResult()))
	assert.Len(t, good.received(), 1)
	assert.EqualValues(t, 2, d.Failures())
}

func TestClose_FlushesClosesAndRejects(t *testing.T) {
	t.Parallel()
	d := New()
	w := &recordWriter{}
	h := &countHook{}
	d.RegisterWriter(w)
	d.RegisterHook(h)

	require.NoError(t, d.Flush())
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	assert.EqualValues(t, 2, w.flushes.Load())
	assert.EqualValues(t, 1, w.closes.Load())
	assert.True(t, h.closed.Load())
	assert.ErrorIs(t, d.Dispatch(context.Background(), toolResult()), ErrClosed)
	d.Publish(context.Background(), toolResult())
	assert.Empty(t, w.received())
}

func TestAsync_CloseWaitsForHooks(t *testing.T) {
	t.Parallel()
	d := New(WithAsync())
	h := &countHook{delay: 20 * time.Millisecond}
	d.RegisterHook(h)

	for range 5 {
		d.Publish(context.Background(), toolResult())
	}
	require.NoError(t, d.Close())
	assert.EqualValues(t, 5, h.calls.Load())
}

func TestAsync_PublishRacingClose(t *testing.T) {
	t.Parallel()
	for range 20 {
		d := New(WithAsync())
		h := &countHook{delay: time.Millisecond}
		d.RegisterHook(h)

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.Publish(context.Background(), toolResult())
			}()
		}
		require.NoError(t, d.Close())
		wg.Wait()
		assert.LessOrEqual(t, h.calls.Load(), int32(8))
	}
}
