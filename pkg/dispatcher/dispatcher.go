// Package dispatcher fans session events out to their consumers. Writers
// persist events (the JSONL event log); hooks feed live integrations such as
// Prometheus, OpenTelemetry and the progress display.
package dispatcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/naviyanka/lleo/pkg/events"
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher: closed")

// Writer persists events.
type Writer interface {
	Write(event events.Event) error
	Flush() error
	Close() error
	// SupportsEvent reports whether the writer wants events of type t.
	SupportsEvent(t events.EventType) bool
}

// Hook reacts to events as they happen.
type Hook interface {
	OnEvent(ctx context.Context, event events.Event) error
	// EventTypes lists the types the hook wants. Empty means all of them.
	EventTypes() []events.EventType
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets where delivery failures are logged.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithAsync runs hooks on their own goroutines. Close waits for them.
func WithAsync() Option {
	return func(d *Dispatcher) { d.async = true }
}

// Dispatcher routes events to writers and hooks. It is safe for concurrent
// use. A failing consumer never stops delivery to the others.
type Dispatcher struct {
	logger *slog.Logger
	async  bool

	mu      sync.RWMutex
	closed  bool
	writers []Writer
	hooks   []Hook

	inflight sync.WaitGroup
	failures atomic.Int64
}

// New returns an empty dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterWriter adds w.
func (d *Dispatcher) RegisterWriter(w Writer) {
	d.mu.Lock()
	d.writers = append(d.writers, w)
	d.mu.Unlock()
}

// RegisterHook adds h.
func (d *Dispatcher) RegisterHook(h Hook) {
	d.mu.Lock()
	d.hooks = append(d.hooks, h)
	d.mu.Unlock()
}

// Dispatch delivers event to every interested writer and hook. Consumer
// failures are logged and counted, not returned.
func (d *Dispatcher) Dispatch(ctx context.Context, event events.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	t := event.EventType()
	for _, w := range d.writers {
		if w.SupportsEvent(t) {
			d.check("writer", t, w.Write(event))
		}
	}
	for _, h := range d.hooks {
		if !wants(h, t) {
			continue
		}
		if !d.async {
			d.check("hook", t, h.OnEvent(ctx, event))
			continue
		}
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			d.check("hook", t, h.OnEvent(context.WithoutCancel(ctx), event))
		}()
	}
	return nil
}

// Publish is Dispatch without the error, for callers that only emit.
func (d *Dispatcher) Publish(ctx context.Context, event events.Event) {
	_ = d.Dispatch(ctx, event)
}

func (d *Dispatcher) check(consumer string, t events.EventType, err error) {
	if err == nil {
		return
	}
	d.failures.Add(1)
	d.logger.Debug("event delivery failed",
		slog.String("consumer", consumer),
		slog.String("event", string(t)),
		slog.String("error", err.Error()))
}

// Failures returns how many deliveries have failed.
func (d *Dispatcher) Failures() int64 { return d.failures.Load() }

func wants(h Hook, t events.EventType) bool {
	types := h.EventTypes()
	return len(types) == 0 || slices.Contains(types, t)
}

// Flush flushes every writer.
func (d *Dispatcher) Flush() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var errs []error
	for _, w := range d.writers {
		errs = append(errs, w.Flush())
	}
	return errors.Join(errs...)
}

// Close waits for in-flight hooks, then flushes and closes the writers and
// every hook that is an io.Closer. Later calls return nil.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	// Dispatch holds the read lock while adding to inflight, so nothing can
	// be added once the write lock is held.
	d.inflight.Wait()

	var errs []error
	for _, w := range d.writers {
		errs = append(errs, w.Flush(), w.Close())
	}
	for _, h := range d.hooks {
		if c, ok := h.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
