// Package executor runs external recon tools under admission control.
//
// Every Execute call passes through the same pipeline: resource and rate
// admission, a result cache lookup keyed by the task fingerprint, then a
// spawn with per-attempt timeout and classified retry. Concurrent calls with
// the same fingerprint share a single in-flight execution.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/naviyanka/lleo/pkg/cache"
	"github.com/naviyanka/lleo/pkg/defaults"
	"github.com/naviyanka/lleo/pkg/duration"
	"github.com/naviyanka/lleo/pkg/events"
	"github.com/naviyanka/lleo/pkg/hosterrors"
	"github.com/naviyanka/lleo/pkg/ratelimit"
	"github.com/naviyanka/lleo/pkg/resource"
	"github.com/naviyanka/lleo/pkg/retry"
)

// stderrTail bounds how much stderr is inspected when classifying a failure.
const stderrTail = 4096

// maxTimeoutAttempts caps attempts of a task that keeps timing out: one
// retry at most, whatever the retry policy allows for other transient
// failures.
const maxTimeoutAttempts = 2

// Publisher receives a ToolResultEvent for every result handed to a caller.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithLimiter enables per-tool and per-target rate admission.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithResources enables resource admission and process accounting.
func WithResources(m *resource.Manager) Option {
	return func(e *Executor) { e.resources = m }
}

// WithCache replaces the default result cache.
func WithCache(c *cache.Cache[*Result]) Option {
	return func(e *Executor) {
		if c != nil {
			e.cache = c
		}
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(cfg retry.Config) Option {
	return func(e *Executor) { e.retry = cfg }
}

// WithTracker enables unreachable-target tracking.
func WithTracker(t *hosterrors.Tracker) Option {
	return func(e *Executor) { e.targets = t }
}

// WithPublisher emits a ToolResultEvent for every result.
func WithPublisher(p Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// WithSession stamps emitted events with the session ID.
func WithSession(id string) Option {
	return func(e *Executor) { e.session = id }
}

// WithTracer sets the tracer used for per-execution spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithDefaultTimeout sets the per-attempt timeout for tasks without one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithAdmissionTimeout bounds how long rate admission may wait.
func WithAdmissionTimeout(d time.Duration) Option {
	return func(e *Executor) { e.admissionTimeout = d }
}

// Executor runs tasks. It is safe for concurrent use.
type Executor struct {
	logger           *slog.Logger
	limiter          *ratelimit.Limiter
	resources        *resource.Manager
	cache            *cache.Cache[*Result]
	targets          *hosterrors.Tracker
	publisher        Publisher
	tracer           trace.Tracer
	retry            retry.Config
	session          string
	defaultTimeout   time.Duration
	admissionTimeout time.Duration

	group singleflight.Group

	pathsMu sync.RWMutex
	paths   map[string]string

	spawned atomic.Int64
	shared  atomic.Int64
	cached  atomic.Int64
}

// New creates an executor. Without options it has no admission control and
// a default-sized cache.
func New(opts ...Option) *Executor {
	e := &Executor{
		logger:           slog.Default(),
		cache:            cache.New[*Result](cache.Config{MaxEntries: defaults.CacheSize}),
		tracer:           otel.Tracer("github.com/naviyanka/lleo/pkg/executor"),
		retry:            retry.DefaultConfig(),
		defaultTimeout:   duration.ToolDefault,
		admissionTimeout: duration.AdmissionWait,
		paths:            make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterTool records the resolved executable path for a tool name.
func (e *Executor) RegisterTool(name, path string) {
	e.pathsMu.Lock()
	e.paths[name] = path
	e.pathsMu.Unlock()
}

// ToolPath returns the registered path for a tool, if any.
func (e *Executor) ToolPath(name string) (string, bool) {
	e.pathsMu.RLock()
	defer e.pathsMu.RUnlock()
	p, ok := e.paths[name]
	return p, ok
}

// Cache exposes the result cache.
func (e *Executor) Cache() *cache.Cache[*Result] { return e.cache }

// Stats reports execution counters.
type Stats struct {
	Spawned int64       `json:"spawned"`
	Shared  int64       `json:"shared"`
	Cached  int64       `json:"cached"`
	Cache   cache.Stats `json:"cache"`
}

// Stats returns a point-in-time snapshot.
func (e *Executor) Stats() Stats {
	return Stats{
		Spawned: e.spawned.Load(),
		Shared:  e.shared.Load(),
		Cached:  e.cached.Load(),
		Cache:   e.cache.Stats(),
	}
}

// Execute runs task and returns its result. On tool failure both the result
// and an *ExecError are returned. Admission refusals return an
// *AdmissionError with a nil result and never spawn a process.
func (e *Executor) Execute(ctx context.Context, task Task) (*Result, error) {
	if err := task.validate(); err != nil {
		return nil, err
	}
	fp := Fingerprint(task)

	ctx, span := e.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("lleo.tool", task.Tool),
		attribute.String("lleo.target", task.Target),
		attribute.String("lleo.fingerprint", fp),
		attribute.String("lleo.module", task.Module),
	))
	defer span.End()

	if task.Metrics != nil {
		task.Metrics.TaskStarted()
	}
	start := time.Now()

	res, err := e.execute(ctx, task, fp)

	if task.Metrics != nil {
		task.Metrics.TaskFinished(time.Since(start), err == nil)
		if e.resources != nil {
			if rss := e.resources.Snapshot().ProcessRSS; rss > 0 {
				task.Metrics.ObserveMemory(uint64(rss))
			}
		}
	}
	if res != nil {
		span.SetAttributes(
			attribute.Int("lleo.attempts", res.Attempts),
			attribute.Bool("lleo.cached", res.Cached),
			attribute.Int("lleo.exit_code", res.ExitCode),
		)
		e.publish(ctx, task, res)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// execute joins or leads the single in-flight execution for fp.
func (e *Executor) execute(ctx context.Context, task Task, fp string) (*Result, error) {
	for {
		var led bool
		ch := e.group.DoChan(fp, func() (any, error) {
			led = true
			return e.run(ctx, task, fp)
		})

		var r singleflight.Result
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r = <-ch:
		}

		res, _ := r.Val.(*Result)
		if !led {
			// The leader's caller went away; its cancellation is not ours.
			if r.Err != nil && IsCancelled(r.Err) && ctx.Err() == nil {
				continue
			}
			e.shared.Add(1)
			if res != nil {
				res = res.asCached()
			}
		}
		return res, r.Err
	}
}

// run is the body of one in-flight execution.
func (e *Executor) run(ctx context.Context, task Task, fp string) (*Result, error) {
	refund, err := e.admit(ctx, task)
	if err != nil {
		return nil, err
	}

	if entry, ok := e.cache.Get(fp); ok {
		// Work never began; the admission tokens go back.
		refund()
		e.cached.Add(1)
		res := entry.Value.asCached()
		return res, res.err()
	}

	if e.targets != nil && e.targets.Check(task.Target) {
		refund()
		res := &Result{
			Tool:        task.Tool,
			Target:      task.Target,
			Fingerprint: fp,
			ExitCode:    -1,
			StartedAt:   time.Now(),
			ErrorKind:   KindPermanent,
			Error:       ErrTargetUnreachable.Error(),
		}
		e.logger.Debug("skipping unreachable target",
			slog.String("tool", task.Tool),
			slog.String("target", task.Target),
			slog.String("fingerprint", fp))
		return res, &ExecError{
			Tool: task.Tool, Target: task.Target, Fingerprint: fp,
			ExitCode: -1, Kind: KindPermanent,
			Err: fmt.Errorf("%w: %w", ErrToolExecution, ErrTargetUnreachable),
		}
	}

	if err := ctx.Err(); err != nil {
		refund()
		return nil, err
	}
	res, err := e.runWithRetry(ctx, task, fp)
	if res == nil {
		// Cancelled before the first spawn; the work never began.
		if IsCancelled(err) {
			refund()
		}
		return nil, err
	}
	if ctx.Err() != nil {
		// Cancelled results are never cached.
		return res, err
	}
	// The cache owns its copy; callers may not alias it.
	stored := *res
	e.cache.Put(fp, &stored)
	return res, err
}

// admit checks resources and takes tokens from the tool and target buckets.
// The returned func refunds the tokens.
func (e *Executor) admit(ctx context.Context, task Task) (refund func(), err error) {
	deny := func(err error) error {
		if IsCancelled(err) {
			return err
		}
		e.logger.Debug("admission denied",
			slog.String("tool", task.Tool),
			slog.String("target", task.Target),
			slog.String("error", err.Error()))
		return &AdmissionError{Tool: task.Tool, Target: task.Target, Err: err}
	}

	if e.resources != nil {
		if err := e.resources.Check(ctx); err != nil {
			return nil, deny(err)
		}
	}
	if e.limiter == nil {
		return func() {}, nil
	}

	toolRes, err := e.limiter.Acquire(ctx, ratelimit.ToolKey(task.Tool), 1, e.admissionTimeout)
	if err != nil {
		return nil, deny(err)
	}
	targetRes, err := e.limiter.Acquire(ctx, ratelimit.TargetKey(task.Target), 1, e.admissionTimeout)
	if err != nil {
		toolRes.Cancel()
		return nil, deny(err)
	}
	return func() {
		toolRes.Cancel()
		targetRes.Cancel()
	}, nil
}

func (e *Executor) runWithRetry(ctx context.Context, task Task, fp string) (*Result, error) {
	cfg := e.retry
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.logger.Warn("retrying tool",
			slog.String("tool", task.Tool),
			slog.String("target", task.Target),
			slog.String("fingerprint", fp),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
	}

	var (
		last     *Result
		lastKind Kind
		attempts int
		timeouts int
	)
	err := retry.Do(ctx, cfg, func() error {
		attempts++
		res, kind, err := e.invoke(ctx, task, fp)
		last, lastKind = res, kind
		if err == nil {
			return nil
		}
		switch kind {
		case KindPermanent:
			return retry.Stop(err)
		case KindTimeout:
			if timeouts++; timeouts >= maxTimeoutAttempts {
				return retry.Stop(err)
			}
		}
		return err
	})

	if last == nil {
		// Cancelled before the first spawn.
		return nil, err
	}
	last.Attempts = attempts
	if err == nil {
		return last, nil
	}

	if ctx.Err() != nil && IsCancelled(err) {
		lastKind = KindCancelled
	}
	last.Success = false
	last.ErrorKind = lastKind
	last.Error = err.Error()

	e.logger.Error("tool failed",
		slog.String("tool", task.Tool),
		slog.String("target", task.Target),
		slog.String("fingerprint", fp),
		slog.Int("attempt", attempts),
		slog.Int("exit_code", last.ExitCode),
		slog.String("kind", string(lastKind)),
		slog.String("error", err.Error()))

	return last, &ExecError{
		Tool:        task.Tool,
		Target:      task.Target,
		Fingerprint: fp,
		Attempts:    attempts,
		ExitCode:    last.ExitCode,
		Kind:        lastKind,
		Err:         err,
	}
}

// invoke spawns the tool once and classifies the outcome.
func (e *Executor) invoke(ctx context.Context, task Task, fp string) (*Result, Kind, error) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	name := filepath.Base(task.Tool)
	res := &Result{
		Tool:        task.Tool,
		Target:      task.Target,
		Fingerprint: fp,
		ExitCode:    -1,
		StdoutPath:  filepath.Join(task.TargetDir, fmt.Sprintf("%s-%s.out", name, fp[:12])),
		StderrPath:  filepath.Join(task.TargetDir, fmt.Sprintf("%s-%s.err", name, fp[:12])),
		StartedAt:   time.Now(),
	}

	if err := os.MkdirAll(task.TargetDir, defaults.DirPerm); err != nil {
		return res, KindPermanent, fmt.Errorf("%w: create target dir: %w", ErrToolExecution, err)
	}
	stdout, err := os.Create(res.StdoutPath)
	if err != nil {
		return res, KindPermanent, fmt.Errorf("%w: %w", ErrToolExecution, err)
	}
	defer stdout.Close()
	stderr, err := os.Create(res.StderrPath)
	if err != nil {
		return res, KindPermanent, fmt.Errorf("%w: %w", ErrToolExecution, err)
	}
	defer stderr.Close()

	path := task.Tool
	if p, ok := e.ToolPath(task.Tool); ok {
		path = p
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, task.Args...)
	cmd.Dir = task.TargetDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = duration.ProcessWaitDelay
	if len(task.Env) > 0 {
		cmd.Env = append(os.Environ(), task.Env...)
	}
	configureProcess(cmd)

	release := func() {}
	if e.resources != nil {
		release = e.resources.Track()
	}
	e.spawned.Add(1)
	start := time.Now()
	err = cmd.Run()
	res.DurationMs = time.Since(start).Milliseconds()
	release()

	if err == nil {
		res.ExitCode = 0
		res.Success = true
		return res, "", nil
	}

	switch {
	case ctx.Err() != nil:
		return res, KindCancelled, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return res, KindTimeout, fmt.Errorf("%w after %s", ErrToolTimeout, timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}

	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist), res.ExitCode == 127:
		res.ExitCode = 127
		return res, KindPermanent, fmt.Errorf("%w: %w: %s", ErrToolExecution, ErrToolNotFound, path)
	case errors.Is(err, fs.ErrPermission), res.ExitCode == 126:
		res.ExitCode = 126
		return res, KindPermanent, fmt.Errorf("%w: %s is not executable", ErrToolExecution, path)
	}

	tail := readTail(res.StderrPath, stderrTail)
	kind := classify(tail)
	if hosterrors.IsUnreachableOutput(tail) && e.targets != nil {
		if e.targets.MarkError(task.Target) {
			e.logger.Warn("target marked unreachable",
				slog.String("target", task.Target),
				slog.String("tool", task.Tool))
		}
	}
	return res, kind, fmt.Errorf("%w: %s exited with status %d", ErrToolExecution, name, res.ExitCode)
}

// transientSignatures mark stderr output of failures worth retrying.
var transientSignatures = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"timed out",
	"temporary failure",
	"too many requests",
	"rate limit",
	"429",
	"503",
	"try again",
	"resource temporarily unavailable",
	"network is unreachable",
	"no route to host",
}

// classify decides whether a non-zero exit is worth retrying from its stderr.
func classify(stderr string) Kind {
	lower := strings.ToLower(stderr)
	for _, sig := range transientSignatures {
		if strings.Contains(lower, sig) {
			return KindTransient
		}
	}
	return KindPermanent
}

func readTail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	if st, err := f.Stat(); err == nil && st.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return ""
		}
	}
	b, err := io.ReadAll(io.LimitReader(f, n))
	if err != nil {
		return ""
	}
	return string(b)
}

func (e *Executor) publish(ctx context.Context, task Task, res *Result) {
	if e.publisher == nil {
		return
	}
	ev := events.NewToolResult(e.session)
	ev.Module = task.Module
	ev.Tool = res.Tool
	ev.Target = res.Target
	ev.Fingerprint = res.Fingerprint
	ev.Success = res.Success
	ev.ExitCode = res.ExitCode
	ev.Attempts = res.Attempts
	ev.DurationMs = res.DurationMs
	ev.Cached = res.Cached
	ev.ErrorKind = string(res.ErrorKind)
	e.publisher.Publish(ctx, ev)
}

// ExecuteWithBackoff calls Execute, pausing and retrying while admission is
// refused. Tool failures are returned as-is.
func (e *Executor) ExecuteWithBackoff(ctx context.Context, task Task, backoff retry.Config) (*Result, error) {
	if backoff.MaxAttempts <= 0 {
		backoff.MaxAttempts = 1
	}
	var res *Result
	err := retry.Do(ctx, backoff, func() error {
		var err error
		res, err = e.Execute(ctx, task)
		if err == nil || IsRetryable(err) {
			return err
		}
		return retry.Stop(err)
	})
	return res, err
}
