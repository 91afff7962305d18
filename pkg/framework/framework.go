// Package framework drives one recon session: it resolves the tools every
// registered module declares, runs the enabled modules concurrently against
// a target, writes their normalized results into the output tree and
// reports health while they run.
//
// A session moves Created -> ToolsResolved -> Running -> Completed. It moves
// to Aborted instead when the output tree is unwritable, the registry is
// corrupt or the operator cancels. Completed and Aborted are terminal, so a
// Framework runs at most one session.
//
// Output layout for target t under the configured output dir:
//
//	<out>/<t>/session.json
//	<out>/<t>/logs/events.jsonl
//	<out>/<t>/temp/<module>/        scratch, removed when the module returns
//	<out>/<t>/<capability>/         raw tool output and <module>.json
package framework

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/naviyanka/lleo/pkg/cache"
	"github.com/naviyanka/lleo/pkg/config"
	"github.com/naviyanka/lleo/pkg/defaults"
	"github.com/naviyanka/lleo/pkg/dispatcher"
	"github.com/naviyanka/lleo/pkg/duration"
	"github.com/naviyanka/lleo/pkg/events"
	"github.com/naviyanka/lleo/pkg/executor"
	"github.com/naviyanka/lleo/pkg/health"
	"github.com/naviyanka/lleo/pkg/hooks"
	"github.com/naviyanka/lleo/pkg/hosterrors"
	"github.com/naviyanka/lleo/pkg/jsonutil"
	"github.com/naviyanka/lleo/pkg/module"
	"github.com/naviyanka/lleo/pkg/ratelimit"
	"github.com/naviyanka/lleo/pkg/resource"
	"github.com/naviyanka/lleo/pkg/retry"
	"github.com/naviyanka/lleo/pkg/session"
	"github.com/naviyanka/lleo/pkg/workerpool"
)

// errAbortRequested is the cancellation cause of Abort.
var errAbortRequested = errors.New("abort requested")

// Option configures a Framework.
type Option func(*Framework)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Framework) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithResolver replaces the PATH-based tool resolver.
func WithResolver(r module.Resolver) Option {
	return func(f *Framework) { f.resolver = r }
}

// WithModules registers modules when the framework is created.
func WithModules(mods ...module.Module) Option {
	return func(f *Framework) { f.pending = append(f.pending, mods...) }
}

// WithHooks subscribes live event consumers.
func WithHooks(h ...dispatcher.Hook) Option {
	return func(f *Framework) { f.hooks = append(f.hooks, h...) }
}

// WithResourceProbe replaces the system resource probe.
func WithResourceProbe(p resource.Probe) Option {
	return func(f *Framework) { f.probe = p }
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(f *Framework) { f.id = id }
}

type moduleRun struct {
	cancel context.CancelCauseFunc
}

// Framework orchestrates one session. It is safe for concurrent use; Abort,
// CancelModule and HealthCheck may be called while Run is in progress.
type Framework struct {
	cfg    *config.Config
	logger *slog.Logger
	id     string

	registry  *module.Registry
	resolver  module.Resolver
	limiter   *ratelimit.Limiter
	resources *resource.Manager
	cache     *cache.Cache[*executor.Result]
	tracker   *hosterrors.Tracker
	events    *dispatcher.Dispatcher
	exec      *executor.Executor
	store     *session.Store

	probe   resource.Probe
	pending []module.Module
	hooks   []dispatcher.Hook

	mu        sync.Mutex
	state     State
	reason    string
	target    string
	rootDir   string
	startedAt time.Time
	cancelRun context.CancelCauseFunc
	running   map[string]*moduleRun
	metrics   map[string]*module.Metrics
}

// New creates a framework in the Created state. It validates cfg and
// registers any WithModules modules; it performs no I/O.
func New(cfg *config.Config, opts ...Option) (*Framework, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Framework{
		cfg:      cfg,
		logger:   slog.Default(),
		registry: module.NewRegistry(),
		state:    StateCreated,
		running:  make(map[string]*moduleRun),
		metrics:  make(map[string]*module.Metrics),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.id == "" {
		f.id = session.NewID()
	}
	f.logger = f.logger.With(slog.String("session", f.id))

	if f.resolver == nil {
		f.resolver = module.NewExecResolver(
			module.WithPaths(cfg.ToolPaths()),
			module.WithMinVersions(cfg.ToolMinVersions()),
			module.WithResolverLogger(f.logger))
	}

	resOpts := []resource.Option{resource.WithLogger(f.logger)}
	if f.probe != nil {
		resOpts = append(resOpts, resource.WithProbe(f.probe))
	}
	f.resources = resource.NewManager(cfg.ResourceLimits(), resOpts...)
	f.limiter = ratelimit.New(cfg.RateLimiter())
	f.cache = cache.New[*executor.Result](cfg.CacheConfig())
	f.tracker = hosterrors.New(hosterrors.DefaultMaxErrors, hosterrors.DefaultExpiry)

	f.events = dispatcher.New(dispatcher.WithLogger(f.logger))
	for _, h := range f.hooks {
		f.events.RegisterHook(h)
	}

	f.exec = executor.New(
		executor.WithLogger(f.logger),
		executor.WithLimiter(f.limiter),
		executor.WithResources(f.resources),
		executor.WithCache(f.cache),
		executor.WithRetry(cfg.RetryPolicy()),
		executor.WithTracker(f.tracker),
		executor.WithPublisher(f.events),
		executor.WithSession(f.id),
		executor.WithDefaultTimeout(cfg.General.Timeout),
		executor.WithAdmissionTimeout(cfg.General.AdmissionTimeout),
	)
	f.store = session.New("", f.id, "", string(StateCreated))

	for _, m := range f.pending {
		if err := f.registry.Register(m); err != nil {
			return nil, err
		}
	}
	f.pending = nil
	return f, nil
}

// Register adds a module. Registration is only possible before tools are
// resolved.
func (f *Framework) Register(m module.Module) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateCreated {
		return fmt.Errorf("%w: register in state %s", ErrIllegalTransition, f.state)
	}
	return f.registry.Register(m)
}

// SessionID returns the session id.
func (f *Framework) SessionID() string { return f.id }

// Registry exposes the module registry for listing.
func (f *Framework) Registry() *module.Registry { return f.registry }

// Executor exposes the shared tool executor.
func (f *Framework) Executor() *executor.Executor { return f.exec }

// State returns the current lifecycle state.
func (f *Framework) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// ModuleStatuses returns every recorded module status.
func (f *Framework) ModuleStatuses() map[string]session.ModuleStatus {
	snap := f.store.Snapshot()
	out := make(map[string]session.ModuleStatus, len(snap.Modules))
	for name, rec := range snap.Modules {
		out[name] = rec.Status
	}
	return out
}

// ResolveTools locates every declared tool once and moves the session to
// ToolsResolved. Modules with a missing or outdated tool are recorded as
// unavailable; they never run and do not block the others.
func (f *Framework) ResolveTools(ctx context.Context) (map[string]module.Availability, error) {
	if err := f.expect(StateCreated, StateToolsResolved); err != nil {
		return nil, err
	}

	avail, err := f.registry.Resolve(ctx, f.resolver, f.logger)
	if err != nil {
		f.abort(fmt.Sprintf("tool resolution interrupted: %v", err))
		return nil, fmt.Errorf("%w: %w", ErrSessionAborted, err)
	}

	for _, d := range f.registry.Descriptors() {
		if !f.cfg.ModuleEnabled(d.Name) {
			continue
		}
		a := avail[d.Name]
		if a.Available {
			for _, t := range a.Tools {
				if t.Resolved() {
					f.exec.RegisterTool(t.Name, t.Path)
				}
			}
		}
		f.updateModule(d.Name, func(r *session.ModuleRecord) {
			r.Capability = string(d.Capability)
			if a.Available {
				r.Status = session.StatusPending
				return
			}
			r.Status = session.StatusUnavailable
			r.Missing = slices.Clone(a.Missing)
			r.Error = a.Reason
		})
	}

	if err := f.transition(StateToolsResolved, ""); err != nil {
		return nil, err
	}
	return avail, nil
}

// Run executes the session against target and blocks until every launched
// module has returned. Called in Created it resolves tools first.
//
// Module failures never fail the session: they are recorded as
// {"error": msg} results and the session still completes. An unwritable
// output tree returns ErrOutputUnwritable; cancellation of ctx or Abort
// returns the partial report together with ErrSessionAborted.
func (f *Framework) Run(ctx context.Context, target string) (*Report, error) {
	target, err := normalizeTarget(target)
	if err != nil {
		return nil, err
	}
	if f.State() == StateCreated {
		if _, err := f.ResolveTools(ctx); err != nil {
			return nil, err
		}
	}
	if err := f.expect(StateToolsResolved, StateRunning); err != nil {
		return nil, err
	}

	selected, err := f.selectModules()
	if err != nil {
		if errors.Is(err, ErrRegistryCorrupt) {
			f.abort(err.Error())
		}
		return nil, err
	}

	// Tools run with their capability dir as working directory, so every path
	// handed to them must be absolute.
	out, err := filepath.Abs(f.cfg.General.OutputDir)
	if err != nil {
		f.abort(err.Error())
		return nil, fmt.Errorf("%w: %w", ErrOutputUnwritable, err)
	}
	root := filepath.Join(out, target)
	f.mu.Lock()
	f.target = target
	f.rootDir = root
	f.mu.Unlock()

	if err := f.prepareOutput(root, target); err != nil {
		f.abort(err.Error())
		return nil, fmt.Errorf("%w: %w", ErrOutputUnwritable, err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	f.mu.Lock()
	f.cancelRun = cancel
	f.startedAt = time.Now()
	f.mu.Unlock()

	if err := f.transition(StateRunning, ""); err != nil {
		if f.State() == StateAborted {
			return nil, fmt.Errorf("%w: %w", ErrSessionAborted, err)
		}
		return nil, err
	}
	f.logger.Info("session started",
		slog.String("target", target),
		slog.Int("modules", len(selected)),
		slog.String("output", root))

	mon := health.NewMonitor(f.HealthCheck, f.cfg.Telemetry.HealthEvery)
	mon.SetCallback(f.onHealth)
	mon.Start(runCtx)

	pool := workerpool.New(f.cfg.General.Concurrency, workerpool.WithPanicHandler(func(r any) {
		f.logger.Error("module worker panicked", slog.Any("panic", r))
	}))
	for _, m := range selected {
		err := pool.Submit(runCtx, func() { f.runModule(runCtx, m, target, root) })
		if err != nil {
			f.markCancelled(m.Name(), context.Cause(runCtx))
		}
	}
	pool.Wait()
	pool.Close()
	mon.Stop()

	if err := os.RemoveAll(filepath.Join(root, defaults.TempDir)); err != nil {
		f.logger.Warn("temp dir not removed", slog.String("error", err.Error()))
	}

	// An Abort that returned nil always ends the session Aborted.
	f.mu.Lock()
	f.cancelRun = nil
	cancelled := runCtx.Err() != nil
	f.mu.Unlock()

	if cancelled {
		cause := context.Cause(runCtx)
		f.abort(cause.Error())
		rep := f.report()
		f.flush()
		return rep, fmt.Errorf("%w: %w", ErrSessionAborted, cause)
	}

	if err := f.transition(StateCompleted, ""); err != nil {
		return nil, err
	}
	rep := f.report()
	f.flush()
	f.logger.Info("session completed",
		slog.String("target", target),
		slog.Int64("duration_ms", rep.DurationMs))
	return rep, nil
}

// Abort cancels the session. While Running it cancels every module and Run
// returns ErrSessionAborted; before that it moves straight to Aborted. Once
// every module has returned it is too late and Abort fails with
// ErrIllegalTransition.
func (f *Framework) Abort(reason string) error {
	if reason == "" {
		reason = "aborted by operator"
	}
	f.mu.Lock()
	state, cancel := f.state, f.cancelRun
	if state == StateRunning && cancel != nil {
		cancel(fmt.Errorf("%w: %s", errAbortRequested, reason))
	}
	f.mu.Unlock()

	switch {
	case state == StateRunning && cancel != nil:
		f.logger.Warn("aborting session", slog.String("reason", reason))
		return nil
	case state == StateRunning:
		return fmt.Errorf("%w: session already finishing", ErrIllegalTransition)
	case state.Terminal():
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, state, StateAborted)
	default:
		return f.transition(StateAborted, reason)
	}
}

// CancelModule cancels one running module. Its in-flight tools are killed
// and it is recorded as cancelled; the session continues.
func (f *Framework) CancelModule(name string) error {
	f.mu.Lock()
	run, ok := f.running[name]
	f.mu.Unlock()
	if !ok {
		if _, registered := f.registry.Get(name); !registered {
			return fmt.Errorf("%w: %s", module.ErrModuleNotFound, name)
		}
		return fmt.Errorf("%w: %s", ErrModuleNotRunning, name)
	}
	run.cancel(fmt.Errorf("module %s cancelled by operator", name))
	return nil
}

// HealthCheck evaluates the session now. Exceeded resource ceilings and an
// aborted session are unhealthy. Near-limit resources, an unreachable target
// and failed modules are reported as warnings and leave the session healthy.
func (f *Framework) HealthCheck() health.Report {
	f.mu.Lock()
	state, target, reason := f.state, f.target, f.reason
	metrics := maps.Clone(f.metrics)
	f.mu.Unlock()

	snap := f.store.Snapshot()
	rep := health.Report{
		State:     string(state),
		Session:   f.id,
		Target:    target,
		CheckedAt: time.Now(),
		Modules:   make(map[string]health.ModuleHealth, len(snap.Modules)),
		Resources: f.resources.Snapshot(),
		RateLimit: f.limiter.Stats(),
		Cache:     f.cache.Stats(),
		Warnings:  f.resources.Warnings(),
	}

	failed := 0
	for name, rec := range snap.Modules {
		rep.Modules[name] = health.ModuleHealth{
			Status:  string(rec.Status),
			Error:   rec.Error,
			Metrics: metrics[name].Snapshot(),
		}
		if rec.Status == session.StatusFailed {
			failed++
		}
	}

	if err := f.resources.Headroom(); err != nil {
		rep.Critical = append(rep.Critical, err.Error())
	}
	if state == StateAborted {
		rep.Critical = append(rep.Critical, "session aborted: "+reason)
	}
	if target != "" && f.tracker.Check(target) {
		rep.Warnings = append(rep.Warnings, "target "+target+" marked unreachable")
	}
	if failed > 0 {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("%d module(s) failed", failed))
	}
	rep.Evaluate()
	return rep
}

// Close flushes and closes the event log and every hook that holds
// resources, and drops cached tool results.
func (f *Framework) Close() error {
	f.cache.Clear()
	return f.events.Close()
}

// expect fails unless the session is in from.
func (f *Framework) expect(from, to State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != from {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, f.state, to)
	}
	return nil
}

// transition moves the session to next, persists it and publishes the change.
func (f *Framework) transition(next State, reason string) error {
	f.mu.Lock()
	from := f.state
	if !from.CanTransition(next) {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, next)
	}
	f.state = next
	if reason != "" {
		f.reason = reason
	}
	target := f.target
	f.mu.Unlock()

	if err := f.store.SetState(string(next), reason); err != nil {
		f.logger.Warn("session state not saved", slog.String("error", err.Error()))
	}
	f.logger.Debug("session transition",
		slog.String("from", string(from)),
		slog.String("to", string(next)),
		slog.String("reason", reason))
	f.events.Publish(context.Background(), events.NewSessionState(f.id, target, string(from), string(next), reason))
	return nil
}

func (f *Framework) abort(reason string) {
	if err := f.transition(StateAborted, reason); err != nil {
		f.logger.Debug("abort ignored", slog.String("error", err.Error()))
	}
}

// selectModules returns the enabled, available modules in name order.
func (f *Framework) selectModules() ([]module.Module, error) {
	for _, name := range f.cfg.Modules.Enabled {
		if _, ok := f.registry.Get(name); !ok {
			return nil, fmt.Errorf("%w: %s", module.ErrModuleNotFound, name)
		}
	}

	var out []module.Module
	for _, name := range f.registry.List() {
		if !f.cfg.ModuleEnabled(name) {
			continue
		}
		m, _ := f.registry.Get(name)
		a, ok := f.registry.Availability(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s was never resolved", ErrRegistryCorrupt, name)
		}
		if !a.Available {
			continue
		}
		if err := checkDescriptor(m, a); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// checkDescriptor fails when m's declared tools no longer match what was
// resolved for it.
func checkDescriptor(m module.Module, a module.Availability) error {
	d := module.Describe(m)
	if len(d.Tools) != len(a.Tools) {
		return fmt.Errorf("%w: %s declares %d tools, %d resolved", ErrRegistryCorrupt, d.Name, len(d.Tools), len(a.Tools))
	}
	for i, t := range d.Tools {
		if t.Name != a.Tools[i].Name {
			return fmt.Errorf("%w: %s tool %d is %s, resolved %s", ErrRegistryCorrupt, d.Name, i, t.Name, a.Tools[i].Name)
		}
	}
	return nil
}

// prepareOutput creates the target tree, starts persisting session.json and
// opens the event log.
func (f *Framework) prepareOutput(root, target string) error {
	for _, dir := range []string{
		root,
		filepath.Join(root, defaults.LogsDir),
		filepath.Join(root, defaults.TempDir),
	} {
		if err := os.MkdirAll(dir, defaults.DirPerm); err != nil {
			return err
		}
	}
	if err := f.store.Attach(filepath.Join(root, defaults.SessionFile), target); err != nil {
		return err
	}
	if f.cfg.Telemetry.EventLog {
		log, err := hooks.OpenJSONL(filepath.Join(root, defaults.LogsDir, defaults.EventLogFile))
		if err != nil {
			return err
		}
		f.events.RegisterWriter(log)
	}
	return nil
}

func (f *Framework) runModule(ctx context.Context, m module.Module, target, root string) {
	name, c := m.Name(), m.Capability()
	if ctx.Err() != nil {
		f.markCancelled(name, context.Cause(ctx))
		return
	}
	log := f.logger.With(slog.String("module", name))

	mctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	metrics := &module.Metrics{}
	f.mu.Lock()
	f.running[name] = &moduleRun{cancel: cancel}
	f.metrics[name] = metrics
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.running, name)
		f.mu.Unlock()
	}()

	env := &module.Env{
		Module:       name,
		Target:       target,
		RootDir:      root,
		OutputDir:    filepath.Join(root, string(c)),
		TempDir:      filepath.Join(root, defaults.TempDir, name),
		Executor:     f.exec,
		Metrics:      metrics,
		Logger:       log,
		Timeout:      f.cfg.General.Timeout,
		ToolTimeouts: f.cfg.ToolTimeouts(),
		Backoff:      f.admissionBackoff(),
	}
	resultFile := env.CapabilityFile(c, name)

	f.updateModule(name, func(r *session.ModuleRecord) {
		r.Capability = string(c)
		r.Status = session.StatusRunning
		r.ResultFile = resultFile
	})
	f.events.Publish(mctx, events.NewModuleStart(f.id, name, string(c), target))
	log.Info("module started", slog.String("capability", string(c)))
	start := time.Now()

	res, err := f.invoke(mctx, m, env)
	status := session.StatusCompleted
	if err != nil {
		status = session.StatusFailed
		if mctx.Err() != nil {
			status = session.StatusCancelled
			err = fmt.Errorf("cancelled: %w", context.Cause(mctx))
		}
		res = module.ErrorResult(err.Error())
		log.Warn("module failed", slog.String("status", string(status)), slog.String("error", err.Error()))
	}
	if res == nil {
		res = module.Result{}
	}
	if werr := jsonutil.WriteFile(resultFile, res, defaults.FilePerm); werr != nil {
		status = session.StatusFailed
		err = errors.Join(err, fmt.Errorf("write result: %w", werr))
		log.Error("module result not written", slog.String("path", resultFile), slog.String("error", werr.Error()))
	}

	elapsed := time.Since(start)
	f.updateModule(name, func(r *session.ModuleRecord) {
		r.Status = status
		r.DurationMs = elapsed.Milliseconds()
		if err != nil {
			r.Error = err.Error()
		}
	})

	snap := metrics.Snapshot()
	ev := events.NewModuleComplete(f.id, name, string(c), target)
	ev.Status = string(status)
	ev.DurationMs = elapsed.Milliseconds()
	ev.TasksStarted = snap.TasksStarted
	ev.TasksCompleted = snap.TasksCompleted
	ev.TasksFailed = snap.TasksFailed
	if err != nil {
		ev.Error = err.Error()
	}
	f.events.Publish(context.WithoutCancel(mctx), ev)
	log.Info("module finished",
		slog.String("status", string(status)),
		slog.Duration("elapsed", elapsed),
		slog.Int64("tasks", snap.TasksStarted))
}

// invoke runs m with its directories in place, converting a panic into an
// error. The module temp dir is removed on every exit path.
func (f *Framework) invoke(ctx context.Context, m module.Module, env *module.Env) (res module.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module panicked: %v", r)
			env.Log().Error("module panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	tools, err := f.registry.ResolvedTools(env.Module)
	if err != nil {
		return nil, err
	}
	env.Tools = tools

	for _, dir := range []string{env.OutputDir, env.TempDir} {
		if err := os.MkdirAll(dir, defaults.DirPerm); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOutputUnwritable, err)
		}
	}
	defer os.RemoveAll(env.TempDir)

	return m.Run(ctx, env)
}

// admissionBackoff paces modules while admission is refused. It follows the
// retry policy with the first pause capped at duration.AdmissionBackoff.
func (f *Framework) admissionBackoff() retry.Config {
	b := f.cfg.RetryPolicy()
	if b.InitDelay <= 0 || b.InitDelay > duration.AdmissionBackoff {
		b.InitDelay = duration.AdmissionBackoff
	}
	return b
}

func (f *Framework) markCancelled(name string, cause error) {
	msg := "cancelled"
	if cause != nil {
		msg = "cancelled: " + cause.Error()
	}
	f.updateModule(name, func(r *session.ModuleRecord) {
		r.Status = session.StatusCancelled
		r.Error = msg
	})
}

func (f *Framework) updateModule(name string, fn func(*session.ModuleRecord)) {
	if err := f.store.UpdateModule(name, fn); err != nil {
		f.logger.Warn("session not saved",
			slog.String("module", name),
			slog.String("error", err.Error()))
	}
}

func (f *Framework) onHealth(rep health.Report) {
	f.events.Publish(context.Background(), events.NewHealth(f.id, string(rep.Status), rep.Warnings))
	if rep.Status == health.StatusUnhealthy {
		f.logger.Warn("session unhealthy", slog.String("critical", strings.Join(rep.Critical, "; ")))
	}
}

func (f *Framework) flush() {
	if err := f.events.Flush(); err != nil {
		f.logger.Warn("event log not flushed", slog.String("error", err.Error()))
	}
}

func (f *Framework) report() *Report {
	snap := f.store.Snapshot()
	f.mu.Lock()
	rep := &Report{
		SessionID: f.id,
		Target:    f.target,
		State:     f.state,
		Reason:    f.reason,
		OutputDir: f.rootDir,
		StartedAt: f.startedAt,
	}
	metrics := maps.Clone(f.metrics)
	f.mu.Unlock()

	rep.FinishedAt = time.Now()
	if !rep.StartedAt.IsZero() {
		rep.DurationMs = rep.FinishedAt.Sub(rep.StartedAt).Milliseconds()
	}
	rep.Executor = f.exec.Stats()
	rep.Health = f.HealthCheck()

	rep.Modules = make([]ModuleReport, 0, len(snap.Modules))
	for name, rec := range snap.Modules {
		rep.Modules = append(rep.Modules, ModuleReport{
			Name:       name,
			Capability: module.Capability(rec.Capability),
			Status:     rec.Status,
			Error:      rec.Error,
			ResultFile: rec.ResultFile,
			Missing:    rec.Missing,
			DurationMs: rec.DurationMs,
			Metrics:    metrics[name].Snapshot(),
		})
	}
	sortModules(rep.Modules)
	return rep
}

// normalizeTarget lowercases target and rejects values that cannot name a
// directory under the output root.
func normalizeTarget(target string) (string, error) {
	t := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(target), "."))
	if t == "" || t == "." || strings.ContainsAny(t, `/\`) || !filepath.IsLocal(t) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	return t, nil
}
