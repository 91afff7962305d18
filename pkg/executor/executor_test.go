//go:build unix

package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sys/unix"

	"github.com/naviyanka/lleo/pkg/events"
	"github.com/naviyanka/lleo/pkg/hosterrors"
	"github.com/naviyanka/lleo/pkg/ratelimit"
	"github.com/naviyanka/lleo/pkg/resource"
	"github.com/naviyanka/lleo/pkg/retry"
)

// fastRetry keeps retry tests quick.
var fastRetry = retry.Config{
	MaxAttempts: 3,
	InitDelay:   time.Millisecond,
	MaxDelay:    5 * time.Millisecond,
	Strategy:    retry.Constant,
}

// writeTool creates an executable shell script and returns its path.
func writeTool(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// countLines returns how many times a tool appended to its counter file.
func countLines(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(b), "\n")
}

func newTask(t *testing.T, tool string, args ...string) Task {
	return Task{
		Tool:      tool,
		Args:      args,
		Target:    "example.com",
		TargetDir: t.TempDir(),
		Timeout:   5 * time.Second,
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

type countingRecorder struct {
	started  atomic.Int32
	ok       atomic.Int32
	failed   atomic.Int32
	memories atomic.Int32
}

func (r *countingRecorder) TaskStarted() { r.started.Add(1) }
func (r *countingRecorder) TaskFinished(_ time.Duration, ok bool) {
	if ok {
		r.ok.Add(1)
	} else {
		r.failed.Add(1)
	}
}
func (r *countingRecorder) ObserveMemory(uint64) { r.memories.Add(1) }

type staticProbe struct{ mem float64 }

func (p staticProbe) MemoryPercent() (float64, error) { return p.mem, nil }
func (p staticProbe) DiskPercent(string) (float64, error) { return 10, nil }
func (p staticProbe) OpenFiles() (int, error) { return 5, nil }
func (p staticProbe) ProcessRSS() (uint64, error) { return 1 << 20, nil }

func TestExecute_Success(t *testing.T) {
	t.Parallel()
	tool := writeTool(t, "echo-tool", `echo "found $1"`)
	e := New(WithRetry(fastRetry))

	res, err := e.Execute(context.Background(), newTask(t, tool, "sub.example.com"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Cached)
	assert.Len(t, res.Fingerprint, 32)

	out, err := os.ReadFile(res.StdoutPath)
	require.NoError(t, err)
	assert.Equal(t, "found sub.example.com\n", string(out))
	assert.FileExists(t, res.StderrPath)
}

func TestExecute_CacheHit(t *testing.T) {
	t.Parallel()
	counter := filepath.Join(t.TempDir(), "count")
	tool := writeTool(t, "counted", `echo x >> "`+counter+`"`)
	e := New(WithRetry(fastRetry))
	task := newTask(t, tool, "-silent")

	first, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	second, err := e.Execute(context.Background(), task)
	require.NoError(t, err)

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.StdoutPath, second.StdoutPath)
	assert.Equal(t, 1, countLines(t, counter))
	assert.Equal(t, int64(1), e.Stats().Spawned)
}

func TestExecute_SingleFlight(t *testing.T) {
	t.Parallel()
	counter := filepath.Join(t.TempDir(), "count")
	tool := writeTool(t, "probe-http", `echo x >> "`+counter+`"; sleep 0.3; echo ok`)
	e := New(WithRetry(fastRetry))

	const callers = 6
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Different modules, different dirs, same invocation.
			task := newTask(t, tool, "-title")
			task.Module = "module-" + strconv.Itoa(i)
			res, err := e.Execute(context.Background(), task)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, countLines(t, counter), "the tool must run once")
	assert.Equal(t, int64(1), e.Stats().Spawned)
	assert.Equal(t, 1, e.Cache().Len())

	fresh := 0
	for _, r := range results {
		require.NotNil(t, r)
		assert.True(t, r.Success)
		assert.Equal(t, results[0].Fingerprint, r.Fingerprint)
		if !r.Cached {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestExecute_TimeoutKillsProcess(t *testing.T) {
	t.Parallel()
	pidFile := filepath.Join(t.TempDir(), "pid")
	tool := writeTool(t, "hang", `echo $$ > "`+pidFile+`"; exec sleep 10`)
	e := New(WithRetry(retry.Config{MaxAttempts: 1}))

	task := newTask(t, tool)
	task.Timeout = 300 * time.Millisecond

	start := time.Now()
	res, err := e.Execute(context.Background(), task)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolTimeout)
	assert.Less(t, elapsed, 3*time.Second)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, KindTimeout, res.ErrorKind)

	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindTimeout, execErr.Kind)

	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	assert.ErrorIs(t, unix.Kill(pid, 0), unix.ESRCH, "tool process must not outlive its task")
}

func TestExecute_TimeoutIsRetried(t *testing.T) {
	t.Parallel()
	counter := filepath.Join(t.TempDir(), "count")
	tool := writeTool(t, "slow", `echo x >> "`+counter+`"; exec sleep 10`)
	e := New(WithRetry(retry.Config{MaxAttempts: 2, InitDelay: time.Millisecond, Strategy: retry.Constant}))

	task := newTask(t, tool)
	task.Timeout = 200 * time.Millisecond

	res, err := e.Execute(context.Background(), task)
	assert.ErrorIs(t, err, ErrToolTimeout)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, countLines(t, counter))
}

func TestExecute_TimeoutRetriedAtMostOnce(t *testing.T) {
	t.Parallel()
	counter := filepath.Join(t.TempDir(), "count")
	tool := writeTool(t, "slower", `echo x >> "`+counter+`"; exec sleep 10`)
	e := New(WithRetry(retry.Config{MaxAttempts: 5, InitDelay: time.Millisecond, Strategy: retry.Constant}))

	task := newTask(t, tool)
	task.Timeout = 200 * time.Millisecond

	start := time.Now()
	res, err := e.Execute(context.Background(), task)
	assert.ErrorIs(t, err, ErrToolTimeout)
	require.NotNil(t, res)
	assert.Equal(t, KindTimeout, res.ErrorKind)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, countLines(t, counter))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecute_PermanentFailureNotRetried(t *testing.T) {
	t.Parallel()
	counter := filepath.Join(t.TempDir(), "count")
	tool := writeTool(t, "bad-flags", `echo x >> "`+counter+`"; echo "flag provided but not defined: -zz" >&2; exit 2`)
	e := New(WithRetry(fastRetry))

	res, err := e.Execute(context.Background(), newTask(t, tool, "-zz"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolExecution)
	assert.False(t, IsRetryable(err))
	require.NotNil(t, res)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, KindPermanent, res.ErrorKind)
	assert.Equal(t, 1, countLines(t, counter))
}

func TestExecute_TransientFailureRetried(t *testing.T) {
	t.Parallel()
	counter := filepath.Join(t.TempDir(), "count")
	tool := writeTool(t, "flaky", `echo x >> "`+counter+`"; echo "dial tcp: connection refused" >&2; exit 1`)
	e := New(WithRetry(fastRetry))

	res, err := e.Execute(context.Background(), newTask(t, tool))
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, KindTransient, res.ErrorKind)
	assert.Equal(t, 3, countLines(t, counter))
}

func TestExecute_TransientThenSuccess(t *testing.T) {
	t.Parallel()
	counter := filepath.Join(t.TempDir(), "count")
	tool := writeTool(t, "recovers", `echo x >> "`+counter+`"
n=$(wc -l < "`+counter+`")
if [ "$n" -lt 2 ]; then echo "request timed out" >&2; exit 1; fi
echo done`)
	e := New(WithRetry(fastRetry))

	res, err := e.Execute(context.Background(), newTask(t, tool))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
}

func TestExecute_MissingExecutable(t *testing.T) {
	t.Parallel()
	e := New(WithRetry(fastRetry))

	res, err := e.Execute(context.Background(), newTask(t, "/nonexistent/lleo-tool"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolNotFound)
	require.NotNil(t, res)
	assert.Equal(t, 127, res.ExitCode)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecute_RegisteredToolPath(t *testing.T) {
	t.Parallel()
	tool := writeTool(t, "subfinder", `echo a.example.com`)
	e := New(WithRetry(fastRetry))
	e.RegisterTool("subfinder", tool)

	res, err := e.Execute(context.Background(), newTask(t, "subfinder", "-d", "example.com"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, filepath.Base(res.StdoutPath), "subfinder-")

	p, ok := e.ToolPath("subfinder")
	assert.True(t, ok)
	assert.Equal(t, tool, p)
}

func TestExecute_RateAdmissionDenied(t *testing.T) {
	t.Parallel()
	tool := writeTool(t, "limited", `echo ok`)
	l := ratelimit.New(&ratelimit.Config{Default: ratelimit.Bucket{Rate: 0.001, Burst: 1}})
	e := New(WithRetry(fastRetry), WithLimiter(l), WithAdmissionTimeout(time.Millisecond))

	_, err := e.Execute(context.Background(), newTask(t, tool, "a"))
	require.NoError(t, err)

	res, err := e.Execute(context.Background(), newTask(t, tool, "b"))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrAdmissionDenied)
	assert.ErrorIs(t, err, ratelimit.ErrRateLimitTimeout)
	assert.True(t, IsRetryable(err))

	var admErr *AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.Equal(t, "example.com", admErr.Target)
	assert.Equal(t, int64(1), e.Stats().Spawned)
}

func TestExecute_CacheHitRefundsTokens(t *testing.T) {
	t.Parallel()
	tool := writeTool(t, "refund", `echo ok`)
	l := ratelimit.New(&ratelimit.Config{Default: ratelimit.Bucket{Rate: 0.001, Burst: 2}})
	e := New(WithRetry(fastRetry), WithLimiter(l), WithAdmissionTimeout(time.Millisecond))
	task := newTask(t, tool)

	_, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, l.Tokens(ratelimit.ToolKey(tool)), 0.01)

	res, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.InDelta(t, 1.0, l.Tokens(ratelimit.ToolKey(tool)), 0.01, "cache hit must not consume tokens")
}

func TestExecute_CachedResultNotAliased(t *testing.T) {
	t.Parallel()
	tool := writeTool(t, "stable", `echo ok`)
	e := New(WithRetry(fastRetry))
	task := newTask(t, tool)

	res, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	stdout := res.StdoutPath

	res.Success = false
	res.StdoutPath = "/tampered"

	entry, ok := e.Cache().Get(res.Fingerprint)
	require.True(t, ok)
	assert.True(t, entry.Value.Success)
	assert.Equal(t, stdout, entry.Value.StdoutPath)

	again, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.True(t, again.Success)
	assert.Equal(t, stdout, again.StdoutPath)
}

// cancelOnDrain reports cancellation once the watched bucket has been
// drained, i.e. right after admission took its last token.
type cancelOnDrain struct {
	context.Context
	limiter *ratelimit.Limiter
	key     string
}

func (c cancelOnDrain) Err() error {
	if c.limiter.Tokens(c.key) < 1 {
		return context.Canceled
	}
	return c.Context.Err()
}

func TestExecute_CancelledAfterAdmissionRefunds(t *testing.T) {
	t.Parallel()
	counter := filepath.Join(t.TempDir(), "count")
	tool := writeTool(t, "never", `echo x >> "`+counter+`"`)
	l := ratelimit.New(&ratelimit.Config{Default: ratelimit.Bucket{Rate: 0.001, Burst: 1}})
	e := New(WithRetry(fastRetry), WithLimiter(l), WithAdmissionTimeout(time.Millisecond))
	task := newTask(t, tool)
	targetKey := ratelimit.TargetKey(task.Target)

	ctx := cancelOnDrain{Context: context.Background(), limiter: l, key: targetKey}
	res, err := e.Execute(ctx, task)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 0, countLines(t, counter))
	assert.Equal(t, int64(0), e.Stats().Spawned)
	assert.InDelta(t, 1.0, l.Tokens(ratelimit.ToolKey(tool)), 0.01)
	assert.InDelta(t, 1.0, l.Tokens(targetKey), 0.01)
	assert.Equal(t, 0, e.Cache().Len())
}

func TestExecute_ResourceExhausted(t *testing.T) {
	t.Parallel()
	counter := filepath.Join(t.TempDir(), "count")
	tool := writeTool(t, "heavy", `echo x >> "`+counter+`"`)
	rm := resource.NewManager(resource.Limits{MaxMemoryPercent: 80}, resource.WithProbe(staticProbe{mem: 95}))
	e := New(WithRetry(fastRetry), WithResources(rm))

	res, err := e.Execute(context.Background(), newTask(t, tool))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrAdmissionDenied)
	assert.ErrorIs(t, err, resource.ErrResourceExhausted)
	assert.Equal(t, 0, countLines(t, counter))
	assert.Equal(t, int64(0), e.Stats().Spawned)
}

func TestExecuteWithBackoff_GivesUpOnAdmission(t *testing.T) {
	t.Parallel()
	tool := writeTool(t, "heavy", `echo ok`)
	rm := resource.NewManager(resource.Limits{MaxMemoryPercent: 80}, resource.WithProbe(staticProbe{mem: 95}))
	e := New(WithRetry(fastRetry), WithResources(rm))

	_, err := e.ExecuteWithBackoff(context.Background(), newTask(t, tool), fastRetry)
	assert.ErrorIs(t, err, resource.ErrResourceExhausted)
	assert.Equal(t, int64(3), rm.Refusals())
	assert.Equal(t, int64(0), e.Stats().Spawned)
}

func TestExecuteWithBackoff_ToolFailureNotRetried(t *testing.T) {
	t.Parallel()
	counter := filepath.Join(t.TempDir(), "count")
	tool := writeTool(t, "broken", `echo x >> "`+counter+`"; exit 3`)
	e := New(WithRetry(retry.Config{MaxAttempts: 1}))

	res, err := e.ExecuteWithBackoff(context.Background(), newTask(t, tool), fastRetry)
	assert.ErrorIs(t, err, ErrToolExecution)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, 1, countLines(t, counter))
}

func TestExecute_CancelledNotCached(t *testing.T) {
	t.Parallel()
	tool := writeTool(t, "long", `exec sleep 10`)
	e := New(WithRetry(fastRetry))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := e.Execute(ctx, newTask(t, tool))
	require.Error(t, err)
	assert.True(t, IsCancelled(err))

	// The run goroutine finishes after the process is killed.
	assert.Eventually(t, func() bool { return e.Stats().Spawned == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, e.Cache().Len())
}

func TestExecute_UnreachableTargetSkipped(t *testing.T) {
	t.Parallel()
	tool := writeTool(t, "refused", `echo "dial tcp 10.0.0.1:443: connect: connection refused" >&2; exit 1`)
	tracker := hosterrors.New(1, time.Hour)
	e := New(WithRetry(retry.Config{MaxAttempts: 1}), WithTracker(tracker))

	_, err := e.Execute(context.Background(), newTask(t, tool, "first"))
	require.Error(t, err)
	assert.True(t, tracker.Check("example.com"))

	res, err := e.Execute(context.Background(), newTask(t, tool, "second"))
	assert.ErrorIs(t, err, ErrTargetUnreachable)
	require.NotNil(t, res)
	assert.Equal(t, KindPermanent, res.ErrorKind)
	assert.Equal(t, int64(1), e.Stats().Spawned)
}

func TestExecute_PublishesAndRecords(t *testing.T) {
	t.Parallel()
	tool := writeTool(t, "dnsx", `echo '{"host":"example.com"}'`)
	pub := &recordingPublisher{}
	rec := &countingRecorder{}
	rm := resource.NewManager(resource.DefaultLimits(), resource.WithProbe(staticProbe{mem: 10}))
	e := New(WithRetry(fastRetry), WithPublisher(pub), WithSession("sess-1"), WithResources(rm))

	task := newTask(t, tool, "-json")
	task.Module = "dns_analysis"
	task.Metrics = rec

	_, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, int32(2), rec.started.Load())
	assert.Equal(t, int32(2), rec.ok.Load())
	assert.Equal(t, int32(2), rec.memories.Load())

	require.Len(t, pub.events, 2)
	ev, ok := pub.events[1].(*events.ToolResultEvent)
	require.True(t, ok)
	assert.Equal(t, "sess-1", ev.SessionID())
	assert.Equal(t, "dns_analysis", ev.Module)
	assert.True(t, ev.Cached)
	assert.True(t, ev.Success)
	assert.Equal(t, 0, rm.Running(), "process accounting must be released")
}

func TestExecute_InvalidTask(t *testing.T) {
	t.Parallel()
	e := New()
	tests := []struct {
		name string
		task Task
	}{
		{"no tool", Task{Target: "a", TargetDir: "/tmp"}},
		{"relative path", Task{Tool: "bin/tool", Target: "a", TargetDir: "/tmp"}},
		{"no target", Task{Tool: "tool", TargetDir: "/tmp"}},
		{"no dir", Task{Tool: "tool", Target: "a"}},
		{"nul arg", Task{Tool: "tool", Target: "a", TargetDir: "/tmp", Args: []string{"a\x00b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), tt.task)
			assert.ErrorIs(t, err, ErrInvalidTask)
		})
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	a := Task{Tool: "httpx", Args: []string{"-title", "-json"}, Target: "example.com", TargetDir: "/a", Module: "x"}
	b := Task{Tool: "httpx", Args: []string{" -title", "-json "}, Target: "Example.com.", TargetDir: "/b", Timeout: time.Minute}
	c := Task{Tool: "httpx", Args: []string{"-json", "-title"}, Target: "example.com"}
	d := Task{Tool: "httpx", Args: []string{"-title", "-json"}, Target: "other.com"}

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c), "argument order matters")
	assert.NotEqual(t, Fingerprint(a), Fingerprint(d))
	assert.Equal(t, Fingerprint(a), Fingerprint(a))
}

func TestClassify(t *testing.T) {
	t.Parallel()
	assert.Equal(t, KindTransient, classify("HTTP 429 Too Many Requests"))
	assert.Equal(t, KindTransient, classify("read: connection reset by peer"))
	assert.Equal(t, KindPermanent, classify("unknown flag -zz"))
	assert.Equal(t, KindPermanent, classify(""))
}

func TestExecute_RecordsSpan(t *testing.T) {
	t.Parallel()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	e := New(WithRetry(fastRetry), WithTracer(tp.Tracer("test")))

	ok := writeTool(t, "ok-tool", "exit 0")
	bad := writeTool(t, "bad-tool", "exit 2")
	_, err := e.Execute(context.Background(), newTask(t, ok))
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), newTask(t, bad))
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	for _, s := range spans {
		assert.Equal(t, "tool.execute", s.Name())
	}
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
