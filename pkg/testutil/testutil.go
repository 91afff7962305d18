// Package testutil provides shared test helpers: fake tool executables,
// module environments backed by a real executor, and goroutine leak and
// deadlock assertions.
package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/naviyanka/lleo/pkg/executor"
	"github.com/naviyanka/lleo/pkg/jsonutil"
	"github.com/naviyanka/lleo/pkg/module"
	"github.com/naviyanka/lleo/pkg/retry"
)

// NoRetry runs every task exactly once.
var NoRetry = retry.Config{
	MaxAttempts: 1,
	InitDelay:   time.Millisecond,
	MaxDelay:    time.Millisecond,
	Strategy:    retry.Constant,
}

// FakeTool writes an executable /bin/sh script named name into dir and
// returns its path. body runs with the tool's arguments in "$@".
func FakeTool(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake tool %s: %v", name, err)
	}
	return path
}

// Env builds a module environment rooted in a fresh temp dir, with an
// executor that knows the given tool paths and never retries.
func Env(t *testing.T, name string, c module.Capability, target string, tools map[string]string) *module.Env {
	t.Helper()
	root := t.TempDir()
	exec := executor.New(executor.WithRetry(NoRetry))
	resolved := make(map[string]module.ToolRequirement, len(tools))
	for tool, path := range tools {
		exec.RegisterTool(tool, path)
		resolved[tool] = module.ToolRequirement{Name: tool, Path: path}
	}

	env := &module.Env{
		Module:    name,
		Target:    target,
		RootDir:   root,
		OutputDir: filepath.Join(root, string(c)),
		TempDir:   filepath.Join(root, ".tmp", name),
		Executor:  exec,
		Tools:     resolved,
		Metrics:   &module.Metrics{},
		Timeout:   10 * time.Second,
		Backoff:   NoRetry,
	}
	for _, dir := range []string{env.OutputDir, env.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	return env
}

// WritePrior stores v as an earlier module's result under env's root, for
// modules that chain on it.
func WritePrior(t *testing.T, env *module.Env, c module.Capability, name string, v any) {
	t.Helper()
	path := env.CapabilityFile(c, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := jsonutil.WriteFile(path, v, 0o644); err != nil {
		t.Fatalf("write prior result: %v", err)
	}
}

// GoroutineTracker captures goroutine count before/after a test to detect leaks.
type GoroutineTracker struct {
	before int
}

// TrackGoroutines snapshots the current goroutine count. Call CheckLeaks after.
func TrackGoroutines() *GoroutineTracker {
	runtime.Gosched()
	return &GoroutineTracker{before: runtime.NumGoroutine()}
}

// CheckLeaks waits briefly for goroutines to drain, then fails the test if
// more than tolerance extra goroutines are still running.
func (g *GoroutineTracker) CheckLeaks(t *testing.T, tolerance int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runtime.Gosched()
		if runtime.NumGoroutine() <= g.before+tolerance {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	if after := runtime.NumGoroutine(); after > g.before+tolerance {
		t.Errorf("goroutine leak: before=%d after=%d tolerance=%d", g.before, after, tolerance)
	}
}

// AssertTimeout runs fn and fails if it doesn't complete within d.
func AssertTimeout(t *testing.T, name string, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s: timed out after %v (possible deadlock)", name, d)
	}
}
