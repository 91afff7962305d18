package executor

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"
)

// Task is one invocation request of an external tool against a target.
type Task struct {
	// Tool is the tool name; the executable is the path registered for it,
	// or a PATH lookup.
	Tool string
	// Args is the ordered argument list.
	Args []string
	// Target is the scan target this task is about.
	Target string
	// TargetDir is the working directory and where stdout/stderr files go.
	TargetDir string
	// Timeout is the wall clock limit per attempt. Zero uses the executor default.
	Timeout time.Duration
	// Env is appended to the inherited environment.
	Env []string

	// Module is the issuing module's name, used for logs and events only.
	Module string
	// Metrics receives the issuing module's task counters. Optional.
	Metrics Recorder
}

// Recorder is implemented by per-module metrics. The executor calls it from
// the issuing module's goroutine only.
type Recorder interface {
	TaskStarted()
	TaskFinished(d time.Duration, ok bool)
	ObserveMemory(rssBytes uint64)
}

func (t Task) validate() error {
	switch {
	case strings.TrimSpace(t.Tool) == "":
		return fmt.Errorf("%w: tool is required", ErrInvalidTask)
	case strings.ContainsAny(t.Tool, "/\\") && !filepath.IsAbs(t.Tool):
		return fmt.Errorf("%w: tool %q must be a name or an absolute path", ErrInvalidTask, t.Tool)
	case strings.TrimSpace(t.Target) == "":
		return fmt.Errorf("%w: target is required", ErrInvalidTask)
	case t.TargetDir == "":
		return fmt.Errorf("%w: target dir is required", ErrInvalidTask)
	}
	for _, a := range t.Args {
		if strings.ContainsRune(a, 0) {
			return fmt.Errorf("%w: argument contains NUL byte", ErrInvalidTask)
		}
	}
	return nil
}

// Fingerprint is the deterministic key of a task: a 128-bit murmur3 hash of
// the tool name, the normalized arguments and the target. Working directory,
// timeout and module do not participate, so two modules issuing the same
// tool invocation share one result.
func Fingerprint(t Task) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(t.Tool))
	b.WriteByte(0)
	for _, a := range t.Args {
		b.WriteString(strings.TrimSpace(a))
		b.WriteByte(0x1f)
	}
	b.WriteByte(0)
	b.WriteString(strings.ToLower(strings.TrimSuffix(strings.TrimSpace(t.Target), ".")))

	h1, h2 := murmur3.Sum128([]byte(b.String()))
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// Result is the immutable outcome of a task.
type Result struct {
	Tool        string    `json:"tool"`
	Target      string    `json:"target"`
	Fingerprint string    `json:"fingerprint"`
	Success     bool      `json:"success"`
	ExitCode    int       `json:"exit_code"`
	StdoutPath  string    `json:"stdout_path"`
	StderrPath  string    `json:"stderr_path"`
	DurationMs  int64     `json:"duration_ms"`
	Attempts    int       `json:"attempts"`
	Cached      bool      `json:"cached"`
	StartedAt   time.Time `json:"started_at"`
	ErrorKind   Kind      `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// asCached returns a copy marked as served without spawning a process.
func (r *Result) asCached() *Result {
	c := *r
	c.Cached = true
	return &c
}

// err rebuilds the terminal error of a failed result.
func (r *Result) err() error {
	if r.Success {
		return nil
	}
	base := ErrToolExecution
	if r.ErrorKind == KindTimeout {
		base = ErrToolTimeout
	}
	return &ExecError{
		Tool:        r.Tool,
		Target:      r.Target,
		Fingerprint: r.Fingerprint,
		Attempts:    r.Attempts,
		ExitCode:    r.ExitCode,
		Kind:        r.ErrorKind,
		Err:         fmt.Errorf("%w: %s", base, r.Error),
	}
}
