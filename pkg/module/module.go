// Package module defines the contract every recon module implements and the
// registry the framework schedules from.
//
// A module declares the tools it needs, then drives them through the shared
// executor during Run and returns a normalized result tree. The registry
// resolves every declared tool once per session; a module whose tools do not
// resolve is unavailable and never runs.
package module

import (
	"context"
	"log/slog"
	"path/filepath"
	"regexp"
	"time"

	"github.com/naviyanka/lleo/pkg/executor"
	"github.com/naviyanka/lleo/pkg/retry"
)

// Capability tags what a module contributes. It also names the module's
// output directory.
type Capability string

const (
	CapDiscovery   Capability = "discovery"
	CapDNSAnalysis Capability = "dns_analysis"
	CapPortScan    Capability = "port_scan"
	CapWebProbing  Capability = "web_probing"
	CapWebFuzzing  Capability = "web_fuzzing"
	CapVulnScan    Capability = "vulnerability_scan"
	CapCustom      Capability = "custom"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// ValidName reports whether s can be used as a module name or capability.
func ValidName(s string) bool { return namePattern.MatchString(s) }

// Result is a module's normalized result tree. It is written as
// <capability>/<module>.json.
type Result map[string]any

// ErrorResult is the result recorded for a module that failed or panicked.
func ErrorResult(msg string) Result { return Result{"error": msg} }

// Module is one pluggable unit of recon work.
type Module interface {
	// Name is unique within a registry.
	Name() string
	// Capability tags the module's contribution.
	Capability() Capability
	// RequiredTools lists tool requirements in declaration order.
	RequiredTools() []ToolRequirement
	// Run performs the module's work against env.Target. Tasks must go
	// through env.Executor.
	Run(ctx context.Context, env *Env) (Result, error)
}

// ToolRequirement names a tool and the minimum version a module accepts.
// Path and Version are filled in by resolution.
type ToolRequirement struct {
	Name        string   `json:"name" yaml:"name"`
	MinVersion  string   `json:"min_version,omitempty" yaml:"min_version"`
	VersionArgs []string `json:"version_args,omitempty" yaml:"version_args"`

	Path    string `json:"path,omitempty" yaml:"-"`
	Version string `json:"version,omitempty" yaml:"-"`
}

// Resolved reports whether the requirement has an executable path.
func (r ToolRequirement) Resolved() bool { return r.Path != "" }

// Descriptor is the immutable registration record of a module.
type Descriptor struct {
	Name       string            `json:"name"`
	Capability Capability        `json:"capability"`
	Tools      []ToolRequirement `json:"tools"`
}

// Describe builds the descriptor of m.
func Describe(m Module) Descriptor {
	req := m.RequiredTools()
	tools := make([]ToolRequirement, len(req))
	copy(tools, req)
	return Descriptor{Name: m.Name(), Capability: m.Capability(), Tools: tools}
}

// Env is everything a module may use during Run.
type Env struct {
	// Module is the running module's name.
	Module string
	// Target is the scan target.
	Target string
	// RootDir is the session output root, <out>/<target>.
	RootDir string
	// OutputDir is <RootDir>/<capability>.
	OutputDir string
	// TempDir is scratch space removed after the module returns.
	TempDir string

	Executor *executor.Executor
	Tools    map[string]ToolRequirement
	Metrics  *Metrics
	Logger   *slog.Logger

	// Timeout is the per-task timeout for tasks that do not set one.
	Timeout time.Duration
	// ToolTimeouts overrides Timeout by tool name.
	ToolTimeouts map[string]time.Duration
	// Backoff paces retries while admission is refused.
	Backoff retry.Config
}

// Task builds a task for tool against the env's target, writing into the
// module's output directory.
func (e *Env) Task(tool string, args ...string) executor.Task {
	timeout := e.Timeout
	if d := e.ToolTimeouts[tool]; d > 0 {
		timeout = d
	}
	return executor.Task{
		Tool:      tool,
		Args:      args,
		Target:    e.Target,
		TargetDir: e.OutputDir,
		Timeout:   timeout,
		Module:    e.Module,
		Metrics:   e.Metrics,
	}
}

// Exec runs task through the executor, backing off while admission is
// refused.
func (e *Env) Exec(ctx context.Context, task executor.Task) (*executor.Result, error) {
	if task.Module == "" {
		task.Module = e.Module
	}
	if task.Metrics == nil && e.Metrics != nil {
		task.Metrics = e.Metrics
	}
	return e.Executor.ExecuteWithBackoff(ctx, task, e.Backoff)
}

// Run is shorthand for Exec(ctx, Task(tool, args...)).
func (e *Env) Run(ctx context.Context, tool string, args ...string) (*executor.Result, error) {
	return e.Exec(ctx, e.Task(tool, args...))
}

// CapabilityFile returns the path of another capability's result file, used
// by modules that chain on earlier output.
func (e *Env) CapabilityFile(c Capability, module string) string {
	return filepath.Join(e.RootDir, string(c), module+".json")
}

// Log returns the env logger, or slog.Default when unset.
func (e *Env) Log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
