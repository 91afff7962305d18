// Package modutil holds the plumbing shared by the built-in modules: reading
// tool output, chaining on earlier capability results, and recording
// per-tool outcomes in a module's result tree.
package modutil

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/naviyanka/lleo/pkg/defaults"
	"github.com/naviyanka/lleo/pkg/executor"
	"github.com/naviyanka/lleo/pkg/jsonutil"
	"github.com/naviyanka/lleo/pkg/module"
)

// maxLine bounds a single line of tool output.
const maxLine = 1 << 20

// ReadLines returns the trimmed, non-empty lines of path.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

// DecodeJSONLines decodes each non-empty line of path as a T. Lines that do
// not decode are counted in skipped rather than failing the whole file;
// tools interleave banners and warnings with their JSON.
func DecodeJSONLines[T any](path string) (items []T, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var v T
		if err := jsonutil.Unmarshal(line, &v); err != nil {
			skipped++
			continue
		}
		items = append(items, v)
	}
	return items, skipped, sc.Err()
}

// WriteList writes items one per line to dir/name and returns the path.
func WriteList(dir, name string, items []string) (string, error) {
	if err := os.MkdirAll(dir, defaults.DirPerm); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	data := strings.Join(items, "\n") + "\n"
	if err := os.WriteFile(path, []byte(data), defaults.FilePerm); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

// Hosts returns the hosts a chained module should work on: the subdomains
// recorded by the discovery module when its result file exists, otherwise
// just the env target.
func Hosts(env *module.Env) []string {
	var prior struct {
		Subdomains []string `json:"subdomains"`
	}
	path := env.CapabilityFile(module.CapDiscovery, "discovery")
	if err := jsonutil.ReadFile(path, &prior); err != nil || len(prior.Subdomains) == 0 {
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			env.Log().Warn("ignoring unreadable discovery results",
				slog.String("path", path), slog.String("error", err.Error()))
		}
		return []string{env.Target}
	}
	return prior.Subdomains
}

// URLs returns the live URLs recorded by the web_probing module, falling back
// to http and https on every host.
func URLs(env *module.Env, hosts []string) []string {
	var prior struct {
		Endpoints []struct {
			URL string `json:"url"`
		} `json:"endpoints"`
	}
	if err := jsonutil.ReadFile(env.CapabilityFile(module.CapWebProbing, "web_probing"), &prior); err == nil {
		urls := make([]string, 0, len(prior.Endpoints))
		for _, ep := range prior.Endpoints {
			if ep.URL != "" {
				urls = append(urls, ep.URL)
			}
		}
		if len(urls) > 0 {
			return urls
		}
	}
	urls := make([]string, 0, 2*len(hosts))
	for _, h := range hosts {
		urls = append(urls, "http://"+h, "https://"+h)
	}
	return urls
}

// ToolRun is the per-tool entry recorded in a module result.
type ToolRun struct {
	Tool       string `json:"tool"`
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	Attempts   int    `json:"attempts"`
	Cached     bool   `json:"cached"`
	DurationMs int64  `json:"duration_ms"`
	Stdout     string `json:"stdout_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Runs collects tool outcomes from concurrent goroutines.
type Runs struct {
	mu     sync.Mutex
	runs   []ToolRun
	errors []string
}

// Record stores the outcome of one Env.Run call and reports whether the
// tool produced usable output.
func (r *Runs) Record(tool string, res *executor.Result, err error) bool {
	run := ToolRun{Tool: tool, ExitCode: -1}
	if res != nil {
		run.Success = res.Success
		run.ExitCode = res.ExitCode
		run.Attempts = res.Attempts
		run.Cached = res.Cached
		run.DurationMs = res.DurationMs
		run.Stdout = res.StdoutPath
	}
	if err != nil {
		run.Success = false
		run.Error = err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	if run.Error != "" {
		r.errors = append(r.errors, fmt.Sprintf("%s: %s", tool, run.Error))
	}
	return run.Success
}

// Errorf records a module-level problem not tied to a tool run.
func (r *Runs) Errorf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

// Failed reports whether every recorded run failed.
func (r *Runs) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.Success {
			return false
		}
	}
	return len(r.runs) > 0
}

// Into adds the "tools" and "errors" keys to res.
func (r *Runs) Into(res module.Result) module.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res["tools"] = append(make([]ToolRun, 0, len(r.runs)), r.runs...)
	res["errors"] = append(make([]string, 0, len(r.errors)), r.errors...)
	return res
}

// Each runs fn for every item with at most limit goroutines, stopping early
// only if ctx is cancelled.
func Each[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T)) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(gctx, item)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
