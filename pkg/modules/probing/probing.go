// Package probing finds live web endpoints on the discovered hosts with
// httpx.
package probing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/naviyanka/lleo/pkg/module"
	"github.com/naviyanka/lleo/pkg/modules/modutil"
)

// Name is the registered module name.
const Name = "web_probing"

// Endpoint is one live URL. Field names follow httpx's JSON output.
type Endpoint struct {
	URL        string   `json:"url"`
	Host       string   `json:"host,omitempty"`
	StatusCode int      `json:"status_code"`
	Title      string   `json:"title,omitempty"`
	WebServer  string   `json:"webserver,omitempty"`
	Tech       []string `json:"tech,omitempty"`
	Location   string   `json:"location,omitempty"`
}

// Module probes with httpx.
type Module struct {
	threads int
}

// New creates the module. threads is handed to httpx.
func New(threads int) *Module {
	if threads < 1 {
		threads = 1
	}
	return &Module{threads: threads}
}

func (*Module) Name() string { return Name }
func (*Module) Capability() module.Capability { return module.CapWebProbing }

func (*Module) RequiredTools() []module.ToolRequirement {
	return []module.ToolRequirement{{Name: "httpx", MinVersion: "1.2.0"}}
}

func (m *Module) Run(ctx context.Context, env *module.Env) (module.Result, error) {
	hosts := modutil.Hosts(env)
	list, err := modutil.WriteList(env.TempDir, "probe-hosts.txt", hosts)
	if err != nil {
		return nil, err
	}

	var runs modutil.Runs
	res, err := env.Run(ctx, "httpx",
		"-l", list, "-json", "-silent",
		"-status-code", "-title", "-web-server", "-tech-detect", "-follow-redirects",
		"-threads", fmt.Sprint(m.threads))
	if !runs.Record("httpx", res, err) {
		return nil, fmt.Errorf("httpx: %w", err)
	}

	endpoints, skipped, err := modutil.DecodeJSONLines[Endpoint](res.StdoutPath)
	if err != nil {
		return nil, fmt.Errorf("read httpx output: %w", err)
	}
	if skipped > 0 {
		env.Log().Debug("skipped non-JSON httpx lines", slog.Int("lines", skipped))
	}

	endpoints = dedupe(endpoints)
	byStatus := make(map[string]int)
	for _, ep := range endpoints {
		byStatus[fmt.Sprint(ep.StatusCode)]++
	}

	return runs.Into(module.Result{
		"endpoints": endpoints,
		"live":      len(endpoints),
		"by_status": byStatus,
		"probed":    len(hosts),
	}), nil
}

func dedupe(in []Endpoint) []Endpoint {
	seen := make(map[string]bool, len(in))
	out := make([]Endpoint, 0, len(in))
	for _, ep := range in {
		if ep.URL == "" || seen[ep.URL] {
			continue
		}
		seen[ep.URL] = true
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
