// Package vulnscan runs nuclei templates against live endpoints.
package vulnscan

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/naviyanka/lleo/pkg/module"
	"github.com/naviyanka/lleo/pkg/modules/modutil"
)

// Name is the registered module name.
const Name = "vulnerability_scan"

// DefaultSeverity is the nuclei severity filter used when none is configured.
const DefaultSeverity = "low,medium,high,critical"

// severityRank orders findings, most severe first.
var severityRank = map[string]int{
	"critical": 0,
	"high":     1,
	"medium":   2,
	"low":      3,
	"info":     4,
	"unknown":  5,
}

// nucleiLine is the subset of a nuclei -jsonl line that is used.
type nucleiLine struct {
	TemplateID string `json:"template-id"`
	Info       struct {
		Name     string   `json:"name"`
		Severity string   `json:"severity"`
		Tags     []string `json:"tags"`
	} `json:"info"`
	Type      string `json:"type"`
	Host      string `json:"host"`
	MatchedAt string `json:"matched-at"`
}

// Finding is one normalized nuclei match.
type Finding struct {
	TemplateID string   `json:"template_id"`
	Name       string   `json:"name"`
	Severity   string   `json:"severity"`
	Type       string   `json:"type,omitempty"`
	Host       string   `json:"host"`
	MatchedAt  string   `json:"matched_at,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Module scans with nuclei.
type Module struct {
	severity string
	rate     int
}

// New creates the module. rate is nuclei's own requests-per-second cap.
func New(severity string, rate int) *Module {
	if severity == "" {
		severity = DefaultSeverity
	}
	return &Module{severity: severity, rate: rate}
}

func (*Module) Name() string { return Name }
func (*Module) Capability() module.Capability { return module.CapVulnScan }

func (*Module) RequiredTools() []module.ToolRequirement {
	return []module.ToolRequirement{{Name: "nuclei", MinVersion: "2.9.0"}}
}

func (m *Module) Run(ctx context.Context, env *module.Env) (module.Result, error) {
	urls := modutil.URLs(env, modutil.Hosts(env))
	list, err := modutil.WriteList(env.TempDir, "vuln-targets.txt", urls)
	if err != nil {
		return nil, err
	}

	args := []string{"-l", list, "-jsonl", "-silent", "-severity", m.severity}
	if m.rate > 0 {
		args = append(args, "-rate-limit", fmt.Sprint(m.rate))
	}

	var runs modutil.Runs
	res, err := env.Run(ctx, "nuclei", args...)
	if !runs.Record("nuclei", res, err) {
		return nil, fmt.Errorf("nuclei: %w", err)
	}

	lines, skipped, err := modutil.DecodeJSONLines[nucleiLine](res.StdoutPath)
	if err != nil {
		return nil, fmt.Errorf("read nuclei output: %w", err)
	}
	if skipped > 0 {
		env.Log().Debug("skipped non-JSON nuclei lines", slog.Int("lines", skipped))
	}

	findings := normalize(lines)
	bySeverity := make(map[string]int)
	for _, f := range findings {
		bySeverity[f.Severity]++
	}
	if n := bySeverity["critical"] + bySeverity["high"]; n > 0 {
		env.Log().Warn("high severity findings", slog.Int("count", n), slog.String("target", env.Target))
	}

	return runs.Into(module.Result{
		"findings":    findings,
		"count":       len(findings),
		"by_severity": bySeverity,
		"scanned":     len(urls),
	}), nil
}

func normalize(lines []nucleiLine) []Finding {
	out := make([]Finding, 0, len(lines))
	for _, l := range lines {
		if l.TemplateID == "" {
			continue
		}
		sev := strings.ToLower(l.Info.Severity)
		if _, ok := severityRank[sev]; !ok {
			sev = "unknown"
		}
		out = append(out, Finding{
			TemplateID: l.TemplateID,
			Name:       l.Info.Name,
			Severity:   sev,
			Type:       l.Type,
			Host:       l.Host,
			MatchedAt:  l.MatchedAt,
			Tags:       l.Info.Tags,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := severityRank[out[i].Severity], severityRank[out[j].Severity]
		if ri != rj {
			return ri < rj
		}
		return out[i].TemplateID < out[j].TemplateID
	})
	return out
}
