// Package dnsanalysis resolves discovered hosts with dnsx and groups the
// answers by record type.
package dnsanalysis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/miekg/dns"

	"github.com/naviyanka/lleo/pkg/module"
	"github.com/naviyanka/lleo/pkg/modules/modutil"
)

// Name is the registered module name.
const Name = "dns_analysis"

// recordTypes are the dnsx query flags and the JSON keys of their answers.
var recordTypes = []string{"a", "aaaa", "cname", "mx", "ns", "txt"}

// Record is one answer in the normalized result.
type Record struct {
	Host  string `json:"host"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// HostRecords is the per-host view of the answers.
type HostRecords struct {
	Host    string              `json:"host"`
	Status  string              `json:"status,omitempty"`
	Records map[string][]string `json:"records"`
}

// Module runs dnsx over the host list.
type Module struct {
	threads int
}

// New creates the module. threads is handed to dnsx.
func New(threads int) *Module {
	if threads < 1 {
		threads = 1
	}
	return &Module{threads: threads}
}

func (*Module) Name() string { return Name }
func (*Module) Capability() module.Capability { return module.CapDNSAnalysis }

func (*Module) RequiredTools() []module.ToolRequirement {
	return []module.ToolRequirement{{Name: "dnsx", MinVersion: "1.1.0"}}
}

func (m *Module) Run(ctx context.Context, env *module.Env) (module.Result, error) {
	hosts := modutil.Hosts(env)
	list, err := modutil.WriteList(env.TempDir, "dns-hosts.txt", hosts)
	if err != nil {
		return nil, err
	}

	args := []string{"-l", list, "-json", "-silent", "-resp", "-t", fmt.Sprint(m.threads)}
	for _, rt := range recordTypes {
		args = append(args, "-"+rt)
	}

	var runs modutil.Runs
	res, err := env.Run(ctx, "dnsx", args...)
	if !runs.Record("dnsx", res, err) {
		return runs.Into(module.Result{"hosts": []HostRecords{}}), fmt.Errorf("dnsx: %w", err)
	}

	lines, skipped, err := modutil.DecodeJSONLines[map[string]any](res.StdoutPath)
	if err != nil {
		return nil, fmt.Errorf("read dnsx output: %w", err)
	}
	if skipped > 0 {
		env.Log().Debug("skipped non-JSON dnsx lines", slog.Int("lines", skipped))
	}

	byHost, flat := normalize(lines)
	counts := make(map[string]int)
	for _, r := range flat {
		counts[r.Type]++
	}

	return runs.Into(module.Result{
		"hosts":   byHost,
		"records": flat,
		"counts":  counts,
		"queried": len(hosts),
	}), nil
}

// normalize converts dnsx JSON lines into per-host and flat record lists.
// Keys that are not DNS record types (status_code, timestamp, resolver...)
// are ignored.
func normalize(lines []map[string]any) ([]HostRecords, []Record) {
	var (
		hosts []HostRecords
		flat  []Record
	)
	for _, line := range lines {
		host, _ := line["host"].(string)
		if host == "" {
			continue
		}
		hr := HostRecords{Host: host, Records: make(map[string][]string)}
		if status, ok := line["status_code"].(string); ok {
			hr.Status = status
		}
		for key, raw := range line {
			rtype := strings.ToUpper(key)
			if _, ok := dns.StringToType[rtype]; !ok {
				continue
			}
			for _, v := range values(raw) {
				hr.Records[rtype] = append(hr.Records[rtype], v)
				flat = append(flat, Record{Host: host, Type: rtype, Value: v})
			}
		}
		hosts = append(hosts, hr)
	}

	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Host < hosts[j].Host })
	sort.Slice(flat, func(i, j int) bool {
		if flat[i].Host != flat[j].Host {
			return flat[i].Host < flat[j].Host
		}
		if flat[i].Type != flat[j].Type {
			return flat[i].Type < flat[j].Type
		}
		return flat[i].Value < flat[j].Value
	})
	return hosts, flat
}

func values(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
