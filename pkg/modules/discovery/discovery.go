// Package discovery enumerates subdomains of the target with passive
// sources (subfinder, amass, findomain) and merges their answers.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/miekg/dns"

	"github.com/naviyanka/lleo/pkg/module"
	"github.com/naviyanka/lleo/pkg/modules/modutil"
)

// Name is the registered module name.
const Name = "discovery"

// expectedSubdomains sizes the dedup filter.
const expectedSubdomains = 100_000

var errAllSourcesFailed = errors.New("discovery: every source failed")

// source is one enumeration tool and how to invoke it.
type source struct {
	tool string
	args func(target string) []string
}

var sources = []source{
	{"subfinder", func(t string) []string { return []string{"-d", t, "-silent"} }},
	{"amass", func(t string) []string { return []string{"enum", "-passive", "-d", t} }},
	{"findomain", func(t string) []string { return []string{"-t", t, "-q"} }},
}

// Module runs every available source concurrently.
type Module struct{}

// New creates the discovery module.
func New() *Module { return &Module{} }

func (*Module) Name() string { return Name }
func (*Module) Capability() module.Capability { return module.CapDiscovery }

func (*Module) RequiredTools() []module.ToolRequirement {
	return []module.ToolRequirement{
		{Name: "subfinder", MinVersion: "2.5.0"},
		{Name: "amass", MinVersion: "3.19.0"},
		{Name: "findomain", MinVersion: "8.2.0"},
	}
}

// Run enumerates subdomains. Tool failures are recorded in the result's
// errors list; the module only fails outright when every source failed.
func (m *Module) Run(ctx context.Context, env *module.Env) (module.Result, error) {
	target := normalize(env.Target)

	var (
		runs  modutil.Runs
		mu    sync.Mutex
		found = newDeduper()
		per   = make(map[string]int, len(sources))
	)

	err := modutil.Each(ctx, len(sources), sources, func(ctx context.Context, src source) {
		res, err := env.Run(ctx, src.tool, src.args(env.Target)...)
		if !runs.Record(src.tool, res, err) {
			return
		}
		lines, err := modutil.ReadLines(res.StdoutPath)
		if err != nil {
			runs.Errorf("%s: read output: %v", src.tool, err)
			return
		}

		mu.Lock()
		defer mu.Unlock()
		for _, line := range lines {
			name, ok := subdomainOf(line, target)
			if !ok {
				continue
			}
			per[src.tool]++
			found.add(name)
		}
	})
	if err != nil {
		return nil, err
	}

	subdomains := found.sorted()
	if len(subdomains) == 0 {
		// Downstream modules always have at least the apex to work on.
		subdomains = []string{target}
	}
	env.Log().Info("discovery complete",
		slog.String("target", target),
		slog.Int("subdomains", len(subdomains)))

	result := runs.Into(module.Result{
		"target":     target,
		"subdomains": subdomains,
		"count":      len(subdomains),
		"per_source": per,
	})
	if runs.Failed() {
		return result, errAllSourcesFailed
	}
	return result, nil
}

// subdomainOf validates a line of tool output as a hostname within target.
// amass may append source tags after whitespace; only the first field is
// considered.
func subdomainOf(line, target string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false
	}
	name := normalize(fields[0])
	if _, ok := dns.IsDomainName(name); !ok {
		return "", false
	}
	if !dns.IsSubDomain(dns.Fqdn(target), dns.Fqdn(name)) {
		return "", false
	}
	return name, true
}

func normalize(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

// deduper keeps each name once. The bloom filter answers the common
// "definitely new" case without touching the set.
type deduper struct {
	filter *bloom.BloomFilter
	seen   map[string]struct{}
}

func newDeduper() *deduper {
	return &deduper{
		filter: bloom.NewWithEstimates(expectedSubdomains, 0.001),
		seen:   make(map[string]struct{}),
	}
}

func (d *deduper) add(name string) {
	if d.filter.TestOrAddString(name) {
		if _, ok := d.seen[name]; ok {
			return
		}
	}
	d.seen[name] = struct{}{}
}

func (d *deduper) sorted() []string {
	out := make([]string, 0, len(d.seen))
	for name := range d.seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
