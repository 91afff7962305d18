// Package fuzzing brute-forces content paths on live web endpoints with
// ffuf.
package fuzzing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/naviyanka/lleo/pkg/jsonutil"
	"github.com/naviyanka/lleo/pkg/module"
	"github.com/naviyanka/lleo/pkg/modules/modutil"
)

// Name is the registered module name.
const Name = "web_fuzzing"

// DefaultWordlist is used when none is configured.
const DefaultWordlist = "/usr/share/wordlists/dirb/common.txt"

// maxURLs caps how many endpoints one run fuzzes.
const maxURLs = 50

// ErrNoWordlist is returned when the configured wordlist is missing.
var ErrNoWordlist = errors.New("fuzzing: wordlist not found")

// Hit is one ffuf match.
type Hit struct {
	URL    string `json:"url"`
	Input  string `json:"input"`
	Status int    `json:"status"`
	Length int    `json:"length"`
	Words  int    `json:"words"`
	Lines  int    `json:"lines"`
}

// ffufReport is the subset of ffuf's -of json document that is used.
type ffufReport struct {
	Results []struct {
		Input  map[string]string `json:"input"`
		URL    string            `json:"url"`
		Status int               `json:"status"`
		Length int               `json:"length"`
		Words  int               `json:"words"`
		Lines  int               `json:"lines"`
	} `json:"results"`
}

// Module fuzzes with ffuf.
type Module struct {
	wordlist string
	threads  int
}

// New creates the module.
func New(wordlist string, threads int) *Module {
	if wordlist == "" {
		wordlist = DefaultWordlist
	}
	if threads < 1 {
		threads = 1
	}
	return &Module{wordlist: wordlist, threads: threads}
}

func (*Module) Name() string { return Name }
func (*Module) Capability() module.Capability { return module.CapWebFuzzing }

func (*Module) RequiredTools() []module.ToolRequirement {
	return []module.ToolRequirement{{Name: "ffuf", MinVersion: "1.5.0"}}
}

func (m *Module) Run(ctx context.Context, env *module.Env) (module.Result, error) {
	if _, err := os.Stat(m.wordlist); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoWordlist, m.wordlist)
	}

	urls := modutil.URLs(env, modutil.Hosts(env))
	if len(urls) > maxURLs {
		env.Log().Warn("too many endpoints, fuzzing a prefix",
			slog.Int("endpoints", len(urls)),
			slog.Int("limit", maxURLs))
		urls = urls[:maxURLs]
	}

	var (
		runs modutil.Runs
		mu   sync.Mutex
		hits []Hit
	)

	err := modutil.Each(ctx, 2, urls, func(ctx context.Context, base string) {
		report := filepath.Join(env.OutputDir, "ffuf-"+slug(base)+".json")
		res, err := env.Run(ctx, "ffuf",
			"-u", base+"/FUZZ", "-w", m.wordlist,
			"-o", report, "-of", "json",
			"-t", fmt.Sprint(m.threads), "-s")
		if !runs.Record("ffuf", res, err) {
			return
		}
		found, err := readReport(report)
		if err != nil {
			runs.Errorf("ffuf %s: %v", base, err)
			return
		}
		mu.Lock()
		hits = append(hits, found...)
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}

	if runs.Failed() {
		return nil, errors.New("fuzzing: ffuf failed on every endpoint")
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].URL < hits[j].URL })
	if hits == nil {
		hits = []Hit{}
	}
	return runs.Into(module.Result{
		"wordlist": m.wordlist,
		"urls":     len(urls),
		"hits":     hits,
		"count":    len(hits),
	}), nil
}

func readReport(path string) ([]Hit, error) {
	var rep ffufReport
	if err := jsonutil.ReadFile(path, &rep); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// ffuf writes no report when nothing matched.
			return nil, nil
		}
		return nil, err
	}
	hits := make([]Hit, 0, len(rep.Results))
	for _, r := range rep.Results {
		hits = append(hits, Hit{
			URL:    r.URL,
			Input:  r.Input["FUZZ"],
			Status: r.Status,
			Length: r.Length,
			Words:  r.Words,
			Lines:  r.Lines,
		})
	}
	return hits, nil
}

// slug turns a URL into a file-name-safe token.
func slug(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return sanitize(raw)
	}
	return sanitize(u.Scheme + "_" + u.Host + u.Path)
}

func sanitize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
