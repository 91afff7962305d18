package module

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"

	"github.com/Masterminds/semver/v3"

	"github.com/naviyanka/lleo/pkg/duration"
)

// Resolver locates a tool and fills in its Path and Version.
type Resolver interface {
	Resolve(ctx context.Context, req ToolRequirement) (ToolRequirement, error)
}

// versionPattern extracts the first dotted version from tool output.
var versionPattern = regexp.MustCompile(`v?(\d+\.\d+(\.\d+)?)`)

// versionArgs are the flags known tools print their version with.
var versionArgs = map[string][]string{
	"subfinder": {"-version"},
	"amass":     {"-version"},
	"findomain": {"--version"},
	"dnsx":      {"-version"},
	"nmap":      {"--version"},
	"httpx":     {"-version"},
	"ffuf":      {"-V"},
	"nuclei":    {"-version"},
}

// fallbackVersionArgs are tried in order for tools without a known flag.
var fallbackVersionArgs = [][]string{{"--version"}, {"-version"}, {"version"}, {"-V"}}

// ResolverOption configures an ExecResolver.
type ResolverOption func(*ExecResolver)

// WithPaths pins tool names to executable paths, skipping the PATH lookup.
func WithPaths(paths map[string]string) ResolverOption {
	return func(r *ExecResolver) {
		for k, v := range paths {
			r.paths[k] = v
		}
	}
}

// WithMinVersions overrides the minimum version modules declare, by tool
// name.
func WithMinVersions(mins map[string]string) ResolverOption {
	return func(r *ExecResolver) {
		for k, v := range mins {
			r.mins[k] = v
		}
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *ExecResolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// ExecResolver finds tools on PATH and probes their version by running them.
type ExecResolver struct {
	paths  map[string]string
	mins   map[string]string
	logger *slog.Logger
	lookup func(string) (string, error)
}

// NewExecResolver creates a resolver.
func NewExecResolver(opts ...ResolverOption) *ExecResolver {
	r := &ExecResolver{
		paths:  make(map[string]string),
		mins:   make(map[string]string),
		logger: slog.Default(),
		lookup: exec.LookPath,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve locates req.Name and checks it against req.MinVersion. A tool whose
// version cannot be read is accepted with an empty Version.
func (r *ExecResolver) Resolve(ctx context.Context, req ToolRequirement) (ToolRequirement, error) {
	if v, ok := r.mins[req.Name]; ok && v != "" {
		req.MinVersion = v
	}
	path, ok := r.paths[req.Name]
	if !ok {
		p, err := r.lookup(req.Name)
		if err != nil {
			return req, fmt.Errorf("%w: %s: %w", ErrToolMissing, req.Name, err)
		}
		path = p
	}
	req.Path = path

	version := r.probeVersion(ctx, req)
	req.Version = version
	if req.MinVersion == "" {
		return req, nil
	}
	if version == "" {
		r.logger.Warn("tool version unknown, accepting",
			slog.String("tool", req.Name),
			slog.String("path", path),
			slog.String("min_version", req.MinVersion))
		return req, nil
	}
	ok, err := MeetsMinimum(version, req.MinVersion)
	if err != nil {
		return req, fmt.Errorf("%w: %s: %w", ErrToolVersion, req.Name, err)
	}
	if !ok {
		return req, fmt.Errorf("%w: %s %s < %s", ErrToolVersion, req.Name, version, req.MinVersion)
	}
	return req, nil
}

func (r *ExecResolver) probeVersion(ctx context.Context, req ToolRequirement) string {
	candidates := fallbackVersionArgs
	if len(req.VersionArgs) > 0 {
		candidates = [][]string{req.VersionArgs}
	} else if args, ok := versionArgs[req.Name]; ok {
		candidates = [][]string{args}
	}

	for _, args := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, duration.ToolVersionProbe)
		cmd := exec.CommandContext(probeCtx, req.Path, args...)
		cmd.WaitDelay = duration.ProcessWaitDelay
		out, err := cmd.CombinedOutput()
		cancel()
		if v := ParseVersion(string(out)); v != "" {
			return v
		}
		if err != nil {
			r.logger.Debug("version probe failed",
				slog.String("tool", req.Name),
				slog.Any("args", args),
				slog.String("error", err.Error()))
		}
	}
	return ""
}

// ParseVersion returns the first version number found in output, without a
// leading "v", or "".
func ParseVersion(output string) string {
	m := versionPattern.FindStringSubmatch(output)
	if m == nil {
		return ""
	}
	return m[1]
}

// MeetsMinimum reports whether version >= minimum.
func MeetsMinimum(version, minimum string) (bool, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("parse version %q: %w", version, err)
	}
	c, err := semver.NewConstraint(">= " + minimum)
	if err != nil {
		return false, fmt.Errorf("parse minimum %q: %w", minimum, err)
	}
	return c.Check(v), nil
}
