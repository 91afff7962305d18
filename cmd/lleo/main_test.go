package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naviyanka/lleo/pkg/config"
	"github.com/naviyanka/lleo/pkg/defaults"
	"github.com/naviyanka/lleo/pkg/framework"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetArgs(append(args, "--no-color"))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// scanFlags parses args into a fresh scan command and returns the config
// they produce.
func scanFlags(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	a := &app{v: newViper()}
	cmd := newScanCmd(a)
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.ParseFlags(args))
	require.NoError(t, a.v.BindPFlags(cmd.Flags()))
	return loadConfig(a.v)
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, defaults.Version)
}

func TestScan_RequiresDomain(t *testing.T) {
	_, _, err := execute(t, "scan")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestScan_DomainGivenTwice(t *testing.T) {
	_, _, err := execute(t, "scan", "-d", "a.com", "b.com")
	assert.ErrorIs(t, err, errUsage)
}

func TestModulesCommand_WithoutResolve(t *testing.T) {
	out, _, err := execute(t, "modules", "--resolve=false")
	require.NoError(t, err)
	for _, name := range []string{"discovery", "dns_analysis", "port_scan", "web_probing", "web_fuzzing", "vulnerability_scan"} {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "unknown")
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := scanFlags(t)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadConfig_Flags(t *testing.T) {
	cfg, err := scanFlags(t,
		"-o", "/data/recon",
		"-t", "20",
		"--concurrency", "2",
		"--timeout", "90s",
		"--rate", "12.5",
		"-m", "discovery,web_probing",
		"--metrics-addr", ":9090",
	)
	require.NoError(t, err)
	assert.Equal(t, "/data/recon", cfg.General.OutputDir)
	assert.Equal(t, 20, cfg.General.Threads)
	assert.Equal(t, 2, cfg.General.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.General.Timeout)
	assert.Equal(t, 12.5, cfg.RateLimit.Rate)
	assert.Equal(t, []string{"discovery", "web_probing"}, cfg.Modules.Enabled)
	assert.Equal(t, ":9090", cfg.Telemetry.MetricsAddr)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("LLEO_THREADS", "7")
	t.Setenv("LLEO_MODULES", "port_scan, vulnscan")
	t.Setenv("LLEO_OTLP_ENDPOINT", "collector:4317")

	cfg, err := scanFlags(t)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.General.Threads)
	assert.Equal(t, []string{"port_scan", "vulnscan"}, cfg.Modules.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfig_FlagBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lleo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("general:\n  threads: 3\n  output_dir: /from/file\n"), 0o644))

	cfg, err := scanFlags(t, "--config", path, "-t", "9")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.General.Threads)
	assert.Equal(t, "/from/file", cfg.General.OutputDir)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := scanFlags(t, "--concurrency=-1")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   any
		want []string
	}{
		{nil, nil},
		{"a", []string{"a"}},
		{"a, b,,c", []string{"a", "b", "c"}},
		{[]string{"a,b", "c"}, []string{"a", "b", "c"}},
		{"[x,y]", []string{"x", "y"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitList(tt.in), "splitList(%#v)", tt.in)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{errors.New("boom"), exitFailure},
		{fmt.Errorf("%w: %w", framework.ErrSessionAborted, context.Canceled), exitInterrupt},
		{fmt.Errorf("x: %w", framework.ErrInvalidTarget), exitUsage},
		{usageError("bad"), exitUsage},
		{fmt.Errorf("%w: out", framework.ErrOutputUnwritable), exitFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}
