package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/naviyanka/lleo/pkg/config"
	"github.com/naviyanka/lleo/pkg/dispatcher"
	"github.com/naviyanka/lleo/pkg/framework"
	"github.com/naviyanka/lleo/pkg/modules"
	"github.com/naviyanka/lleo/pkg/ui"
)

func newScanCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [domain]",
		Short: "Run the enabled recon modules against a domain",
		Example: `  lleo scan -d example.com
  lleo scan example.com -m discovery,web_probing -o /data/recon
  LLEO_METRICS_ADDR=:9090 lleo scan -d example.com`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain := a.v.GetString("domain")
			if len(args) == 1 {
				if domain != "" && domain != args[0] {
					return usageError("domain given twice: %q and %q", domain, args[0])
				}
				domain = args[0]
			}
			if strings.TrimSpace(domain) == "" {
				return usageError("a domain is required (-d example.com)")
			}
			return a.scan(cmd, domain)
		},
	}

	f := cmd.Flags()
	f.StringP("domain", "d", "", "target domain")
	f.StringSliceP("modules", "m", nil, "modules to run (default all)")
	f.StringP("output", "o", "", "output directory")
	f.IntP("threads", "t", 0, "threads handed to tools")
	f.Int("concurrency", 0, "modules running at once")
	f.Duration("timeout", 0, "default per-tool timeout")
	f.Float64("rate", 0, "tool invocations per second per key")
	f.StringSlice("template", nil, "YAML template module file (repeatable)")
	f.String("wordlist", "", "wordlist for web fuzzing")
	f.String("metrics-addr", "", "serve Prometheus /metrics and /healthz on this address")
	f.String("otlp-endpoint", "", "export traces to this OTLP/gRPC endpoint")
	f.Bool("otlp-insecure", false, "disable TLS for the OTLP exporter")
	return cmd
}

func (a *app) scan(cmd *cobra.Command, domain string) error {
	cfg, err := loadConfig(a.v)
	if err != nil {
		return err
	}
	mods, err := modules.All(cfg)
	if err != nil {
		return err
	}

	showProgress := !ui.IsSilent() && ui.Interactive(os.Stderr)
	logger := newLogger(a.stderr, a.v.GetBool("verbose"), showProgress)

	var fwRef atomic.Pointer[framework.Framework]
	hooks, err := telemetryHooks(cfg, logger, &fwRef)
	if err != nil {
		return err
	}
	var progress *ui.Progress
	if showProgress {
		progress = ui.NewProgress(a.stderr)
		hooks = append(hooks, progress)
	}

	f, err := framework.New(cfg,
		framework.WithLogger(logger),
		framework.WithModules(mods...),
		framework.WithHooks(hooks...))
	if err != nil {
		return errors.Join(err, closeHooks(hooks))
	}
	fwRef.Store(f)

	ui.PrintBanner(a.stderr)
	ui.PrintConfig(a.stderr, scanOrder, scanOptions(cfg, domain, f))

	rep, runErr := f.Run(cmd.Context(), domain)
	if progress != nil {
		progress.Wait()
	}
	closeErr := f.Close()
	if rep != nil {
		fmt.Fprintln(a.stdout, ui.RenderSummary(rep))
	}
	if runErr != nil {
		return runErr
	}
	return closeErr
}

var scanOrder = []string{"Target", "Session", "Modules", "Output", "Threads", "Concurrency", "Rate Limit", "Timeout", "Metrics", "Tracing"}

func scanOptions(cfg *config.Config, domain string, f *framework.Framework) map[string]string {
	enabled := "all"
	if len(cfg.Modules.Enabled) > 0 {
		enabled = strings.Join(cfg.Modules.Enabled, ",")
	}
	return map[string]string{
		"Target":      domain,
		"Session":     f.SessionID(),
		"Modules":     fmt.Sprintf("%s (%d registered)", enabled, f.Registry().Len()),
		"Output":      cfg.General.OutputDir,
		"Threads":     strconv.Itoa(cfg.General.Threads),
		"Concurrency": strconv.Itoa(cfg.General.Concurrency),
		"Rate Limit":  strconv.FormatFloat(cfg.RateLimit.Rate, 'f', -1, 64) + "/s",
		"Timeout":     cfg.General.Timeout.String(),
		"Metrics":     cfg.Telemetry.MetricsAddr,
		"Tracing":     cfg.Telemetry.OTLPEndpoint,
	}
}

// Compile-time interface check.
var _ dispatcher.Hook = (*ui.Progress)(nil)
