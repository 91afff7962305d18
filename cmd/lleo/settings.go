package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"github.com/naviyanka/lleo/pkg/config"
	"github.com/naviyanka/lleo/pkg/defaults"
)

// newViper returns a viper instance reading LLEO_* environment variables,
// with dashes in flag names mapped to underscores.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("LLEO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig builds the session configuration: defaults, then the config
// file, then environment variables and flags that were explicitly set.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if v.IsSet("output") {
		cfg.General.OutputDir = v.GetString("output")
	}
	if v.IsSet("threads") {
		cfg.General.Threads = v.GetInt("threads")
	}
	if v.IsSet("concurrency") {
		cfg.General.Concurrency = v.GetInt("concurrency")
	}
	if v.IsSet("timeout") {
		cfg.General.Timeout = v.GetDuration("timeout")
	}
	if v.IsSet("rate") {
		cfg.RateLimit.Rate = v.GetFloat64("rate")
	}
	if v.IsSet("modules") {
		cfg.Modules.Enabled = splitList(v.Get("modules"))
	}
	if v.IsSet("template") {
		cfg.Modules.Templates = append(cfg.Modules.Templates, splitList(v.Get("template"))...)
	}
	if v.IsSet("wordlist") {
		cfg.Modules.Wordlist = v.GetString("wordlist")
	}
	if v.IsSet("metrics-addr") {
		cfg.Telemetry.MetricsAddr = v.GetString("metrics-addr")
	}
	if v.IsSet("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint = v.GetString("otlp-endpoint")
	}
	if v.IsSet("otlp-insecure") {
		cfg.Telemetry.OTLPInsecure = v.GetBool("otlp-insecure")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList accepts a string slice from a flag or a comma separated string
// from the environment.
func splitList(raw any) []string {
	var parts []string
	switch val := raw.(type) {
	case []string:
		parts = val
	case string:
		parts = []string{val}
	case nil:
		return nil
	default:
		parts = []string{fmt.Sprint(val)}
	}

	var out []string
	for _, p := range parts {
		for _, s := range strings.Split(strings.Trim(p, "[]"), ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// newLogger returns an slog logger backed by a charmbracelet/log handler.
// quiet raises the default level so log lines do not fight the progress
// display.
func newLogger(w io.Writer, verbose, quiet bool) *slog.Logger {
	level := log.InfoLevel
	switch {
	case verbose:
		level = log.DebugLevel
	case quiet:
		level = log.WarnLevel
	}
	handler := log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          defaults.ToolName,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
	return slog.New(handler)
}
