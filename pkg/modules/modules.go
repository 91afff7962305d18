// Package modules assembles the built-in recon modules.
package modules

import (
	"github.com/naviyanka/lleo/pkg/config"
	"github.com/naviyanka/lleo/pkg/module"
	"github.com/naviyanka/lleo/pkg/modules/discovery"
	"github.com/naviyanka/lleo/pkg/modules/dnsanalysis"
	"github.com/naviyanka/lleo/pkg/modules/fuzzing"
	"github.com/naviyanka/lleo/pkg/modules/portscan"
	"github.com/naviyanka/lleo/pkg/modules/probing"
	"github.com/naviyanka/lleo/pkg/modules/template"
	"github.com/naviyanka/lleo/pkg/modules/vulnscan"
)

// Builtin returns the built-in modules configured from cfg, in pipeline
// order.
func Builtin(cfg *config.Config) []module.Module {
	threads := cfg.General.Threads
	return []module.Module{
		discovery.New(),
		dnsanalysis.New(threads),
		portscan.New(cfg.Modules.Ports),
		probing.New(threads),
		fuzzing.New(cfg.Modules.Wordlist, threads),
		vulnscan.New(cfg.Modules.Severity, cfg.Modules.ScanRate),
	}
}

// All returns the built-in modules followed by every template module listed
// in cfg.
func All(cfg *config.Config) ([]module.Module, error) {
	mods := Builtin(cfg)
	if len(cfg.Modules.Templates) == 0 {
		return mods, nil
	}
	extra, err := template.LoadAll(cfg.Modules.Templates)
	if err != nil {
		return nil, err
	}
	return append(mods, extra...), nil
}
