package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/naviyanka/lleo/pkg/framework"
	"github.com/naviyanka/lleo/pkg/module"
	"github.com/naviyanka/lleo/pkg/modules"
	"github.com/naviyanka/lleo/pkg/ui"
)

func newModulesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List registered modules and whether their tools are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(a.v)
			if err != nil {
				return err
			}
			mods, err := modules.All(cfg)
			if err != nil {
				return err
			}
			f, err := framework.New(cfg,
				framework.WithLogger(newLogger(a.stderr, a.v.GetBool("verbose"), true)),
				framework.WithModules(mods...))
			if err != nil {
				return err
			}
			defer f.Close()

			var avail map[string]module.Availability
			if a.v.GetBool("resolve") {
				if avail, err = f.ResolveTools(cmd.Context()); err != nil {
					return err
				}
			}
			fmt.Fprint(a.stdout, ui.RenderModules(f.Registry().Descriptors(), avail))
			return nil
		},
	}
	cmd.Flags().Bool("resolve", true, "look up each tool and its version")
	cmd.Flags().StringSlice("template", nil, "YAML template module file (repeatable)")
	return cmd
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(a.stdout, ui.VersionString())
		},
	}
}
