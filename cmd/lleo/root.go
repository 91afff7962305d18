package main

import (
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/naviyanka/lleo/pkg/defaults"
	"github.com/naviyanka/lleo/pkg/ui"
)

// app carries what every subcommand shares.
type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: newViper(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   defaults.ToolName,
		Short: "Recon orchestration over external security tools",
		Long: ui.TitleStyle.Render("lleo") + ui.SubtitleStyle.Render(" - recon orchestration") + `

lleo runs subdomain discovery, DNS analysis, port scanning, web probing,
fuzzing and vulnerability scanning tools against a domain. Tool runs are
rate limited, deduplicated and cached; results land under
<output>/<domain>/<capability>/<module>.json.

Every flag can also be set as an LLEO_* environment variable, e.g.
LLEO_OUTPUT=/data/recon or LLEO_METRICS_ADDR=:9090.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			ui.SetNoColor(a.v.GetBool("no-color"))
			ui.SetSilent(a.v.GetBool("silent"))
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "config file (.yaml, .yml or .toml)")
	pf.BoolP("verbose", "v", false, "enable debug logging")
	pf.Bool("no-color", false, "disable colored output")
	pf.BoolP("silent", "s", false, "suppress banner and progress")

	root.AddCommand(newScanCmd(a), newModulesCmd(a), newVersionCmd(a))
	return root
}
