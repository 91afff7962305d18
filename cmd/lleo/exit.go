package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/naviyanka/lleo/pkg/config"
	"github.com/naviyanka/lleo/pkg/defaults"
	"github.com/naviyanka/lleo/pkg/framework"
	"github.com/naviyanka/lleo/pkg/ui"
)

const (
	exitOK        = defaults.ExitOK
	exitFailure   = defaults.ExitFailure
	exitUsage     = defaults.ExitUsage
	exitInterrupt = defaults.ExitInterrupted
)

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitInterrupt
	case errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, config.ErrUnsupportedFormat),
		errors.Is(err, framework.ErrInvalidTarget),
		errors.Is(err, errUsage):
		return exitUsage
	default:
		return exitFailure
	}
}

// errUsage marks command-line mistakes.
var errUsage = errors.New("usage")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}

func printError(w io.Writer, err error) {
	fmt.Fprintln(w, ui.ErrorTextStyle.Render("[ERROR] ")+ui.Clean(err.Error()))
}
