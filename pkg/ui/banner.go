// Package ui renders the terminal output of the lleo CLI: the banner, live
// per-module progress and the end-of-session summary.
package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/naviyanka/lleo/pkg/defaults"
)

// Build information - these can be overridden at build time via ldflags:
// go build -ldflags "-X github.com/naviyanka/lleo/pkg/ui.Commit=abc123"
var (
	Version   = defaults.Version
	BuildDate = "unknown"
	Commit    = "dev"
)

// Global UI state
var (
	silentMode  bool
	noColorMode bool
	uiMu        sync.RWMutex
)

// SetSilent enables or disables silent mode (suppresses banner and progress)
func SetSilent(silent bool) {
	uiMu.Lock()
	defer uiMu.Unlock()
	silentMode = silent
}

// IsSilent returns whether silent mode is enabled
func IsSilent() bool {
	uiMu.RLock()
	defer uiMu.RUnlock()
	return silentMode
}

// SetNoColor disables colored output
func SetNoColor(noColor bool) {
	uiMu.Lock()
	defer uiMu.Unlock()
	noColorMode = noColor
	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// IsNoColor returns whether color is disabled
func IsNoColor() bool {
	uiMu.RLock()
	defer uiMu.RUnlock()
	return noColorMode
}

const bannerArt = `
 __    __    ____  _____
/ /   / /   / __/ / _  /
/ /__ / /__ / _/  / // /
\___//____//___/  \___/
`

// VersionString returns the one-line version description.
func VersionString() string {
	return fmt.Sprintf("lleo %s (commit %s, built %s)", Version, Commit, BuildDate)
}

// PrintBanner writes the banner and version to w unless silent.
func PrintBanner(w io.Writer) {
	if IsSilent() {
		return
	}
	for _, line := range strings.Split(bannerArt, "\n") {
		if line != "" {
			fmt.Fprintln(w, BannerStyle.Render(line))
		}
	}
	fmt.Fprintf(w, "        %s\n\n", VersionStyle.Render("v"+Version))
}

// printOption prints one configuration line.
// Format:  :: Option         : Value
func printOption(w io.Writer, name, value string) {
	fmt.Fprintf(w, " :: %s : %s\n", LabelStyle.Render(name), ValueStyle.Render(value))
}

// PrintConfig prints the scan settings in the given key order, skipping
// empty values.
func PrintConfig(w io.Writer, order []string, options map[string]string) {
	if IsSilent() {
		return
	}
	for _, name := range order {
		if v := options[name]; v != "" {
			printOption(w, name, v)
		}
	}
	fmt.Fprintln(w, DividerStyle.Render(strings.Repeat("_", 48)))
	fmt.Fprintln(w)
}
