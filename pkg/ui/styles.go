package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/naviyanka/lleo/pkg/health"
	"github.com/naviyanka/lleo/pkg/session"
)

// Color palette
var (
	Primary   = lipgloss.Color("#7D56F4") // Purple - brand color
	Secondary = lipgloss.Color("#00D4AA") // Teal

	Success = lipgloss.Color("#00D26A") // Bright green
	Warning = lipgloss.Color("#FFB800") // Amber
	Error   = lipgloss.Color("#FF3838") // Red
	Muted   = lipgloss.Color("#6B7280") // Gray
	Text    = lipgloss.Color("#FAFAFA")
)

// Pre-configured styles
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Text).
			Background(Primary).
			Padding(0, 1)

	SubtitleStyle = lipgloss.NewStyle().
			Foreground(Muted).
			Italic(true)

	BannerStyle = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true)

	VersionStyle = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	SectionStyle = lipgloss.NewStyle().
			Foreground(Text).
			Bold(true).
			MarginTop(1)

	HeaderStyle = lipgloss.NewStyle().
			Foreground(Muted).
			Bold(true)

	LabelStyle = lipgloss.NewStyle().
			Foreground(Muted).
			Width(14)

	ValueStyle = lipgloss.NewStyle().
			Foreground(Text)

	StatValueStyle = lipgloss.NewStyle().
			Foreground(Text).
			Bold(true)

	ErrorTextStyle = lipgloss.NewStyle().
			Foreground(Error)

	DividerStyle = lipgloss.NewStyle().
			Foreground(Muted)

	PathStyle = lipgloss.NewStyle().
			Foreground(Secondary).
			Underline(true)
)

// StatusStyle returns the style for a module status.
func StatusStyle(status session.ModuleStatus) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)
	switch status {
	case session.StatusCompleted:
		return base.Foreground(Success)
	case session.StatusFailed:
		return base.Foreground(Error)
	case session.StatusCancelled, session.StatusUnavailable:
		return base.Foreground(Warning)
	case session.StatusRunning:
		return base.Foreground(Secondary)
	default:
		return base.Foreground(Muted)
	}
}

// HealthStyle returns the badge style for a health status.
func HealthStyle(s health.Status) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	switch s {
	case health.StatusHealthy:
		return base.Foreground(lipgloss.Color("#000000")).Background(Success)
	case health.StatusUnhealthy:
		return base.Foreground(lipgloss.Color("#FFFFFF")).Background(Error)
	default:
		return base.Foreground(Muted)
	}
}

// StateStyle returns the style for a session lifecycle state.
func StateStyle(state string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)
	switch state {
	case "Completed":
		return base.Foreground(Success)
	case "Aborted":
		return base.Foreground(Error)
	default:
		return base.Foreground(Secondary)
	}
}
