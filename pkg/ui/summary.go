package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/naviyanka/lleo/pkg/framework"
	"github.com/naviyanka/lleo/pkg/module"
	"github.com/naviyanka/lleo/pkg/session"
)

// Column widths of the module table.
const (
	colName     = 20
	colCap      = 20
	colStatus   = 12
	colDuration = 10
	colTasks    = 9
	colError    = 60
)

func cell(style lipgloss.Style, width int, s string) string {
	return style.Width(width).MaxWidth(width).Render(Truncate(s, width-1))
}

// RenderSummary formats the end-of-session report.
func RenderSummary(rep *framework.Report) string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("Session " + rep.SessionID))
	b.WriteString("\n\n")
	writeField(&b, "Target", ValueStyle.Render(rep.Target))
	writeField(&b, "State", StateStyle(string(rep.State)).Render(string(rep.State)))
	if rep.Reason != "" {
		writeField(&b, "Reason", ErrorTextStyle.Render(Clean(rep.Reason)))
	}
	writeField(&b, "Duration", ValueStyle.Render(formatMs(rep.DurationMs)))
	if rep.OutputDir != "" {
		writeField(&b, "Output", PathStyle.Render(rep.OutputDir))
	}

	b.WriteString(SectionStyle.Render("> Modules"))
	b.WriteString("\n")
	b.WriteString(renderModuleTable(rep.Modules))

	b.WriteString(SectionStyle.Render("> Execution"))
	b.WriteString("\n")
	counts := rep.Counts()
	writeField(&b, "Modules", fmt.Sprintf("%s completed, %s failed, %s cancelled, %s unavailable",
		StatusStyle(session.StatusCompleted).Render(fmt.Sprint(counts[session.StatusCompleted])),
		StatusStyle(session.StatusFailed).Render(fmt.Sprint(counts[session.StatusFailed])),
		StatusStyle(session.StatusCancelled).Render(fmt.Sprint(counts[session.StatusCancelled])),
		StatusStyle(session.StatusUnavailable).Render(fmt.Sprint(counts[session.StatusUnavailable]))))
	writeField(&b, "Processes", StatValueStyle.Render(fmt.Sprint(rep.Executor.Spawned)))
	writeField(&b, "Shared", StatValueStyle.Render(fmt.Sprint(rep.Executor.Shared)))
	writeField(&b, "Cache hits", StatValueStyle.Render(fmt.Sprint(rep.Executor.Cached)))

	b.WriteString(SectionStyle.Render("> Health"))
	b.WriteString("\n")
	writeField(&b, "Status", HealthStyle(rep.Health.Status).Render(string(rep.Health.Status)))
	for _, c := range rep.Health.Critical {
		writeField(&b, "Critical", ErrorTextStyle.Render(Clean(c)))
	}
	for _, w := range rep.Health.Warnings {
		writeField(&b, "Warning", StatusStyle(session.StatusCancelled).Render(Clean(w)))
	}
	return b.String()
}

func renderModuleTable(mods []framework.ModuleReport) string {
	var b strings.Builder
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		cell(HeaderStyle, colName, "MODULE"),
		cell(HeaderStyle, colCap, "CAPABILITY"),
		cell(HeaderStyle, colStatus, "STATUS"),
		cell(HeaderStyle, colDuration, "TIME"),
		cell(HeaderStyle, colTasks, "TASKS"),
		HeaderStyle.Render("DETAIL"),
	))
	b.WriteString("\n")
	if len(mods) == 0 {
		b.WriteString(SubtitleStyle.Render("no modules ran"))
		b.WriteString("\n")
		return b.String()
	}

	for _, m := range mods {
		detail := Clean(m.Error)
		if len(m.Missing) > 0 {
			detail = "missing " + strings.Join(m.Missing, ", ")
		}
		tasks := fmt.Sprintf("%d/%d", m.Metrics.TasksCompleted, m.Metrics.TasksStarted)
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			cell(ValueStyle, colName, m.Name),
			cell(SubtitleStyle, colCap, string(m.Capability)),
			cell(StatusStyle(m.Status), colStatus, string(m.Status)),
			cell(ValueStyle, colDuration, formatMs(m.DurationMs)),
			cell(ValueStyle, colTasks, tasks),
			ErrorTextStyle.Render(Truncate(detail, colError)),
		))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderModules formats the module listing with tool availability. avail
// may be nil when tools were not resolved.
func RenderModules(descs []module.Descriptor, avail map[string]module.Availability) string {
	var b strings.Builder
	sorted := append([]module.Descriptor(nil), descs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		cell(HeaderStyle, colName, "MODULE"),
		cell(HeaderStyle, colCap, "CAPABILITY"),
		cell(HeaderStyle, colStatus, "STATUS"),
		HeaderStyle.Render("TOOLS"),
	))
	b.WriteString("\n")
	for _, d := range sorted {
		status, style := "unknown", StatusStyle(session.StatusPending)
		if a, ok := avail[d.Name]; ok {
			if a.Available {
				status, style = "available", StatusStyle(session.StatusCompleted)
			} else {
				status, style = "unavailable", StatusStyle(session.StatusUnavailable)
			}
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			cell(ValueStyle, colName, d.Name),
			cell(SubtitleStyle, colCap, string(d.Capability)),
			cell(style, colStatus, status),
			ValueStyle.Render(toolList(d, avail[d.Name])),
		))
		b.WriteString("\n")
	}
	return b.String()
}

func toolList(d module.Descriptor, a module.Availability) string {
	missing := make(map[string]bool, len(a.Missing))
	for _, m := range a.Missing {
		missing[m] = true
	}
	parts := make([]string, 0, len(d.Tools))
	for i, t := range d.Tools {
		s := t.Name
		if t.MinVersion != "" {
			s += ">=" + t.MinVersion
		}
		switch {
		case missing[t.Name]:
			s = ErrorTextStyle.Render(s + " (missing)")
		case i < len(a.Tools) && a.Tools[i].Version != "":
			s += " (" + a.Tools[i].Version + ")"
		}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return SubtitleStyle.Render("none")
	}
	return strings.Join(parts, ", ")
}

func writeField(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "  %s %s\n", LabelStyle.Render(label), value)
}

func formatMs(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", ms)
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Truncate(time.Second).String()
	}
}
