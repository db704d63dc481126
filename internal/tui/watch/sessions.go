package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/crucible/internal/session"
)

func renderSessions(infos []session.Info, selected int, theme Theme, width int) string {
	innerWidth := width - 4

	if len(infos) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("SESSIONS"),
			theme.Dim.Render("  No live sessions"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	header := theme.Header.Render(fmt.Sprintf("  %-24s %-10s %-12s %6s %10s",
		"SESSION KEY", "VERSION", "STATE", "PID", "INSTANCES"))

	var rows []string
	for i, info := range infos {
		var stateStyle lipgloss.Style
		switch info.State {
		case session.StateRunning:
			stateStyle = theme.StatusRunning
		case session.StateInit:
			stateStyle = theme.StatusInit
		default:
			stateStyle = theme.StatusTerminated
		}

		pid := "-"
		if info.PID != 0 {
			pid = fmt.Sprintf("%d", info.PID)
		}

		cursor := "  "
		if i == selected {
			cursor = theme.Highlight.Render("> ")
		}

		rows = append(rows, fmt.Sprintf("%s%-24s %-10s %s %6s %10d",
			cursor,
			truncate(info.SessionKey, 24),
			info.RuntimeVersion,
			stateStyle.Render(fmt.Sprintf("%-12s", info.State)),
			pid,
			len(info.Instances),
		))
	}

	// Instance IDs of the selected session.
	if selected >= 0 && selected < len(infos) && len(infos[selected].Instances) > 0 {
		rows = append(rows, theme.Dim.Render("    "+strings.Join(infos[selected].Instances, ", ")))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("SESSIONS"),
		header,
		strings.Join(rows, "\n"),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
