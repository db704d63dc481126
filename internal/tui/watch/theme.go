// Package watch implements the crucible live monitor TUI: session and
// instance state from the HTTP API plus the lifecycle event stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	// Session state colors
	StatusRunning    lipgloss.Style
	StatusInit       lipgloss.Style
	StatusTerminated lipgloss.Style
	StatusFailed     lipgloss.Style

	// UI elements
	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusRunning:    lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusInit:       lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusTerminated: lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),
		StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}
