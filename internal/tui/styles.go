package tui

import "github.com/charmbracelet/lipgloss"

var (
	// HeaderStyle styles the column header row.
	HeaderStyle = lipgloss.NewStyle().Bold(true)
	// TitleStyle styles the table title.
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))

	terminalStatuses = map[string]bool{
		"installed": true,
		"updated":   true,
		"removed":   true,
		"complete":  true,
		"ok":        true,
		"current":   true,
		"skipped":   true,
		"error":     true,
	}

	activeStatuses = map[string]bool{
		"resolving":   true,
		"downloading": true,
		"running":     true,
	}

	statusStyles = map[string]lipgloss.Style{
		"installed": lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		"updated":   lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		"removed":   lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		"complete":  lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		"ok":        lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		"current":   lipgloss.NewStyle().Foreground(lipgloss.Color("2")),

		"resolving":   lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		"downloading": lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		"running":     lipgloss.NewStyle().Foreground(lipgloss.Color("4")),

		"skipped":       lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		"missing":       lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		"not installed": lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		"outdated":      lipgloss.NewStyle().Foreground(lipgloss.Color("3")),

		"error": lipgloss.NewStyle().Foreground(lipgloss.Color("1")),

		"pending": lipgloss.NewStyle().Faint(true),
	}
)

// StatusStyle returns the lipgloss style for the given status string.
func StatusStyle(status string) lipgloss.Style {
	if s, ok := statusStyles[status]; ok {
		return s
	}
	return lipgloss.NewStyle()
}

// IsTerminal reports whether status ends a row's work.
func IsTerminal(status string) bool {
	return terminalStatuses[status]
}

// IsActive reports whether status means a row's work is in progress.
func IsActive(status string) bool {
	return activeStatuses[status]
}
