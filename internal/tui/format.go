package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// NonEmptyOrDash returns "-" for blank values so table columns never
// collapse.
func NonEmptyOrDash(value string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return "-"
}

// TruncateWithEllipsis shortens value to at most width bytes, replacing the
// tail with "..." when there is room for it.
func TruncateWithEllipsis(value string, width int) string {
	return elide(value, width, ElideRight)
}

func elide(value string, width int, mode Elide) string {
	value = strings.TrimSpace(value)
	switch {
	case width <= 0:
		return ""
	case len(value) <= width:
		return value
	case width <= 3:
		if mode == ElideLeft {
			return value[len(value)-width:]
		}
		return value[:width]
	case mode == ElideLeft:
		return "..." + value[len(value)-(width-3):]
	default:
		return value[:width-3] + "..."
	}
}

func padRight(s string, width int) string {
	if gap := width - lipgloss.Width(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}

// FormatBytes renders n using binary units.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	value, suffix := float64(n)/unit, 0
	for value >= unit && suffix < len("KMGTPE")-1 {
		value /= unit
		suffix++
	}
	return fmt.Sprintf("%.1f %ciB", value, "KMGTPE"[suffix])
}
