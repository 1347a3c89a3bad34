package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// StatusTableRow represents a row in the status table.
type StatusTableRow struct {
	OK      bool
	Host    string // Host name as given on the command line or in config
	Address string // user@host:port actually dialed
	Latency string // Connection latency or error
}

// RenderStatusTable renders reachability results as a formatted table.
func RenderStatusTable(rows []StatusTableRow) string {
	if len(rows) == 0 {
		return "No hosts configured\n"
	}

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(ColorMuted)

	var output strings.Builder
	output.WriteString(headerStyle.Render("  STATUS   " + padRight("HOST", 17) + padRight("ADDRESS", 33) + "LATENCY"))
	output.WriteString("\n")

	for _, row := range rows {
		var statusIcon, latency string
		if row.OK {
			statusIcon = successStyle().Render(SymbolComplete)
			latency = mutedStyle().Render(row.Latency)
		} else {
			statusIcon = errorStyle().Render(SymbolFail)
			latency = errorStyle().Render(row.Latency)
		}

		output.WriteString("  " + statusIcon + "        " +
			padRight(row.Host, 17) +
			padRight(row.Address, 33) +
			latency + "\n")
	}

	return output.String()
}

// RenderKeyValues renders aligned "key  value" lines with muted keys.
func RenderKeyValues(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		if w := lipgloss.Width(p[0]); w > width {
			width = w
		}
	}

	var output strings.Builder
	for _, p := range pairs {
		output.WriteString("  " + mutedStyle().Render(padRight(p[0], width)) + "  " + p[1] + "\n")
	}
	return output.String()
}

// padRight pads a string to the specified width.
func padRight(s string, width int) string {
	// Account for ANSI codes when calculating visible length
	visibleLen := lipgloss.Width(s)
	if visibleLen >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visibleLen)
}
