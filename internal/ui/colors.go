package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Semantic colors for status indication
const (
	ColorSuccess lipgloss.Color = "2" // Green
	ColorError   lipgloss.Color = "1" // Red
	ColorWarning lipgloss.Color = "3" // Yellow
	ColorInfo    lipgloss.Color = "6" // Cyan
)

// Text colors for content hierarchy
const (
	ColorPrimary   lipgloss.Color = "7" // White/default
	ColorSecondary lipgloss.Color = "4" // Blue
	ColorMuted     lipgloss.Color = "8" // Gray (bright black)
)

// DisableColors makes every style render plain text.
func DisableColors() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func successStyle() lipgloss.Style { return lipgloss.NewStyle().Foreground(ColorSuccess) }
func errorStyle() lipgloss.Style   { return lipgloss.NewStyle().Foreground(ColorError) }
func warnStyle() lipgloss.Style    { return lipgloss.NewStyle().Foreground(ColorWarning) }
func mutedStyle() lipgloss.Style   { return lipgloss.NewStyle().Foreground(ColorMuted) }
