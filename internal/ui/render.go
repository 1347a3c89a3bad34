package ui

import (
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/rileyhilliard/sshutil/internal/errors"
)

// RenderError formats err for the terminal. Structured errors get their
// message in red and the suggestion muted.
func RenderError(err error) string {
	if err == nil {
		return ""
	}

	var shErr *errors.Error
	if !stderrors.As(err, &shErr) {
		return errorStyle().Render(SymbolFail+" "+strings.TrimSpace(err.Error())) + "\n"
	}

	var b strings.Builder
	b.WriteString(errorStyle().Bold(true).Render(SymbolFail + " " + shErr.Message))
	b.WriteString("\n")
	if shErr.Cause != nil {
		b.WriteString("\n  " + indent(strings.TrimSpace(shErr.Cause.Error())) + "\n")
	}
	if shErr.Suggestion != "" {
		b.WriteString("\n  " + mutedStyle().Render(indent(shErr.Suggestion)) + "\n")
	}
	return b.String()
}

// PrintSuccess writes a green check line to w.
func PrintSuccess(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintln(w, successStyle().Render(SymbolSuccess)+" "+fmt.Sprintf(format, args...))
}

// PrintWarning writes a yellow warning line to w.
func PrintWarning(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintln(w, warnStyle().Render(SymbolWarning+" "+fmt.Sprintf(format, args...)))
}

// Heading renders a bold section title.
func Heading(s string) string {
	return lipgloss.NewStyle().Bold(true).Render(s)
}

func indent(s string) string {
	return strings.ReplaceAll(s, "\n", "\n  ")
}
