package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Report colors
var (
	Accent      = lipgloss.Color("#8BC34A")
	Muted       = lipgloss.Color("#6b7280")
	Destructive = lipgloss.Color("#e53935")
	Warning     = lipgloss.Color("#FFC107")
	Info        = lipgloss.Color("#2196F3")
)

// Styles groups the text styles of the command reports.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}

// DefaultStyles returns the styles used on a terminal.
func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(Info),
		Label:   lipgloss.NewStyle().Foreground(Muted).Width(24),
		Value:   lipgloss.NewStyle().Bold(true),
		Muted:   lipgloss.NewStyle().Foreground(Muted),
		Success: lipgloss.NewStyle().Foreground(Accent).Bold(true),
		Warning: lipgloss.NewStyle().Foreground(Warning),
		Error:   lipgloss.NewStyle().Foreground(Destructive).Bold(true),
		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Muted).
			Padding(0, 1),
	}
}

var styles = DefaultStyles()

// field renders one aligned "label value" line.
func field(label string, value interface{}) string {
	return lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Label.Render(label),
		styles.Value.Render(fmt.Sprint(value)),
	)
}

// report renders a titled box of lines.
func report(title string, lines ...string) string {
	body := lipgloss.JoinVertical(lipgloss.Left, lines...)
	return lipgloss.JoinVertical(lipgloss.Left,
		styles.Title.Render(title),
		styles.Box.Render(body),
	)
}

// table renders rows with padded columns; the first row is the header.
func table(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); i < len(widths) && w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			style := lipgloss.NewStyle().Width(widths[i] + 2)
			if r == 0 {
				style = style.Bold(true).Foreground(Info)
			}
			cells[i] = style.Render(cell)
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
		b.WriteByte('\n')
	}
	return b.String()
}
