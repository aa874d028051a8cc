// Package watch implements the parley queue watch TUI.
package watch

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

// Theme holds the styles for every watch panel.
type Theme struct {
	Good lipgloss.Style
	Busy lipgloss.Style
	Bad  lipgloss.Style
	Idle lipgloss.Style

	Frame  lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style
	Accent lipgloss.Style

	Table table.Styles
}

// Palette, adaptive so the TUI reads on light and dark terminals.
var (
	green  = lipgloss.AdaptiveColor{Light: "#1A7F37", Dark: "#3FB950"}
	amber  = lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#D29922"}
	red    = lipgloss.AdaptiveColor{Light: "#CF222E", Dark: "#F85149"}
	grey   = lipgloss.AdaptiveColor{Light: "#6E7781", Dark: "#8B949E"}
	teal   = lipgloss.AdaptiveColor{Light: "#0E7490", Dark: "#2DD4BF"}
	ink    = lipgloss.AdaptiveColor{Light: "#24292F", Dark: "#F0F6FC"}
	stroke = lipgloss.AdaptiveColor{Light: "#D0D7DE", Dark: "#30363D"}
)

func NewDefaultTheme() Theme {
	fg := func(c lipgloss.TerminalColor) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }

	tbl := table.DefaultStyles()
	tbl.Header = tbl.Header.
		Foreground(grey).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(stroke).
		BorderBottom(true).
		Bold(false)
	tbl.Selected = tbl.Selected.Foreground(ink).Background(stroke).Bold(false)

	return Theme{
		Good: fg(green),
		Busy: fg(amber),
		Bad:  fg(red).Bold(true),
		Idle: fg(grey),

		Frame:  lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(teal),
		Title:  fg(ink).Bold(true),
		Dim:    fg(grey),
		Accent: fg(teal),

		Table: tbl,
	}
}
