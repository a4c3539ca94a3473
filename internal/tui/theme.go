package tui

import "github.com/charmbracelet/lipgloss"

// styles は画面で使うlipglossスタイル。配色は最小限にとどめる。
type styles struct {
	title    lipgloss.Style
	count    lipgloss.Style
	selected lipgloss.Style
	url      lipgloss.Style
	empty    lipgloss.Style
	status   lipgloss.Style
	help     lipgloss.Style
	modal    lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		title:    lipgloss.NewStyle().Bold(true),
		count:    lipgloss.NewStyle().Reverse(true).Padding(0, 1),
		selected: lipgloss.NewStyle().Bold(true),
		url:      lipgloss.NewStyle().Faint(true),
		empty:    lipgloss.NewStyle().Italic(true).Faint(true),
		status:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		help:     lipgloss.NewStyle().Faint(true),
		modal: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("1")).
			Padding(0, 2),
	}
}
