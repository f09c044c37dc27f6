package output

import "github.com/charmbracelet/lipgloss"

// Styles holds the lipgloss styles used for human-readable output.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Name    lipgloss.Style
	Running lipgloss.Style
	Stopped lipgloss.Style
	Current lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Failure lipgloss.Style
}

// DefaultStyles returns the styles used on color terminals.
func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Label:   lipgloss.NewStyle().Bold(true),
		Name:    lipgloss.NewStyle().Bold(true),
		Running: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Stopped: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Current: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Failure: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
}

// PlainStyles renders text unchanged.
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Title:   plain,
		Label:   plain,
		Name:    plain,
		Running: plain,
		Stopped: plain,
		Current: plain,
		Muted:   plain,
		Success: plain,
		Failure: plain,
	}
}
