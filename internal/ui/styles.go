package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STYLES
// ═══════════════════════════════════════════════════════════════════════════════

// Styles contains pre-computed lipgloss styles for the chat view.
type Styles struct {
	Header    lipgloss.Style
	Footer    lipgloss.Style
	User      lipgloss.Style
	Assistant lipgloss.Style
	System    lipgloss.Style
	Error     lipgloss.Style
	Meta      lipgloss.Style
	Spinner   lipgloss.Style
}

// Palette
var (
	colorAccent = lipgloss.AdaptiveColor{Light: "#5A4FCF", Dark: "#9D8CFF"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#6B6B6B", Dark: "#8A8A8A"}
	colorError  = lipgloss.AdaptiveColor{Light: "#C0392B", Dark: "#FF6B6B"}
	colorUser   = lipgloss.AdaptiveColor{Light: "#1F7A4D", Dark: "#5FD7A7"}
)

// DefaultStyles builds the styles for the detected terminal.
func DefaultStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(colorMuted),
		Footer:    lipgloss.NewStyle().Foreground(colorMuted),
		User:      lipgloss.NewStyle().Bold(true).Foreground(colorUser),
		Assistant: lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
		System:    lipgloss.NewStyle().Italic(true).Foreground(colorMuted),
		Error:     lipgloss.NewStyle().Foreground(colorError),
		Meta:      lipgloss.NewStyle().Faint(true),
		Spinner:   lipgloss.NewStyle().Foreground(colorAccent),
	}
}

// DetectColorProfile configures lipgloss for the attached terminal. Output
// piped to a file gets no escape codes.
func DetectColorProfile() termenv.Profile {
	profile := termenv.EnvColorProfile()
	lipgloss.SetColorProfile(profile)
	lipgloss.SetHasDarkBackground(termenv.HasDarkBackground())
	return profile
}
