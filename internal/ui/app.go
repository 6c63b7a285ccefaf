package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the chat in the alternate screen and blocks until the user quits.
func Run(backend Backend, timeout time.Duration) error {
	DetectColorProfile()
	p := tea.NewProgram(New(backend, timeout), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
