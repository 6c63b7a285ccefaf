package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "Starting…"
	}

	header := m.styles.Header.Width(m.width).Render("agentcore · " + m.backend.SessionID())

	var prompt string
	if m.waiting {
		prompt = m.spinner.View() + " thinking… (esc to cancel)"
	} else {
		prompt = m.input.View()
	}
	footer := m.styles.Footer.Render("enter send · /help · ctrl+c quit")

	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), prompt, footer)
}

func (m Model) renderTranscript() string {
	var b strings.Builder
	for i, msg := range m.messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderMessage(msg))
	}
	return b.String()
}

func (m Model) renderMessage(msg Message) string {
	switch msg.Role {
	case RoleUser:
		return m.styles.User.Render("You") + "\n" + msg.Content + "\n"
	case RoleSystem:
		if msg.Failed {
			return m.styles.Error.Render(msg.Content) + "\n"
		}
		return m.styles.System.Render(msg.Content) + "\n"
	}

	label := m.styles.Assistant.Render("Agent")
	if msg.Meta != "" {
		label += " " + m.styles.Meta.Render(msg.Meta)
	}
	body := m.renderMarkdown(msg.Content)
	if msg.Failed {
		body = m.styles.Error.Render(strings.TrimSpace(body))
	}
	return label + "\n" + body
}

// renderMarkdown falls back to the raw text when no renderer is available.
func (m Model) renderMarkdown(content string) string {
	if m.renderer == nil || strings.TrimSpace(content) == "" {
		return content + "\n"
	}
	out, err := m.renderer.Render(content)
	if err != nil {
		return content + "\n"
	}
	return strings.TrimLeft(out, "\n")
}
