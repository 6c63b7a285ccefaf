package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/normanking/agentcore/internal/orchestrator"
)

// Role identifies who wrote a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in the transcript.
type Message struct {
	Role      Role
	Content   string
	Meta      string // plugin, provider and timing for assistant replies
	Failed    bool
	Timestamp time.Time
}

// responseMsg carries a finished request back into the update loop.
type responseMsg struct {
	resp *orchestrator.Response
	err  error
}

// Model is the Bubble Tea model for the chat.
type Model struct {
	backend Backend
	timeout time.Duration

	width  int
	height int
	ready  bool

	messages []Message
	waiting  bool

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	styles   Styles
}

// New creates the chat model. timeout bounds a single request from the UI side.
func New(backend Backend, timeout time.Duration) Model {
	ti := textinput.New()
	ti.Placeholder = "Ask something, or /help"
	ti.CharLimit = 10000
	ti.Prompt = "› "
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		backend:  backend,
		timeout:  timeout,
		input:    ti,
		viewport: viewport.New(80, 20),
		spinner:  sp,
		styles:   DefaultStyles(),
	}
	m.spinner.Style = m.styles.Spinner
	m.messages = append(m.messages, Message{
		Role:      RoleSystem,
		Content:   fmt.Sprintf("Session %s. Type /help for commands.", backend.SessionID()),
		Timestamp: time.Now(),
	})
	return m
}

// Messages returns the transcript.
func (m Model) Messages() []Message { return m.messages }

// Waiting reports whether a request is in flight.
func (m Model) Waiting() bool { return m.waiting }

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.waiting {
				m.backend.Cancel()
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEsc:
			if m.waiting && m.backend.Cancel() {
				m = m.appendMessage(Message{Role: RoleSystem, Content: "Cancelling…"})
			}
			return m, nil
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.ready = true
		m = m.resize()

	case responseMsg:
		m.waiting = false
		m = m.appendMessage(replyMessage(msg.resp, msg.err))
		return m, nil

	case spinner.TickMsg:
		if !m.waiting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit handles Enter: slash commands run locally, everything else goes to
// the backend.
func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.waiting {
		return m, nil
	}
	m.input.Reset()

	if strings.HasPrefix(text, "/") {
		return m.handleCommand(text)
	}

	m = m.appendMessage(Message{Role: RoleUser, Content: text})
	m.waiting = true
	return m, tea.Batch(m.send(text), m.spinner.Tick)
}

func (m Model) send(text string) tea.Cmd {
	backend, timeout := m.backend, m.timeout
	return func() tea.Msg {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		resp, err := backend.Send(ctx, text)
		return responseMsg{resp: resp, err: err}
	}
}

// handleCommand runs a slash command.
func (m Model) handleCommand(input string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		return m, tea.Quit
	case "/clear":
		m.messages = nil
		m.viewport.SetContent("")
		return m, nil
	case "/session":
		return m.appendMessage(Message{Role: RoleSystem, Content: "Session " + m.backend.SessionID()}), nil
	case "/help", "/h", "/?":
		return m.appendMessage(Message{Role: RoleSystem, Content: helpText}), nil
	default:
		return m.appendMessage(Message{Role: RoleSystem, Content: "Unknown command " + fields[0] + ". Try /help.", Failed: true}), nil
	}
}

const helpText = `Commands:
  /help     show this help
  /session  show the session id
  /clear    clear the transcript
  /quit     exit
Esc cancels the request in flight. PgUp/PgDn scroll.`

// replyMessage turns a pipeline result into a transcript entry.
func replyMessage(resp *orchestrator.Response, err error) Message {
	msg := Message{Role: RoleAssistant, Timestamp: time.Now()}
	if resp != nil {
		msg.Content = resp.Text
		msg.Meta = describeResponse(resp)
		msg.Failed = resp.ErrorKind != ""
	}
	if msg.Content == "" && err != nil {
		msg.Content = err.Error()
		msg.Failed = true
	}
	return msg
}

func describeResponse(resp *orchestrator.Response) string {
	var parts []string
	if resp.Plugin != "" {
		parts = append(parts, resp.Plugin)
	}
	if resp.Provider != "" {
		parts = append(parts, resp.Provider)
	}
	if resp.ErrorKind != "" {
		parts = append(parts, string(resp.ErrorKind))
	}
	parts = append(parts, resp.Duration.Round(time.Millisecond).String())
	return strings.Join(parts, " · ")
}

func (m Model) appendMessage(msg Message) Model {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.messages = append(m.messages, msg)
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
	return m
}

// resize lays out the viewport and rebuilds the markdown renderer for the
// new width.
func (m Model) resize() Model {
	headerHeight, footerHeight := 2, 3
	m.viewport.Width = m.width
	m.viewport.Height = max(m.height-headerHeight-footerHeight, 3)
	m.input.Width = max(m.width-4, 10)

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(m.width-4, 20)),
	)
	if err == nil {
		m.renderer = r
	}
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
	return m
}
