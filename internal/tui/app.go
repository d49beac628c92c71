// Package tui renders the conversation log in the terminal and forwards
// user input to the orchestrator.
package tui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/stupiduntilnot/rpgchat/internal/chat"
	"github.com/stupiduntilnot/rpgchat/internal/conversation"
)

// Submitter is the inbound surface of the conversation core.
type Submitter interface {
	Submit(ctx context.Context, text string) error
	Clear()
}

type snapshotMsg []conversation.Message

type submitDoneMsg struct{ err error }

type Model struct {
	ctx       context.Context
	submitter Submitter
	snapshots <-chan []conversation.Message

	messages []conversation.Message
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	width    int
	height   int
	err      error
}

// NewModel returns a model that renders every snapshot received on
// snapshots and sends input to submitter.
func NewModel(ctx context.Context, submitter Submitter, snapshots <-chan []conversation.Message) Model {
	in := textinput.New()
	in.Placeholder = "Say something..."
	in.CharLimit = 2000
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		ctx:       ctx,
		submitter: submitter,
		snapshots: snapshots,
		input:     in,
		viewport:  viewport.New(80, 20),
		spinner:   sp,
		width:     80,
		height:    24,
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitForSnapshot(m.snapshots))
}

// waitForSnapshot blocks until the next snapshot arrives. A closed
// subscription yields nil, which ends the wait loop.
func waitForSnapshot(ch <-chan []conversation.Message) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

func submitCmd(ctx context.Context, s Submitter, text string) tea.Cmd {
	return func() tea.Msg {
		return submitDoneMsg{err: s.Submit(ctx, text)}
	}
}

func clearCmd(s Submitter) tea.Cmd {
	return func() tea.Msg {
		s.Clear()
		return nil
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			text := m.input.Value()
			if strings.TrimSpace(text) == "" {
				return m, nil
			}
			m.input.Reset()
			m.err = nil
			return m, submitCmd(m.ctx, m.submitter, text)
		case "ctrl+n":
			m.err = nil
			return m, clearCmd(m.submitter)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case snapshotMsg:
		m.messages = msg
		m.refresh()
		return m, waitForSnapshot(m.snapshots)

	case submitDoneMsg:
		m.err = msg.err
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.thinking() {
			m.refresh()
		}
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) resize() {
	// title + status + input + help
	chrome := 4
	m.viewport.Width = m.width
	m.viewport.Height = max(1, m.height-chrome)
	m.input.Width = max(10, m.width-4)
}

// refresh re-renders the log and follows the newest message.
func (m *Model) refresh() {
	m.viewport.SetContent(renderMessages(m.messages, m.width, m.spinner.View()))
	m.viewport.GotoBottom()
}

func (m Model) thinking() bool {
	n := len(m.messages)
	return n > 0 && m.messages[n-1].IsThinking()
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("rpgchat"))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter send • ctrl+n new conversation • pgup/pgdown scroll • esc quit"))
	return b.String()
}

func (m Model) statusLine() string {
	status := "ready"
	switch {
	case m.err != nil:
		status = "error: " + m.err.Error()
	case m.thinking():
		status = "waiting for reply"
	}
	return statusBarStyle.Width(m.width).Render(status)
}

func renderMessages(messages []conversation.Message, width int, spinnerFrame string) string {
	if len(messages) == 0 {
		return helpStyle.Render("No messages yet.")
	}
	maxBubble := max(10, width*3/4)
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		lines = append(lines, renderMessage(msg, width, maxBubble, spinnerFrame))
	}
	return strings.Join(lines, "\n\n")
}

func renderMessage(msg conversation.Message, width, maxBubble int, spinnerFrame string) string {
	if msg.IsThinking() {
		return thinkingStyle.Render(spinnerFrame + " thinking")
	}

	style := assistantBubbleStyle
	align := lipgloss.Left
	switch {
	case msg.FromUser():
		style = userBubbleStyle
		align = lipgloss.Right
	case msg.Text == chat.ContextDroppedNotice:
		return noticeStyle.Width(min(width, maxBubble)).Render(msg.Text)
	case strings.HasPrefix(msg.Text, chat.ErrorPrefix):
		style = errorBubbleStyle
	}
	if lipgloss.Width(msg.Text) > maxBubble-2 {
		style = style.Width(maxBubble)
	}
	return lipgloss.PlaceHorizontal(width, align, style.Render(msg.Text))
}
