package attach

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"convohub/internal/hub"
	"convohub/internal/types"
)

const (
	headerHeight = 1
	footerHeight = 2
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	roleStyles  = map[types.Role]lipgloss.Style{
		types.RoleUser:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33")),
		types.RoleAssistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170")),
		types.RoleSystem:    lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("214")),
	}
)

// frameMsg carries one server frame into Update.
type frameMsg Frame

// disconnectedMsg is delivered once the frame channel closes.
type disconnectedMsg struct{ err error }

// Options configures the model.
type Options struct {
	Project  string
	Nickname string // empty joins without sharing
}

// Model is the bubbletea model of an attached session.
type Model struct {
	remote Remote
	opts   Options
	userID string

	transcript Transcript
	viewport   viewport.Model
	input      textinput.Model
	spinner    spinner.Model
	renderer   *glamour.TermRenderer

	width, height int
	ready         bool
	err           error
}

// New returns a model talking to remote.
func New(remote Remote, opts Options) Model {
	ti := textinput.New()
	ti.Placeholder = "Message (Enter to send, Esc to stop, /help for commands)"
	ti.Prompt = "│ "
	ti.CharLimit = 16 * 1024
	ti.Width = 80
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return Model{
		remote:   remote,
		opts:     opts,
		userID:   uuid.NewString(),
		viewport: viewport.New(80, 20),
		input:    ti,
		spinner:  sp,
		renderer: renderer,
	}
}

// Transcript returns the current mirrored conversation.
func (m Model) Transcript() Transcript {
	return m.transcript
}

// Err returns the error that ended the session, if any.
func (m Model) Err() error {
	return m.err
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.spinner.Tick, waitFrame(m.remote)}
	if m.opts.Nickname != "" {
		cmds = append(cmds, m.send(hub.EventShareRegister, hub.ShareRequest{UserID: m.userID, Nickname: m.opts.Nickname}))
	}
	return tea.Batch(cmds...)
}

func waitFrame(r Remote) tea.Cmd {
	return func() tea.Msg {
		f, ok := <-r.Frames()
		if !ok {
			return disconnectedMsg{err: r.Err()}
		}
		return frameMsg(f)
	}
}

// send writes an event off the update loop; failures come back as a notice.
func (m Model) send(event string, data any) tea.Cmd {
	return func() tea.Msg {
		if err := m.remote.Send(event, data); err != nil {
			return noticeMsg(fmt.Sprintf("%s failed: %v", event, err))
		}
		return nil
	}
}

type noticeMsg string

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-headerHeight-footerHeight-1, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.ready = true
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEsc:
			return m, m.send(hub.EventMessageStop, nil)
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if text == "" {
				return m, nil
			}
			if strings.HasPrefix(text, "/") {
				return m.command(text)
			}
			return m, m.send(hub.EventMessageSend, hub.SendRequest{Message: text, SenderID: m.senderID()})
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case frameMsg:
		changed, err := m.transcript.Apply(Frame(msg))
		if err != nil {
			m.transcript.Notice = fmt.Sprintf("bad %s frame: %v", msg.Event, err)
		}
		if changed {
			m.refresh()
		}
		cmds = append(cmds, waitFrame(m.remote))

	case disconnectedMsg:
		m.transcript.Closed = true
		m.err = msg.err
		return m, tea.Quit

	case noticeMsg:
		m.transcript.Notice = string(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) senderID() string {
	if m.transcript.Self == nil {
		return ""
	}
	return m.transcript.Self.ID
}

const helpText = "/stop  /reset  /continue  /history  /auto on|off  /quit"

// command handles a slash command typed into the input.
func (m Model) command(text string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(text)
	switch fields[0] {
	case "/quit", "/exit":
		return m, tea.Quit
	case "/stop":
		return m, m.send(hub.EventMessageStop, nil)
	case "/reset":
		return m, m.send(hub.EventSessionReset, nil)
	case "/continue":
		return m, m.send(hub.EventSessionContinue, nil)
	case "/history":
		return m, m.send(hub.EventHistoryList, nil)
	case "/auto":
		if len(fields) == 2 && (fields[1] == "on" || fields[1] == "off") {
			return m, m.send(hub.EventAutoConfirm, hub.AutoConfirmRequest{Enabled: fields[1] == "on"})
		}
	case "/help":
	default:
		// unknown slash commands go to the assistant, which has its own
		return m, m.send(hub.EventMessageSend, hub.SendRequest{Message: text, SenderID: m.senderID()})
	}
	m.transcript.Notice = helpText
	return m, nil
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.render())
	m.viewport.GotoBottom()
}

func (m Model) render() string {
	var sb strings.Builder
	for _, msg := range m.transcript.Messages {
		sb.WriteString(roleStyles[msg.Role].Render(speaker(msg)))
		if msg.Streaming {
			sb.WriteString(dimStyle.Render(" …"))
		}
		sb.WriteString("\n")

		text := body(msg)
		if msg.Role == types.RoleAssistant && !msg.Streaming && m.renderer != nil {
			if out, err := m.renderer.Render(text); err == nil {
				text = out
			}
		}
		sb.WriteString(strings.TrimRight(text, "\n"))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func (m Model) View() string {
	if !m.ready {
		return "connecting..."
	}

	st := m.transcript.Status
	state := "idle"
	if st.Processing {
		state = m.spinner.View() + " generating"
	}
	if st.AwaitingConfirmation {
		state = "awaiting confirmation"
	}
	header := headerStyle.Render(st.ProjectPath) + dimStyle.Render(fmt.Sprintf("  %s · %d users", state, len(m.transcript.Users)))
	if m.transcript.AutoConfirm {
		header += dimStyle.Render(" · auto-confirm")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		m.input.View(),
		noticeStyle.Render(m.transcript.Notice),
	)
}
