// Package tui renders one room as a full-screen terminal client: a
// scrolling message view, a roster-aware status line, and an input box
// driving the room facade.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/codefionn/parley/internal/protocol"
	"github.com/codefionn/parley/internal/room"
	"github.com/codefionn/parley/internal/tree"
)

// roomChangedMsg is injected whenever a room snapshot would differ.
type roomChangedMsg struct{}

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("170")).
			Bold(true)

	stateActiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("42"))

	stateBusyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	stateDeadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Italic(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// Model is the bubbletea model for one room.
type Model struct {
	facade *room.Facade

	viewport viewport.Model
	input    textinput.Model

	width  int
	height int
	ready  bool

	roomName string
	errText  string
}

func NewModel(facade *room.Facade, roomName string) *Model {
	input := textinput.New()
	input.Placeholder = "message (/nick, /reply, /more, /quit)"
	input.Prompt = "> "
	input.Focus()

	return &Model{
		facade:   facade,
		input:    input,
		roomName: roomName,
	}
}

func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		bodyHeight := msg.Height - 3
		if bodyHeight < 1 {
			bodyHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, bodyHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = bodyHeight
		}
		m.input.Width = msg.Width - 4
		m.refresh()
		return m, nil

	case roomChangedMsg:
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			if m.dispatch(line) {
				return m, tea.Quit
			}
			return m, nil
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// dispatch handles one submitted input line; true means quit.
func (m *Model) dispatch(line string) bool {
	m.errText = ""
	fail := func(err error) {
		if err != nil {
			m.errText = err.Error()
		}
	}

	if !strings.HasPrefix(line, "/") {
		_, err := m.facade.Send(line, "")
		fail(err)
		return false
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "quit":
		return true
	case "nick":
		if rest == "" {
			m.errText = "usage: /nick <name>"
			return false
		}
		err := m.facade.SupplyNick(rest)
		if err == room.ErrNotConnected {
			_, err = m.facade.ChangeNick(rest)
		}
		fail(err)
	case "reply":
		parent, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			m.errText = "usage: /reply <message-id> <text>"
			return false
		}
		_, err := m.facade.Send(strings.TrimSpace(text), protocol.MessageID(parent))
		fail(err)
	case "more":
		fail(m.facade.FetchMoreHistory())
	case "seen":
		m.markAllSeen()
	case "fold":
		fail(m.facade.Fold(protocol.MessageID(rest)))
	case "unfold":
		fail(m.facade.Unfold(protocol.MessageID(rest)))
	case "connect":
		fail(m.facade.Connect())
	case "clear":
		fail(m.facade.ClearNotices())
	default:
		m.errText = fmt.Sprintf("unknown command /%s", cmd)
	}
	return false
}

func (m *Model) markAllSeen() {
	snap := m.facade.Snapshot()
	for _, vm := range snap.Messages {
		if !vm.Seen {
			m.facade.MarkSeen(vm.ID, tree.PropagateNone)
		}
	}
}

// refresh re-renders the snapshot into the viewport, keeping the view
// pinned to the newest message unless the user scrolled away.
func (m *Model) refresh() {
	if !m.ready {
		return
	}
	snap := m.facade.Snapshot()
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(renderMessages(snap, m.viewport.Width))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *Model) View() string {
	if !m.ready {
		return "loading..."
	}
	snap := m.facade.Snapshot()

	var b strings.Builder
	b.WriteString(headerStyle.Render("&"+m.roomName) + "  " + renderState(snap))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(renderStatus(snap, m.errText))
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

func renderState(snap room.Snapshot) string {
	switch snap.State {
	case room.StateActive:
		who := snap.Nick
		if who == "" {
			who = "?"
		}
		return stateActiveStyle.Render(fmt.Sprintf("connected as %s, %d online", who, len(snap.Roster)))
	case room.StateConnecting, room.StateJoining, room.StateIdentifying:
		return stateBusyStyle.Render(snap.State.String())
	case room.StateAwaitingNick:
		return stateBusyStyle.Render("choose a nickname with /nick")
	case room.StateStopped:
		return stateDeadStyle.Render("stopped: " + snap.LastError)
	default:
		if !snap.ReconnectAt.IsZero() {
			return stateDeadStyle.Render(fmt.Sprintf("reconnecting at %s", snap.ReconnectAt.Format("15:04:05")))
		}
		return stateDeadStyle.Render("disconnected")
	}
}

func renderStatus(snap room.Snapshot, errText string) string {
	if errText != "" {
		return stateDeadStyle.Render(errText)
	}
	if n := len(snap.Notices); n > 0 {
		last := snap.Notices[n-1]
		return noticeStyle.Render(fmt.Sprintf("%s (%d notices, /clear)", last.Text, n))
	}
	if snap.UnseenCount > 0 {
		return statusStyle.Render(fmt.Sprintf("%d unseen (/seen)", snap.UnseenCount))
	}
	return statusStyle.Render("pgup/pgdn to scroll, /more for history, ctrl+c to quit")
}

// Run drives the program until the user quits or ctx is cancelled.
// Snapshot changes are forwarded into the bubbletea loop as messages.
func Run(ctx context.Context, facade *room.Facade, roomName string) error {
	model := NewModel(facade, roomName)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	token, changes := facade.Subscribe()
	defer facade.Unsubscribe(token)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				program.Send(roomChangedMsg{})
			}
		}
	}()

	_, err := program.Run()
	return err
}
