package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	cmdBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
)

// CmdBarModel manages the command input bar
type CmdBarModel struct {
	input   textinput.Model
	focused bool
	message string
}

// NewCmdBarModel creates a new command bar
func NewCmdBarModel() *CmdBarModel {
	ti := textinput.New()
	ti.Placeholder = "/learn | /retrain <model> | /purge <days> | /snapshot [name]"
	ti.CharLimit = 256
	return &CmdBarModel{input: ti}
}

// Focused reports whether the bar takes key input
func (m *CmdBarModel) Focused() bool { return m.focused }

// Value returns the current input
func (m *CmdBarModel) Value() string { return m.input.Value() }

// SetValue replaces the current input
func (m *CmdBarModel) SetValue(v string) {
	m.input.SetValue(v)
	m.input.CursorEnd()
}

// Focus focuses the command bar
func (m *CmdBarModel) Focus() {
	m.focused = true
	m.input.Focus()
	m.input.SetValue("/")
	m.input.CursorEnd()
	m.message = ""
}

// Blur unfocuses the command bar
func (m *CmdBarModel) Blur() {
	m.focused = false
	m.input.Blur()
	m.input.SetValue("")
}

// Submit returns the current input and blurs
func (m *CmdBarModel) Submit() string {
	val := m.input.Value()
	m.Blur()
	return val
}

// SetMessage shows a one-line result in place of the prompt
func (m *CmdBarModel) SetMessage(msg string) { m.message = msg }

// Update handles messages
func (m *CmdBarModel) Update(msg tea.Msg) tea.Cmd {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		m.Blur()
		return nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return cmd
}

// View renders the command bar
func (m *CmdBarModel) View() string {
	if m.focused {
		return cmdBarStyle.Render(promptStyle.Render("> ") + m.input.View())
	}
	if m.message != "" {
		return cmdBarStyle.Render(m.message)
	}
	return cmdBarStyle.Render("Press / for commands, tab to switch panels, q to quit")
}

type cmdResultMsg struct {
	message string
	quit    bool
}

// Execute processes a command
func (m *CmdBarModel) Execute(client *Client, input string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(strings.TrimSpace(input), "/"))
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]

	return func() tea.Msg {
		switch cmd {
		case "learn":
			n, err := client.TriggerLearning()
			if err != nil {
				return cmdResultMsg{message: fmt.Sprintf("Error: %v", err)}
			}
			return cmdResultMsg{message: fmt.Sprintf("Learning cycle forced (%d actions)", n)}

		case "retrain":
			if len(args) != 1 {
				return cmdResultMsg{message: "Usage: retrain <model>"}
			}
			created, err := client.Retrain(args[0])
			if err != nil {
				return cmdResultMsg{message: fmt.Sprintf("Error: %v", err)}
			}
			if !created {
				return cmdResultMsg{message: fmt.Sprintf("Retrain of %s already queued", args[0])}
			}
			return cmdResultMsg{message: fmt.Sprintf("Retrain of %s queued", args[0])}

		case "purge":
			if len(args) != 1 {
				return cmdResultMsg{message: "Usage: purge <days>"}
			}
			days, err := strconv.Atoi(args[0])
			if err != nil {
				return cmdResultMsg{message: "Usage: purge <days>"}
			}
			n, err := client.Purge(days)
			if err != nil {
				return cmdResultMsg{message: fmt.Sprintf("Error: %v", err)}
			}
			return cmdResultMsg{message: fmt.Sprintf("Purged %d messages", n)}

		case "snapshot":
			name := strings.Join(args, " ")
			id, err := client.Snapshot(name)
			if err != nil {
				return cmdResultMsg{message: fmt.Sprintf("Error: %v", err)}
			}
			return cmdResultMsg{message: "Snapshot " + id + " created"}

		case "refresh":
			return cmdResultMsg{message: "Refreshed"}

		case "q", "quit", "exit":
			return cmdResultMsg{quit: true}
		}
		return cmdResultMsg{message: fmt.Sprintf("Unknown command: %s", cmd)}
	}
}
