// Package tui provides the commentops watch console.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(warningColor)
)

// RefreshInterval is how often the console polls the daemon.
const RefreshInterval = 2 * time.Second

const listLimit = 100

type view int

const (
	viewOverview view = iota
	viewEvents
	viewHistory
	viewDeadLetters
)

var viewNames = []string{"Overview", "Bus", "History", "Dead letters"}

// App is the watch console model.
type App struct {
	client      *Client
	cmdbar      *CmdBarModel
	suggestions *Suggestions
	spinner     spinner.Model
	table       table.Model

	width  int
	height int
	view   view

	online      bool
	loading     bool
	err         error
	lastRefresh time.Time

	overview    *Overview
	events      []Event
	history     []HistoryItem
	deadLetters []DeadLetter
}

// New creates a console that polls the API at apiAddr.
func New(apiAddr string) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	t := table.New(table.WithFocused(true), table.WithHeight(15))
	st := table.DefaultStyles()
	st.Header = st.Header.BorderStyle(lipgloss.NormalBorder()).BorderForeground(mutedColor).BorderBottom(true).Bold(true)
	st.Selected = st.Selected.Foreground(fgColor).Background(primaryColor)
	t.SetStyles(st)

	return &App{
		client:      NewClient(apiAddr),
		cmdbar:      NewCmdBarModel(),
		suggestions: NewSuggestions(),
		spinner:     sp,
		table:       t,
		loading:     true,
	}
}

// Run starts the console.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type refreshMsg struct {
	online      bool
	overview    *Overview
	events      []Event
	history     []HistoryItem
	deadLetters []DeadLetter
	err         error
}

type tickMsg time.Time

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.refresh(), a.tick())
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *App) refresh() tea.Cmd {
	client := a.client
	return func() tea.Msg {
		ok, err := client.CheckHealth()
		if err != nil || !ok {
			return refreshMsg{err: err}
		}
		msg := refreshMsg{online: true}
		if msg.overview, err = client.Overview(); err != nil {
			msg.err = err
			return msg
		}
		if msg.events, err = client.Events(listLimit); err != nil {
			msg.err = err
			return msg
		}
		if msg.history, err = client.History(listLimit); err != nil {
			msg.err = err
			return msg
		}
		msg.deadLetters, msg.err = client.DeadLetters()
		return msg
	}
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		a.table.SetWidth(max(msg.Width-4, 20))
		a.table.SetHeight(max(msg.Height-10, 5))
		a.rebuildTable()
		return a, nil

	case tea.KeyMsg:
		if a.cmdbar.Focused() {
			return a, a.updateCmdBar(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "/", ":":
			a.cmdbar.Focus()
			a.suggestions.Update(a.cmdbar.Value())
			return a, nil
		case "tab":
			a.view = (a.view + 1) % view(len(viewNames))
			a.rebuildTable()
			return a, nil
		case "shift+tab":
			a.view = (a.view + view(len(viewNames)) - 1) % view(len(viewNames))
			a.rebuildTable()
			return a, nil
		case "r":
			a.loading = true
			return a, a.refresh()
		}
		var cmd tea.Cmd
		a.table, cmd = a.table.Update(msg)
		return a, cmd

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tick())

	case refreshMsg:
		a.loading = false
		a.online = msg.online
		a.err = msg.err
		if msg.online {
			a.lastRefresh = time.Now()
			a.overview = msg.overview
			a.events = msg.events
			a.history = msg.history
			a.deadLetters = msg.deadLetters
			a.rebuildTable()
		}
		return a, nil

	case cmdResultMsg:
		if msg.quit {
			return a, tea.Quit
		}
		a.cmdbar.SetMessage(msg.message)
		return a, a.refresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) updateCmdBar(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c":
		return tea.Quit
	case "enter":
		input := a.cmdbar.Submit()
		a.suggestions.Update("")
		return a.cmdbar.Execute(a.client, input)
	case "tab":
		if sel := a.suggestions.Selected(); sel != nil {
			a.cmdbar.SetValue("/" + sel.Text + " ")
			a.suggestions.Update(a.cmdbar.Value())
		}
		return nil
	case "up":
		a.suggestions.Prev()
		return nil
	case "down":
		a.suggestions.Next()
		return nil
	}
	cmd := a.cmdbar.Update(msg)
	a.suggestions.Update(a.cmdbar.Value())
	return cmd
}

// rebuildTable loads the rows of the current list view.
func (a *App) rebuildTable() {
	width := max(a.width-8, 60)
	var cols []table.Column
	var rows []table.Row

	switch a.view {
	case viewEvents:
		cols = []table.Column{
			{Title: "Time", Width: 10},
			{Title: "Priority", Width: 9},
			{Title: "Type", Width: 9},
			{Title: "Sender", Width: 16},
			{Title: "Topic", Width: max(width-44-18, 20)},
			{Title: "To", Width: 18},
		}
		for i := len(a.events) - 1; i >= 0; i-- {
			e := a.events[i]
			rows = append(rows, table.Row{
				e.Time.Local().Format("15:04:05"), e.Priority, e.Type, e.Sender, e.Topic, e.Recipient,
			})
		}
	case viewHistory:
		cols = []table.Column{
			{Title: "Time", Width: 10},
			{Title: "Action", Width: 22},
			{Title: "Details", Width: max(width-32, 20)},
		}
		for i := len(a.history) - 1; i >= 0; i-- {
			h := a.history[i]
			rows = append(rows, table.Row{h.Time.Local().Format("15:04:05"), h.Action, formatDetails(h.Details)})
		}
	case viewDeadLetters:
		cols = []table.Column{
			{Title: "ID", Width: 10},
			{Title: "Topic", Width: 20},
			{Title: "Retries", Width: 7},
			{Title: "Created", Width: 17},
			{Title: "Error", Width: max(width-54, 20)},
		}
		for _, d := range a.deadLetters {
			rows = append(rows, table.Row{
				shortID(d.ID), d.Topic, fmt.Sprint(d.Retries), d.CreatedAt.Local().Format("01-02 15:04:05"), d.Error,
			})
		}
	default:
		cols = []table.Column{
			{Title: "Model", Width: max(width-44, 20)},
			{Title: "Type", Width: 12},
			{Title: "Accuracy", Width: 9},
			{Title: "F1", Width: 7},
			{Title: "Deployment", Width: 12},
		}
		if a.overview != nil {
			for _, m := range a.overview.Models {
				rows = append(rows, table.Row{
					m.ID, m.Type, fmt.Sprintf("%.3f", m.Accuracy), fmt.Sprintf("%.3f", m.F1), m.Deployment,
				})
			}
		}
	}

	// Rows must be cleared before columns shrink.
	a.table.SetRows(nil)
	a.table.SetColumns(cols)
	a.table.SetRows(rows)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDetails(d map[string]any) string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := d[k]
		switch v.(type) {
		case map[string]any, []any:
			v = "…"
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(a.renderHeader())
	b.WriteString("\n")
	b.WriteString(a.renderTabs())
	b.WriteString("\n")

	if a.view == viewOverview {
		b.WriteString(a.renderOverview())
		b.WriteString("\n")
	}
	b.WriteString(panelStyle.Render(a.table.View()))
	b.WriteString("\n")

	if a.cmdbar.Focused() && a.suggestions.IsVisible() {
		b.WriteString(a.suggestions.Render(max(a.width, 40)))
		b.WriteString("\n")
	}
	b.WriteString(a.cmdbar.View())
	return b.String()
}

func (a *App) renderHeader() string {
	status := offlineStyle.Render("● offline")
	if a.online {
		status = onlineStyle.Render("● online")
	}
	line := titleStyle.Render("commentops") + " " + status
	if a.loading {
		line += " " + a.spinner.View()
	}
	if !a.lastRefresh.IsZero() {
		line += labelStyle.Render("  updated " + a.lastRefresh.Format("15:04:05"))
	}
	if a.err != nil {
		line += "  " + warnStyle.Render(a.err.Error())
	}
	return line
}

func (a *App) renderTabs() string {
	tabs := make([]string, len(viewNames))
	for i, name := range viewNames {
		if view(i) == a.view {
			tabs[i] = activeTabStyle.Render(name)
		} else {
			tabs[i] = tabStyle.Render(name)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (a *App) renderOverview() string {
	ov := a.overview
	if ov == nil {
		return panelStyle.Render(labelStyle.Render("waiting for daemon..."))
	}

	mode := "live"
	if ov.DryRun {
		mode = "dry run"
	}
	coord := strings.Join([]string{
		labelStyle.Render("Coordinator"),
		fmt.Sprintf("agents %d  mode %s", len(ov.Agents), mode),
		fmt.Sprintf("history %d  bus %d msgs / %d subs", ov.HistorySize, ov.BusHistory, ov.Subscriptions),
		fmt.Sprintf("actions %d  success %.0f%%", ov.TotalActions, ov.SuccessRate*100),
	}, "\n")

	queue := []string{labelStyle.Render("Queue")}
	for _, s := range []string{"pending", "processing", "completed", "failed", "dead_letter"} {
		n := ov.QueueCounts[s]
		line := fmt.Sprintf("%-12s %d", s, n)
		if s == "dead_letter" && n > 0 {
			line = warnStyle.Render(line)
		}
		queue = append(queue, line)
	}

	sched := strings.Join([]string{
		labelStyle.Render("Scheduler"),
		fmt.Sprintf("workers %d/%d", ov.ActiveWorkers, ov.GlobalMax),
		fmt.Sprintf("processed %d  failed %d  rejected %d", ov.Processed, ov.Failed, ov.Rejected),
		labelStyle.Render("Learning"),
		fmt.Sprintf("next cycle %s", ov.LearningNext),
	}, "\n")

	return lipgloss.JoinHorizontal(lipgloss.Top,
		panelStyle.Render(coord),
		panelStyle.Render(strings.Join(queue, "\n")),
		panelStyle.Render(sched),
	)
}
