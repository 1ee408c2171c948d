// Package tui provides the terminal session monitor for Conductor.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/conductor/internal/models"
)

// reconnectDelay is how long the monitor waits before resubscribing after
// the live feed drops.
const reconnectDelay = 2 * time.Second

// App is the session monitor model.
type App struct {
	client      *Client
	sessionID   string
	ctx         context.Context
	cancel      context.CancelFunc
	state       *State
	stream      *Stream
	input       textinput.Model
	viewport    viewport.Model
	suggestions *Suggestions
	width       int
	height      int
	follow      bool
	live        bool
	message     string
}

// New creates a monitor for one session.
func New(apiAddr, sessionID string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type / for commands: stop | pause | resume | retry <wp> | follow"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		client:      NewClient(apiAddr),
		sessionID:   sessionID,
		ctx:         ctx,
		cancel:      cancel,
		input:       ti,
		viewport:    viewport.New(80, 20),
		suggestions: NewSuggestions(),
		follow:      true,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	defer a.cancel()
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	if a.stream != nil {
		a.stream.Close()
	}
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.loadSnapshot())
}

type snapshotMsg struct{ state *State }

type streamOpenedMsg struct{ stream *Stream }

type eventMsg struct{ event models.AgentEvent }

type streamEndedMsg struct{ err error }

type reconnectMsg struct{}

type commandResultMsg struct{ message string }

type errMsg struct{ err error }

func (a *App) loadSnapshot() tea.Cmd {
	return func() tea.Msg {
		session, err := a.client.GetSession(a.sessionID)
		if err != nil {
			return errMsg{err}
		}
		agents, err := a.client.ListAgents(a.sessionID)
		if err != nil {
			return errMsg{err}
		}
		packages, err := a.client.ListWorkPackages(a.sessionID)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{NewState(*session, agents, packages)}
	}
}

func (a *App) subscribe(after int64) tea.Cmd {
	return func() tea.Msg {
		stream, err := a.client.Subscribe(a.ctx, a.sessionID, after)
		if err != nil {
			return streamEndedMsg{err}
		}
		return streamOpenedMsg{stream}
	}
}

func waitForEvent(stream *Stream) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-stream.Events
		if !ok {
			return streamEndedMsg{stream.Err()}
		}
		return eventMsg{ev}
	}
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			a.cancel()
			return a, tea.Quit

		case "esc":
			a.input.SetValue("")
			a.suggestions.Update("")
			return a, nil

		case "up":
			if a.suggestions.IsVisible() {
				a.suggestions.Prev()
				return a, nil
			}
			a.viewport.LineUp(1)
			a.follow = false
			return a, nil

		case "down":
			if a.suggestions.IsVisible() {
				a.suggestions.Next()
				return a, nil
			}
			a.viewport.LineDown(1)
			a.follow = a.viewport.AtBottom()
			return a, nil

		case "pgup", "pgdown":
			var cmd tea.Cmd
			a.viewport, cmd = a.viewport.Update(msg)
			a.follow = a.viewport.AtBottom()
			return a, cmd

		case "tab":
			if completed := a.suggestions.Complete(); completed != "" {
				a.input.SetValue(completed)
				a.input.CursorEnd()
				a.suggestions.Update("")
			}
			return a, nil

		case "enter":
			if a.suggestions.IsVisible() {
				if completed := a.suggestions.Complete(); completed != "" {
					a.input.SetValue(completed)
					a.input.CursorEnd()
					a.suggestions.Update("")
				}
				return a, nil
			}
			line := strings.TrimSpace(a.input.Value())
			a.input.SetValue("")
			if line != "" {
				return a, a.executeCommand(line)
			}
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		a.resize()

	case snapshotMsg:
		a.state = msg.state
		a.message = ""
		a.refreshPackages()
		a.resize()
		return a, a.subscribe(0)

	case streamOpenedMsg:
		a.stream = msg.stream
		a.live = true
		return a, waitForEvent(msg.stream)

	case eventMsg:
		if a.state != nil {
			a.state.Apply(msg.event)
			a.refreshLog()
		}
		return a, waitForEvent(a.stream)

	case streamEndedMsg:
		a.live = false
		a.stream = nil
		if a.state != nil && a.state.Done {
			return a, nil
		}
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
		}
		return a, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		if a.state == nil {
			return a, a.loadSnapshot()
		}
		return a, a.subscribe(a.state.LastSeq)

	case commandResultMsg:
		a.message = msg.message
		return a, a.loadPackages()

	case packagesMsg:
		if a.state != nil {
			a.state.Packages = msg.packages
			a.refreshPackages()
		}

	case errMsg:
		a.message = "Error: " + msg.err.Error()
		if a.state == nil {
			return a, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })
		}
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)
	a.suggestions.Update(a.input.Value())

	return a, tea.Batch(cmds...)
}

type packagesMsg struct{ packages []models.WorkPackage }

func (a *App) loadPackages() tea.Cmd {
	return func() tea.Msg {
		packages, err := a.client.ListWorkPackages(a.sessionID)
		if err != nil {
			return errMsg{err}
		}
		return packagesMsg{packages}
	}
}

func (a *App) refreshPackages() {
	ids := make([]string, 0, len(a.state.Packages))
	for _, wp := range a.state.Packages {
		ids = append(ids, wp.ID)
	}
	a.suggestions.SetPackages(ids)
}

func (a *App) refreshLog() {
	a.viewport.SetContent(strings.Join(a.state.Lines, "\n"))
	if a.follow {
		a.viewport.GotoBottom()
	}
}

func (a *App) resize() {
	if a.width == 0 {
		return
	}
	a.viewport.Width = a.width
	h := a.height - a.panelHeight() - 9
	if h < 3 {
		h = 3
	}
	a.viewport.Height = h
	if a.state != nil {
		a.refreshLog()
	}
}

func (a *App) panelHeight() int {
	if a.state == nil {
		return 0
	}
	rows := len(a.state.Agents)
	if n := len(a.state.Packages); n > rows {
		rows = n
	}
	if rows > 10 {
		rows = 10
	}
	return rows + 3
}

// executeCommand runs one command bar line.
func (a *App) executeCommand(line string) tea.Cmd {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "quit", "q":
		a.cancel()
		return tea.Quit
	case "follow":
		a.follow = !a.follow
		if a.follow {
			a.viewport.GotoBottom()
		}
		a.message = fmt.Sprintf("follow: %v", a.follow)
		return nil
	case "stop", "pause", "resume":
		action := fields[0]
		return func() tea.Msg {
			session, err := a.client.SessionAction(a.sessionID, action)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✓ %s: session is %s", action, session.Status)}
		}
	case "retry":
		if len(fields) < 2 {
			a.message = "Error: usage: retry <work-package-id>"
			return nil
		}
		wpID := fields[1]
		return func() tea.Msg {
			wp, err := a.client.RetryWorkPackage(a.sessionID, wpID)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✓ retry: %s is %s", wp.ID, wp.Status)}
		}
	}
	a.message = "Error: unknown command " + fields[0]
	return nil
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(a.renderHeader() + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 20)) + "\n")

	if a.state == nil {
		b.WriteString("\n  Loading session...\n")
	} else {
		b.WriteString(a.renderPanels() + "\n")
		b.WriteString(a.viewport.View() + "\n")
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString(msgStyle.Render(a.message))
	}
	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n" + a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	follow := "off"
	if a.follow {
		follow = "on"
	}
	status := fmt.Sprintf(" ↑↓/PgUp/PgDn: scroll | follow: %s | /: commands | Ctrl+C: quit", follow)
	b.WriteString(statusBarStyle.Width(max(a.width, 20)).Render(status))
	return b.String()
}

func (a *App) renderHeader() string {
	header := titleStyle.Render("CONDUCTOR")
	id := a.sessionID
	if len(id) > 8 {
		id = id[:8]
	}
	header += " " + lipgloss.NewStyle().Foreground(mutedColor).Render(id)

	live := lipgloss.NewStyle().Foreground(errorColor).Render("○ offline")
	if a.live {
		live = lipgloss.NewStyle().Foreground(successColor).Bold(true).Render("● live")
	}
	header += "  " + live

	if a.state == nil {
		return header
	}
	s := a.state.Session
	header += "  " + formatStatus(string(s.Status))
	header += lipgloss.NewStyle().Foreground(cyanColor).Render(
		fmt.Sprintf("  [%d/%d packages] [%d files]", a.state.Completed(), len(a.state.Packages), len(a.state.Files)))
	if s.Error != "" {
		header += "  " + lipgloss.NewStyle().Foreground(errorColor).Render(truncate(s.Error, 60))
	}
	return header + "\n  " + helpStyle.Render(truncate(s.Prompt, max(a.width-4, 20)))
}

func (a *App) renderPanels() string {
	rows := a.panelHeight() - 3
	half := max(a.width/2-4, 30)

	var agents strings.Builder
	agents.WriteString(panelTitleStyle.Render("Agents") + "\n")
	for i, ag := range a.state.Agents {
		if i >= rows {
			break
		}
		agents.WriteString(fmt.Sprintf("%-24s %s %s\n",
			truncate(ag.Name, 24), formatStatus(string(ag.Status)), progressBar(ag.Progress, 10)))
	}

	var packages strings.Builder
	packages.WriteString(panelTitleStyle.Render("Work packages") + "\n")
	if len(a.state.Packages) == 0 {
		packages.WriteString(helpStyle.Render("no plan yet") + "\n")
	}
	for i, wp := range a.state.Packages {
		if i >= rows {
			packages.WriteString(helpStyle.Render(fmt.Sprintf("... and %d more", len(a.state.Packages)-rows)) + "\n")
			break
		}
		deps := ""
		if len(wp.Dependencies) > 0 {
			deps = " ← " + strings.Join(wp.Dependencies, ",")
		}
		packages.WriteString(fmt.Sprintf("%-8s %s %s%s\n",
			truncate(wp.ID, 8), formatStatus(string(wp.Status)), truncate(wp.Title, 20),
			helpStyle.Render(deps)))
	}

	return lipgloss.JoinHorizontal(lipgloss.Top,
		panelStyle.Width(half).Render(strings.TrimRight(agents.String(), "\n")),
		panelStyle.Width(half).Render(strings.TrimRight(packages.String(), "\n")),
	)
}
