package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ralph/pkg/hub"
	"ralph/pkg/protocol"
)

// maxFeedLines bounds the in-memory event feed.
const maxFeedLines = 500

// tickMsg is sent by Bubble Tea on every tick interval.
// Used to trigger periodic snapshot refresh and feed reconnects.
type tickMsg time.Time

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Model is the Bubble Tea model for the ralph dashboard.
type Model struct {
	hubOnline bool
	snapshot  *hub.Snapshot

	feed      *eventFeed
	feedLines []string
	viewport  viewport.Model
	following bool

	width  int
	height int
}

// newModel creates a new Model with an empty feed.
func newModel() Model {
	vp := viewport.New(80, 20)
	return Model{
		viewport:  vp,
		following: true,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchSnapshotCmd(), connectFeedCmd(), tickCmd())
}

// feedConnectedMsg carries a freshly established observer connection.
type feedConnectedMsg *eventFeed

// connectFeedCmd dials the hub as an observer off the UI goroutine.
func connectFeedCmd() tea.Cmd {
	return func() tea.Msg {
		return feedConnectedMsg(connectFeed(defaultSocketPath()))
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-m.headerHeight(), 3)
		m.refreshViewport()

	case snapshotMsg:
		m.hubOnline = msg != nil
		if msg != nil {
			m.snapshot = (*hub.Snapshot)(msg)
		}

	case feedConnectedMsg:
		if msg != nil {
			m.feed = (*eventFeed)(msg)
			return m, waitForEvent(m.feed)
		}

	case feedEventMsg:
		m.appendEvent(protocol.RelayEvent(msg))
		if m.feed != nil {
			return m, waitForEvent(m.feed)
		}

	case feedClosedMsg:
		m.feed = nil

	case tickMsg:
		cmds := []tea.Cmd{fetchSnapshotCmd(), tickCmd()}
		if m.feed == nil {
			cmds = append(cmds, connectFeedCmd())
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

// handleKeyPress processes keyboard input.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if m.feed != nil {
			m.feed.close()
		}
		return m, tea.Quit
	case "j", "down":
		m.following = false
		m.viewport.ScrollDown(1)
	case "k", "up":
		m.following = false
		m.viewport.ScrollUp(1)
	case "g":
		m.following = false
		m.viewport.GotoTop()
	case "G", "f":
		m.following = true
		m.viewport.GotoBottom()
	}
	return m, nil
}

// appendEvent formats the event and adds it to the feed, trimming the
// oldest lines past the cap.
func (m *Model) appendEvent(ev protocol.RelayEvent) {
	line := renderEventLine(ev, DefaultTheme())
	if line == "" {
		return
	}
	m.feedLines = append(m.feedLines, line)
	if len(m.feedLines) > maxFeedLines {
		m.feedLines = m.feedLines[len(m.feedLines)-maxFeedLines:]
	}
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	m.viewport.SetContent(strings.Join(m.feedLines, "\n"))
	if m.following {
		m.viewport.GotoBottom()
	}
}

// headerHeight is the number of lines above the feed viewport.
func (m Model) headerHeight() int {
	return 3 + len(m.workerRows())
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.renderStatusBar())
	b.WriteString("\n")
	for _, row := range m.workerRows() {
		b.WriteString(row)
		b.WriteString("\n")
	}
	b.WriteString(strings.Repeat("─", max(m.width, 20)))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	return b.String()
}

// renderStatusBar renders hub health, worker count, and task counts.
func (m Model) renderStatusBar() string {
	theme := DefaultTheme()

	var hubStatus string
	if m.hubOnline {
		hubStatus = lipgloss.NewStyle().Foreground(theme.Success).Render("hub: online")
	} else {
		hubStatus = lipgloss.NewStyle().Foreground(theme.Error).Render("hub: offline")
	}

	workers, sessions, running, done := 0, 0, 0, 0
	if m.snapshot != nil {
		workers = len(m.snapshot.Workers)
		sessions = m.snapshot.Sessions
		running = m.snapshot.ByStatus["running"]
		done = m.snapshot.ByStatus["completed"]
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		hubStatus,
		lipgloss.NewStyle().Render(" | Workers: "),
		lipgloss.NewStyle().Foreground(theme.Primary).Render(fmt.Sprintf("%d", workers)),
		lipgloss.NewStyle().Render(" | Running: "),
		lipgloss.NewStyle().Foreground(theme.Warning).Render(fmt.Sprintf("%d", running)),
		lipgloss.NewStyle().Render(" | Completed: "),
		lipgloss.NewStyle().Foreground(theme.Success).Render(fmt.Sprintf("%d", done)),
		lipgloss.NewStyle().Render(" | Sessions: "),
		lipgloss.NewStyle().Foreground(theme.Primary).Render(fmt.Sprintf("%d", sessions)),
	)
}

// workerRows renders one line per connected worker.
func (m Model) workerRows() []string {
	if m.snapshot == nil || len(m.snapshot.Workers) == 0 {
		return nil
	}
	theme := DefaultTheme()
	idStyle := lipgloss.NewStyle().Foreground(theme.Primary)
	mutedStyle := lipgloss.NewStyle().Foreground(theme.Muted)

	rows := make([]string, 0, len(m.snapshot.Workers))
	for _, w := range m.snapshot.Workers {
		state := mutedStyle.Render("idle")
		if w.ActiveTaskID != "" {
			state = lipgloss.NewStyle().Foreground(theme.Warning).Render("busy " + shortID(w.ActiveTaskID))
		}
		rows = append(rows, fmt.Sprintf("  %s  %-20s %-30s %s",
			idStyle.Render(w.ID), w.Hostname, strings.Join(w.Projects, ","), state))
	}
	return rows
}

// renderEventLine formats one relayed event for the feed. Terminal output
// chunks are omitted; raw pty bytes are unreadable in a line feed.
func renderEventLine(ev protocol.RelayEvent, theme Theme) string {
	ts := time.Now().Format("15:04:05")
	mutedStyle := lipgloss.NewStyle().Foreground(theme.Muted)
	prefix := mutedStyle.Render(ts) + " " + mutedStyle.Render(shortID(ev.TaskID))

	switch ev.Kind {
	case protocol.RelayInit:
		return fmt.Sprintf("%s %s model=%s", prefix,
			lipgloss.NewStyle().Foreground(theme.Primary).Render("init"), ev.Model)
	case protocol.RelayTool:
		line := fmt.Sprintf("%s %s %s", prefix,
			lipgloss.NewStyle().Foreground(theme.Primary).Render("tool"), ev.Tool)
		if ev.File != "" {
			line += " " + mutedStyle.Render(ev.File)
		}
		return line
	case protocol.RelayThought:
		return fmt.Sprintf("%s %s %s", prefix, mutedStyle.Render("thought"), truncate(ev.Content, 120))
	case protocol.RelayProgress:
		return fmt.Sprintf("%s progress turns=%d in=%d out=%d", prefix, ev.Turns, ev.TokensIn, ev.TokensOut)
	case protocol.RelayFile:
		return fmt.Sprintf("%s file %s (%d lines)", prefix, ev.File, ev.Lines)
	case protocol.RelayComplete:
		verdict := lipgloss.NewStyle().Foreground(theme.Success).Render("complete")
		if !ev.Success {
			verdict = lipgloss.NewStyle().Foreground(theme.Error).Render("failed")
		}
		return fmt.Sprintf("%s %s %.0fs $%.2f", prefix, verdict, ev.DurationSeconds, ev.CostUSD)
	case protocol.RelayError:
		return fmt.Sprintf("%s %s %s", prefix,
			lipgloss.NewStyle().Foreground(theme.Error).Render("error"), ev.Content)
	case protocol.RelayLog:
		return fmt.Sprintf("%s %s %s", prefix, mutedStyle.Render("log"), truncate(ev.Content, 120))
	case protocol.RelayTermCreated:
		return fmt.Sprintf("%s terminal %s opened", prefix, shortID(ev.SessionID))
	case protocol.RelayTermClosed:
		return fmt.Sprintf("%s terminal %s closed (exit %d)", prefix, shortID(ev.SessionID), ev.ExitCode)
	case protocol.RelayTermOutput:
		return ""
	}
	return ""
}

// shortID abbreviates a UUID for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
