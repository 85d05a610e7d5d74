package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/botherd/botherd/internal/gameserver"
	"github.com/botherd/botherd/internal/registry"
)

// ─────────────────────────────────────────────────────
// Styles
// ─────────────────────────────────────────────────────

var (
	// Colors
	primaryColor   = lipgloss.Color("#10B981") // green
	secondaryColor = lipgloss.Color("#06B6D4") // cyan
	mutedColor     = lipgloss.Color("#6B7280") // gray
	errorColor     = lipgloss.Color("#EF4444") // red
	warnColor      = lipgloss.Color("#F59E0B") // amber

	// Sidebar styles
	sidebarStyle = lipgloss.NewStyle().
			Width(28).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 1)

	sidebarTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	botActive = lipgloss.NewStyle().
			Foreground(primaryColor)

	botIdle = lipgloss.NewStyle().
		Foreground(mutedColor)

	botLabel = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E5E7EB"))

	selectedLabel = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	metricStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			PaddingLeft(2)

	// Feed styles
	feedBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor)

	commandTag = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	combatTag = lipgloss.NewStyle().
			Foreground(warnColor).
			Bold(true)

	systemTag = lipgloss.NewStyle().
			Foreground(mutedColor).
			Bold(true)

	errorTag = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	feedText = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E5E7EB"))

	timeStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	// Header/footer
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	statusLive = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Bold(true)
)

// ─────────────────────────────────────────────────────
// Model
// ─────────────────────────────────────────────────────

type feedEntry struct {
	at   time.Time
	tag  string // "cmd", "combat", "sys", "err"
	text string
}

type consoleModel struct {
	client *Client

	input textarea.Model
	feed  viewport.Model

	bots     []fleetBot
	selected int
	status   *statusView
	entries  []feedEntry
	feedUp   bool

	width  int
	height int
	ready  bool
}

type botsMsg struct {
	bots []fleetBot
	err  error
}

type statusMsg struct {
	status statusView
	err    error
}

type commandResultMsg struct {
	botName  string
	command  string
	response string
	err      error
}

type tickMsg struct{}

func newConsoleModel(client *Client) consoleModel {
	ti := textarea.New()
	ti.Placeholder = "Game command for the selected bot..."
	ti.Focus()
	ti.CharLimit = 512
	ti.SetHeight(3)
	ti.ShowLineNumbers = false
	ti.KeyMap.InsertNewline.SetEnabled(false) // Enter sends

	return consoleModel{
		client:  client,
		input:   ti,
		entries: []feedEntry{},
	}
}

func (m consoleModel) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		tickCmd(),
		m.fetchBots,
		m.fetchStatus,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m consoleModel) fetchBots() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bots, err := m.client.Bots(ctx)
	return botsMsg{bots: bots, err: err}
}

func (m consoleModel) fetchStatus() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := m.client.Status(ctx)
	return statusMsg{status: st, err: err}
}

func (m consoleModel) sendCommand(botID, botName, command string) tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		resp, err := client.SendCommand(ctx, botID, command)
		return commandResultMsg{botName: botName, command: command, response: resp, err: err}
	}
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "tab":
			if len(m.bots) > 0 {
				m.selected = (m.selected + 1) % len(m.bots)
			}
			return m, nil

		case "shift+tab":
			if len(m.bots) > 0 {
				m.selected = (m.selected - 1 + len(m.bots)) % len(m.bots)
			}
			return m, nil

		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			if len(m.bots) == 0 {
				m = m.pushEntry("sys", "no bots to command")
				return m, nil
			}

			bot := m.bots[m.selected]
			m = m.pushEntry("cmd", fmt.Sprintf("%s ← %s", bot.Name, text))
			m.input.Reset()
			return m, m.sendCommand(bot.ID, bot.Name, text)
		}

	case botsMsg:
		if msg.err != nil {
			m = m.pushEntry("err", "fleet poll failed: "+msg.err.Error())
			return m, nil
		}
		m.bots = msg.bots
		if m.selected >= len(m.bots) {
			m.selected = 0
		}
		return m, nil

	case statusMsg:
		if msg.err == nil {
			st := msg.status
			m.status = &st
		}
		return m, nil

	case commandResultMsg:
		if msg.err != nil {
			m = m.pushEntry("err", fmt.Sprintf("%s: %v", msg.botName, msg.err))
		} else if msg.response == "" {
			m = m.pushEntry("cmd", msg.botName+" → (no response)")
		} else {
			m = m.pushEntry("cmd", fmt.Sprintf("%s → %s", msg.botName, msg.response))
		}
		return m, nil

	case feedStatusMsg:
		if msg.err != nil {
			if m.feedUp {
				m = m.pushEntry("sys", "push feed lost, reconnecting...")
			}
			m.feedUp = false
		} else if msg.connected && !m.feedUp {
			m.feedUp = true
			m = m.pushEntry("sys", "push feed connected")
		}
		return m, nil

	case combatEventsMsg:
		for _, e := range msg.events {
			m = m.pushEntry("combat", formatCombatEvent(e))
		}
		return m, nil

	case combatUpdateMsg:
		m = m.pushEntry("combat", formatCombatUpdate(msg.entityID, msg.state))
		return m, nil

	case combatSnapshotMsg:
		m = m.pushEntry("sys", fmt.Sprintf("combat snapshot: %d combatant(s) tracked", msg.count))
		return m, nil

	case tickMsg:
		cmds = append(cmds, tickCmd(), m.fetchBots, m.fetchStatus)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		sidebarW := 30
		feedW := m.width - sidebarW - 3
		feedH := m.height - 8 // header + input + footer

		if !m.ready {
			m.feed = viewport.New(feedW, feedH)
			m.feed.SetContent(m.renderFeed())
			m.ready = true
		} else {
			m.feed.Width = feedW
			m.feed.Height = feedH
			m.feed.SetContent(m.renderFeed())
		}

		m.input.SetWidth(feedW - 2)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	m.feed, cmd = m.feed.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// pushEntry appends one feed line and scrolls the viewport to the bottom.
func (m consoleModel) pushEntry(tag, text string) consoleModel {
	m.entries = append(m.entries, feedEntry{at: time.Now(), tag: tag, text: text})
	if len(m.entries) > 500 {
		m.entries = m.entries[len(m.entries)-500:]
	}
	if m.ready {
		m.feed.SetContent(m.renderFeed())
		m.feed.GotoBottom()
	}
	return m
}

func (m consoleModel) View() string {
	if !m.ready {
		return "Connecting to botherd..."
	}

	feedState := "○ polling"
	if m.feedUp {
		feedState = "● live"
	}
	header := headerStyle.Width(m.width).Render(
		"  botherd console  " + statusLive.Render(feedState),
	)

	sidebar := m.renderSidebar()

	feedArea := feedBorder.Width(m.width - 33).Render(m.feed.View())
	inputArea := m.input.View()
	rightPane := lipgloss.JoinVertical(lipgloss.Left, feedArea, inputArea)

	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, " ", rightPane)

	footer := footerStyle.Render(
		"  Enter: send command │ Tab: next bot │ Ctrl+C: quit │ ↑↓: scroll feed",
	)

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

// ─────────────────────────────────────────────────────
// Rendering helpers
// ─────────────────────────────────────────────────────

func (m consoleModel) renderSidebar() string {
	var sb strings.Builder

	sb.WriteString(sidebarTitle.Render("  Fleet"))
	sb.WriteString("\n")

	if len(m.bots) == 0 {
		sb.WriteString(botIdle.Render("  No bots registered"))
		sb.WriteString("\n")
	}

	for i, bot := range m.bots {
		var indicator string
		switch bot.Status {
		case registry.StatusActive:
			indicator = botActive.Render("●")
		default:
			indicator = botIdle.Render("○")
		}

		name := botLabel.Render(bot.Name)
		if i == m.selected {
			name = selectedLabel.Render("▸ " + bot.Name)
		}
		sb.WriteString(fmt.Sprintf("  %s %s\n", indicator, name))

		sb.WriteString(metricStyle.Render("role: " + bot.Role))
		sb.WriteString("\n")

		if rt := bot.Runtime; rt != nil {
			sb.WriteString(metricStyle.Render(fmt.Sprintf("pos: %.0f, %.0f, %.0f",
				rt.Position.X, rt.Position.Y, rt.Position.Z)))
			sb.WriteString("\n")
			sb.WriteString(metricStyle.Render(fmt.Sprintf("ticks: %d", rt.TickCount)))
			sb.WriteString("\n")
			if rt.Task != nil {
				sb.WriteString(metricStyle.Render("task: " + rt.Task.Action))
				sb.WriteString("\n")
			}
		} else if pos := bot.LastKnownPosition; pos != nil {
			sb.WriteString(metricStyle.Render(fmt.Sprintf("last: %.0f, %.0f, %.0f",
				pos.X, pos.Y, pos.Z)))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString(sidebarTitle.Render("  Server"))
	sb.WriteString("\n")

	if st := m.status; st != nil {
		sb.WriteString(metricStyle.Render("version: " + st.Version))
		sb.WriteString("\n")
		sb.WriteString(metricStyle.Render("up: " + formatDuration(time.Duration(st.UptimeSeconds)*time.Second)))
		sb.WriteString("\n")
		sb.WriteString(metricStyle.Render(fmt.Sprintf("bots: %d/%d active",
			st.Fleet.ActiveBots, st.Fleet.MaxBots)))
		sb.WriteString("\n")
		sb.WriteString(metricStyle.Render(fmt.Sprintf("cores: %d", st.Fleet.RunningCores)))
		sb.WriteString("\n")
		if st.Fleet.DeadLetters > 0 {
			sb.WriteString(metricStyle.Render(fmt.Sprintf("dead letters: %d", st.Fleet.DeadLetters)))
			sb.WriteString("\n")
		}
		if st.Adapter != nil {
			sb.WriteString(metricStyle.Render("game: " + st.Adapter.State))
			sb.WriteString("\n")
		}
	} else {
		sb.WriteString(metricStyle.Render("unreachable"))
		sb.WriteString("\n")
	}

	return sidebarStyle.Height(m.height - 4).Render(sb.String())
}

func (m consoleModel) renderFeed() string {
	if len(m.entries) == 0 {
		return lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(1).
			Render("Waiting for fleet traffic. Type a command to drive the selected bot.")
	}

	var sb strings.Builder
	for _, entry := range m.entries {
		ts := timeStyle.Render(entry.at.Format("15:04:05"))

		var tag string
		switch entry.tag {
		case "cmd":
			tag = commandTag.Render("[cmd]")
		case "combat":
			tag = combatTag.Render("[combat]")
		case "err":
			tag = errorTag.Render("[error]")
		default:
			tag = systemTag.Render("[sys]")
		}

		sb.WriteString(fmt.Sprintf("%s %s %s\n", ts, tag, feedText.Render(entry.text)))
	}

	return sb.String()
}

// formatCombatEvent renders one parsed feedback event as a feed line.
func formatCombatEvent(e gameserver.CombatEvent) string {
	switch e.Type {
	case gameserver.EventAttack:
		line := fmt.Sprintf("%s hit %s for %.1f", e.Source, e.Target, e.Damage)
		if e.Critical {
			line += " (crit)"
		}
		return line
	case gameserver.EventDamage:
		return fmt.Sprintf("%s took %.1f damage", e.Target, e.Damage)
	case gameserver.EventDodge:
		return fmt.Sprintf("%s dodged %s", e.Source, e.Target)
	case gameserver.EventBlock:
		return fmt.Sprintf("%s blocked %s", e.Source, e.Target)
	case gameserver.EventParry:
		return fmt.Sprintf("%s parried %s", e.Source, e.Target)
	case gameserver.EventHealth:
		return fmt.Sprintf("%s at %.1f/%.1f hp", e.Target, e.Health, e.MaxHealth)
	case gameserver.EventHeal:
		return fmt.Sprintf("%s healed %.1f", e.Target, e.Amount)
	case gameserver.EventDefeated:
		return fmt.Sprintf("%s was defeated", e.Target)
	case gameserver.EventDurability:
		return fmt.Sprintf("%s's %s is wearing out", e.Target, e.Item)
	default:
		return e.Raw
	}
}

func formatCombatUpdate(entityID string, state gameserver.Combatant) string {
	switch state.Status {
	case gameserver.StatusDefeated:
		return entityID + " is down for good"
	case gameserver.StatusDown:
		return entityID + " is down"
	default:
		return fmt.Sprintf("%s at %.1f hp (%s)", entityID, state.Health, state.LastEvent)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
