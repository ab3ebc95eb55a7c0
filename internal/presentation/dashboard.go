package presentation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"agentdash/internal/directory"
	"agentdash/internal/liveupdate"
	"agentdash/internal/model"
	"agentdash/internal/requirement"
)

const (
	DefaultHistoryRefresh = 10 * time.Second
	tickInterval          = time.Second
	historyRows           = 5
)

// Deps wires the dashboard to the shared components. Tracker and Form are
// optional; without them the requirement panel is hidden. Handlers are passed
// to Channel when the user asks for a manual reconnect.
type Deps struct {
	Ctx            context.Context
	Directory      *directory.Directory
	Channel        *liveupdate.Channel
	Handlers       liveupdate.Handlers
	Tracker        *requirement.Tracker
	Form           *requirement.Form
	HistoryRefresh time.Duration
	Now            func() time.Time
}

type tickMsg time.Time

type agentsMsg struct {
	list directory.AgentList
	err  error
}

type historyMsg struct {
	items []model.Requirement
	err   error
}

type actionMsg struct {
	result model.ActionResult
	err    error
}

type submitMsg struct {
	result requirement.Result
	err    error
}

type reconnectMsg struct {
	status liveupdate.Status
}

// Dashboard is the bubbletea model of the terminal dashboard.
type Dashboard struct {
	deps Deps

	input textinput.Model
	bar   progress.Model

	agents      directory.AgentList
	agentsErr   error
	selected    int
	history     []model.Requirement
	historyErr  error
	lastHistory time.Time
	notice      string
	actionErr   error
	width       int
}

func NewDashboard(deps Deps) Dashboard {
	if deps.Ctx == nil {
		deps.Ctx = context.Background()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.HistoryRefresh <= 0 {
		deps.HistoryRefresh = DefaultHistoryRefresh
	}
	input := textinput.New()
	input.Placeholder = "Describe a requirement and press enter"
	input.CharLimit = 4000
	input.Width = 72
	input.Focus()

	return Dashboard{
		deps:  deps,
		input: input,
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (m Dashboard) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tick(), m.loadAgents(), m.loadHistory())
}

func (m Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		cmds := []tea.Cmd{tick(), m.loadAgents()}
		if m.deps.Now().Sub(m.lastHistory) >= m.deps.HistoryRefresh {
			cmds = append(cmds, m.loadHistory())
		}
		return m, tea.Batch(cmds...)

	case agentsMsg:
		m.agentsErr = msg.err
		if msg.err == nil {
			m.agents = msg.list
			if m.selected >= len(m.agents.Agents) {
				m.selected = max(len(m.agents.Agents)-1, 0)
			}
		}
		return m, nil

	case historyMsg:
		m.lastHistory = m.deps.Now()
		m.historyErr = msg.err
		if msg.err == nil {
			m.history = msg.items
		}
		return m, nil

	case actionMsg:
		m.actionErr = msg.err
		if msg.err == nil {
			m.notice = msg.result.Message
		}
		return m, m.refreshAgents()

	case submitMsg:
		if msg.err != nil {
			if m.deps.Form != nil {
				m.input.SetValue(m.deps.Form.Input())
			}
			return m, nil
		}
		switch {
		case msg.result.Requirement != nil:
			m.notice = "requirement " + msg.result.Requirement.ID + " submitted"
		case msg.result.Receipt != nil:
			m.notice = "message " + msg.result.Receipt.ID + " " + msg.result.Receipt.Status
		}
		return m, m.loadHistory()

	case reconnectMsg:
		m.notice = "live updates " + string(msg.status.State)
		return m, m.refreshAgents()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Dashboard) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "up":
		if m.selected > 0 {
			m.selected--
		}
		return m, nil
	case "down":
		if m.selected < len(m.agents.Agents)-1 {
			m.selected++
		}
		return m, nil
	case "ctrl+s":
		return m, m.triggerAction(model.ActionStart)
	case "ctrl+x":
		return m, m.triggerAction(model.ActionStop)
	case "ctrl+r":
		return m, m.triggerAction(model.ActionRestart)
	case "ctrl+l":
		cmd := m.reconnect()
		if cmd != nil {
			m.notice = "reconnecting live updates..."
		}
		return m, cmd
	case "esc":
		m.actionErr = nil
		m.notice = ""
		if m.deps.Form != nil {
			m.deps.Form.DismissError()
		}
		return m, nil
	case "enter":
		return m.submit()
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Dashboard) submit() (tea.Model, tea.Cmd) {
	form := m.deps.Form
	if form == nil || form.Submitting() {
		return m, nil
	}
	if strings.TrimSpace(m.input.Value()) == "" && len(form.Files()) == 0 {
		return m, nil
	}
	form.SetInput(m.input.Value())
	m.input.SetValue("")
	ctx := m.deps.Ctx
	return m, func() tea.Msg {
		result, err := form.Submit(ctx)
		return submitMsg{result: result, err: err}
	}
}

func (m Dashboard) selectedAgent() (model.Agent, bool) {
	if m.selected < 0 || m.selected >= len(m.agents.Agents) {
		return model.Agent{}, false
	}
	return m.agents.Agents[m.selected], true
}

func (m Dashboard) triggerAction(action string) tea.Cmd {
	agent, ok := m.selectedAgent()
	if !ok || m.deps.Directory == nil {
		return nil
	}
	dir := m.deps.Directory
	ctx := m.deps.Ctx
	return func() tea.Msg {
		result, err := dir.TriggerAction(ctx, agent.ID, action, nil)
		return actionMsg{result: result, err: err}
	}
}

// reconnect restarts a channel that gave up or was never connected. A
// channel that is still cycling through its own retries is left alone.
func (m Dashboard) reconnect() tea.Cmd {
	channel := m.deps.Channel
	if channel == nil || !canReconnect(channel.Status()) {
		return nil
	}
	handlers := m.deps.Handlers
	return func() tea.Msg {
		channel.Connect(handlers)
		return reconnectMsg{status: channel.Status()}
	}
}

func canReconnect(status liveupdate.Status) bool {
	return status.State == model.ChannelStateExhausted || status.State == model.ChannelStateDisconnected
}

func (m Dashboard) loadAgents() tea.Cmd {
	dir := m.deps.Directory
	if dir == nil {
		return nil
	}
	ctx := m.deps.Ctx
	return func() tea.Msg {
		list, err := dir.ListAgents(ctx)
		return agentsMsg{list: list, err: err}
	}
}

func (m Dashboard) refreshAgents() tea.Cmd {
	dir := m.deps.Directory
	if dir == nil {
		return nil
	}
	ctx := m.deps.Ctx
	return func() tea.Msg {
		list, err := dir.Refresh(ctx)
		return agentsMsg{list: list, err: err}
	}
}

func (m Dashboard) loadHistory() tea.Cmd {
	tracker := m.deps.Tracker
	if tracker == nil {
		return nil
	}
	ctx := m.deps.Ctx
	return func() tea.Msg {
		items, err := tracker.History(ctx)
		return historyMsg{items: items, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Dashboard) View() string {
	now := m.deps.Now()
	sections := []string{m.header()}

	if len(m.agents.Agents) == 0 {
		if m.agentsErr != nil {
			sections = append(sections, errorStyle.Render("agents unavailable: "+m.agentsErr.Error()))
		} else {
			sections = append(sections, dimStyle.Render("loading agents..."))
		}
	} else {
		cards := make([]string, 0, len(m.agents.Agents))
		for i, agent := range m.agents.Agents {
			cards = append(cards, AgentCard(agent, i == m.selected, now))
		}
		sections = append(sections, m.layoutCards(cards))
		if m.agents.Stale && m.agents.RefreshErr != nil {
			sections = append(sections, dimStyle.Render("showing cached agents: "+m.agents.RefreshErr.Error()))
		}
	}

	if m.actionErr != nil {
		sections = append(sections, errorStyle.Render("action failed: "+m.actionErr.Error()))
	}
	if m.notice != "" {
		sections = append(sections, m.notice)
	}

	if m.deps.Tracker != nil {
		if state, ok := m.deps.Tracker.Active(); ok {
			sections = append(sections, ProcessingProgress(state, m.bar))
		}
	}

	if m.deps.Form != nil {
		prompt := m.input.View()
		if m.deps.Form.Submitting() {
			prompt += dimStyle.Render("  sending...")
		}
		if files := m.deps.Form.Files(); len(files) > 0 {
			names := make([]string, 0, len(files))
			for _, file := range files {
				names = append(names, file.Name)
			}
			prompt += "\n" + dimStyle.Render("attached: "+strings.Join(names, ", "))
		}
		if err := m.deps.Form.Err(); err != nil {
			prompt += "\n" + errorStyle.Render("submit failed: "+err.Error()+" (esc to dismiss)")
		}
		sections = append(sections, prompt)
	}

	if m.deps.Tracker != nil {
		history := RequirementHistory(m.history, historyRows, now)
		if m.historyErr != nil {
			history += "\n" + dimStyle.Render("history unavailable: "+m.historyErr.Error())
		}
		sections = append(sections, titleStyle.Render("Recent requirements")+"\n"+history)
	}

	help := "↑/↓ select • ctrl+s start • ctrl+x stop • ctrl+r restart • enter submit • esc dismiss"
	if m.deps.Channel != nil {
		help += " • ctrl+l reconnect"
	}
	sections = append(sections, dimStyle.Render(help+" • ctrl+c quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Dashboard) header() string {
	title := titleStyle.Render("Agent Dashboard")
	if m.deps.Channel == nil {
		return title
	}
	status := m.deps.Channel.Status()
	header := title + "  " + ConnectionIndicator(status)
	if canReconnect(status) {
		header += dimStyle.Render("  ctrl+l to reconnect")
	}
	return header
}

func (m Dashboard) layoutCards(cards []string) string {
	perRow := 3
	if m.width > 0 {
		perRow = max(m.width/lipgloss.Width(cards[0]), 1)
	}
	rows := make([]string, 0, (len(cards)+perRow-1)/perRow)
	for start := 0; start < len(cards); start += perRow {
		end := min(start+perRow, len(cards))
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, cards[start:end]...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// Run starts the dashboard in the alternate screen and blocks until the user
// quits.
func Run(deps Deps) error {
	program := tea.NewProgram(NewDashboard(deps), tea.WithAltScreen(), tea.WithContext(contextOf(deps)))
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("run dashboard: %w", err)
	}
	return nil
}

func contextOf(deps Deps) context.Context {
	if deps.Ctx == nil {
		return context.Background()
	}
	return deps.Ctx
}
