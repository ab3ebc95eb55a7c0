package presentation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"agentdash/internal/clarify"
	"agentdash/internal/directory"
	"agentdash/internal/liveupdate"
	"agentdash/internal/model"
	"agentdash/internal/requirement"
	"agentdash/internal/serviceapi"
)

func TestRelativeTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		at   time.Time
		want string
	}{
		{time.Time{}, "never"},
		{now.Add(-2 * time.Second), "just now"},
		{now.Add(-42 * time.Second), "42s ago"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, RelativeTime(c.at, now))
	}
}

func TestStatusIcons(t *testing.T) {
	require.Equal(t, "●", StatusIcon(model.AgentStatusOnline))
	require.Equal(t, "◐", StatusIcon(model.AgentStatusBusy))
	require.Equal(t, "○", StatusIcon(model.AgentStatusOffline))
	require.NotEqual(t, StatusColor(model.AgentStatusOnline), StatusColor(model.AgentStatusOffline))
}

func TestAgentCardShowsLatestUpdate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	progressValue := 60
	card := AgentCard(model.Agent{
		ID:          "agent-3",
		Name:        "ML Trainer",
		Status:      model.AgentStatusBusy,
		LastSeen:    now.Add(-time.Minute),
		CurrentTask: "Training",
		Updates: []model.AgentUpdate{
			{ID: "u-1", Timestamp: now.Add(-2 * time.Minute), Status: model.UpdateStatusWorking, Message: "epoch 1"},
			{ID: "u-2", Timestamp: now.Add(-time.Minute), Status: model.UpdateStatusWorking, Message: "epoch 2", Progress: &progressValue},
		},
	}, true, now)

	require.Contains(t, card, "ML Trainer")
	require.Contains(t, card, "agent-3")
	require.Contains(t, card, "Training")
	require.Contains(t, card, "epoch 2")
	require.NotContains(t, card, "epoch 1")
	require.Contains(t, card, "60%")
}

func TestConnectionIndicator(t *testing.T) {
	require.Contains(t, ConnectionIndicator(liveupdate.Status{State: model.ChannelStateConnected}), "live")
	require.Contains(t, ConnectionIndicator(liveupdate.Status{State: model.ChannelStateReconnecting, Attempts: 2}), "attempt 2")
	require.Contains(t, ConnectionIndicator(liveupdate.Status{State: model.ChannelStateExhausted}), "disconnected")
	require.Contains(t, ConnectionIndicator(liveupdate.Status{State: model.ChannelStateDisconnected}), "disconnected")
}

func TestProcessingProgressStepList(t *testing.T) {
	out := ProcessingProgress(model.ProcessingState{
		CurrentState:  model.StepTechnicalSpecification,
		Progress:      22,
		Message:       "Writing specification",
		EstimatedTime: "2 minutes",
	}, progress.New(progress.WithWidth(20)))

	require.Contains(t, out, "22%")
	require.Contains(t, out, "✓ PRD Generation")
	require.Contains(t, out, "✓ Requirement Analysis")
	require.Contains(t, out, "▶ Technical Specification")
	require.Contains(t, out, "· Completed")
	require.Contains(t, out, "Writing specification")
	require.Contains(t, out, "2 minutes")
}

func TestClarificationViews(t *testing.T) {
	flow, err := clarify.NewFlow([]string{"Who are the users?", "What is the deadline?"}, 5, nil)
	require.NoError(t, err)
	require.NoError(t, flow.Answer(0, "Operators"))

	page := ClarificationPage(flow.View())
	require.Contains(t, page, "page 1 of 1")
	require.Contains(t, page, "Operators")
	require.Contains(t, page, "(unanswered)")

	require.NoError(t, flow.ShowSummary())
	summary := ClarificationSummary(flow.View())
	require.Contains(t, summary, "Who are the users?")
	require.Contains(t, summary, "No answer provided")
	require.Contains(t, summary, "1 of 2 questions unanswered")
}

func TestRequirementHistoryLimits(t *testing.T) {
	now := time.Now()
	require.Contains(t, RequirementHistory(nil, 5, now), "no requirements")

	items := []model.Requirement{
		{ID: "r-3", Message: "third", Status: model.RequirementStatusProcessing, Timestamp: now},
		{ID: "r-2", Message: "second", Status: model.RequirementStatusCompleted, Timestamp: now},
		{ID: "r-1", Message: "first", Status: model.RequirementStatusCompleted, Timestamp: now},
	}
	out := RequirementHistory(items, 2, now)
	require.Contains(t, out, "third")
	require.Contains(t, out, "second")
	require.NotContains(t, out, "first")
}

type failingCore struct {
	*serviceapi.FakeCore
}

func (failingCore) TriggerAction(context.Context, string, model.AgentAction) (model.ActionResult, error) {
	return model.ActionResult{}, errors.New("agent unreachable")
}

func newTestDashboard(t *testing.T, core serviceapi.Core) (Dashboard, *requirement.Tracker) {
	t.Helper()
	dir := directory.New(core, directory.Options{RetryDelay: -1})
	tracker := requirement.NewTracker(core, requirement.TrackerOptions{PollInterval: 10 * time.Millisecond})
	t.Cleanup(tracker.Stop)
	form := requirement.NewForm(core, requirement.FormOptions{Tracker: tracker})
	return NewDashboard(Deps{Directory: dir, Tracker: tracker, Form: form}), tracker
}

func apply(t *testing.T, m Dashboard, msg tea.Msg) (Dashboard, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	dash, ok := next.(Dashboard)
	require.True(t, ok)
	return dash, cmd
}

func TestDashboardActionOnSelectedAgent(t *testing.T) {
	core := serviceapi.NewFakeCore(serviceapi.FakeOptions{})
	m, _ := newTestDashboard(t, core)

	m, _ = apply(t, m, m.loadAgents()())
	require.Len(t, m.agents.Agents, 3)

	m, _ = apply(t, m, tea.KeyMsg{Type: tea.KeyDown})
	m, _ = apply(t, m, tea.KeyMsg{Type: tea.KeyUp})
	m, _ = apply(t, m, tea.KeyMsg{Type: tea.KeyDown})
	require.Equal(t, 1, m.selected)

	m, cmd := apply(t, m, tea.KeyMsg{Type: tea.KeyCtrlS})
	require.NotNil(t, cmd)
	m, cmd = apply(t, m, cmd())
	require.NoError(t, m.actionErr)
	require.NotEmpty(t, m.notice)
	require.NotNil(t, cmd)
	m, _ = apply(t, m, cmd())

	agent, err := core.GetAgent(context.Background(), "agent-2")
	require.NoError(t, err)
	require.Equal(t, model.AgentStatusBusy, agent.Status)
	require.Equal(t, model.AgentStatusBusy, m.agents.Agents[1].Status)
	require.Contains(t, m.View(), "Data Processor")
}

func TestDashboardActionErrorIsDismissible(t *testing.T) {
	m, _ := newTestDashboard(t, failingCore{serviceapi.NewFakeCore(serviceapi.FakeOptions{})})
	m, _ = apply(t, m, m.loadAgents()())

	m, cmd := apply(t, m, tea.KeyMsg{Type: tea.KeyCtrlR})
	m, _ = apply(t, m, cmd())
	require.EqualError(t, m.actionErr, "agent unreachable")
	require.Contains(t, m.View(), "action failed")

	m, _ = apply(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	require.NoError(t, m.actionErr)
}

func TestDashboardSubmitStartsTracking(t *testing.T) {
	core := serviceapi.NewFakeCore(serviceapi.FakeOptions{})
	m, tracker := newTestDashboard(t, core)

	m, cmd := apply(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.Nil(t, cmd)

	m, _ = apply(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("Build a login page")})
	require.Equal(t, "Build a login page", m.input.Value())

	m, cmd = apply(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	require.Equal(t, "", m.input.Value())

	m, cmd = apply(t, m, cmd())
	require.Contains(t, m.notice, "submitted")
	require.NotEmpty(t, tracker.RequirementID())

	m, _ = apply(t, m, cmd())
	require.Len(t, m.history, 1)
	require.Equal(t, "Build a login page", m.history[0].Message)

	require.Eventually(t, tracker.HasActiveProcessing, time.Second, 5*time.Millisecond)
	require.Contains(t, m.View(), "Processing requirement")
}

func TestDashboardReconnectsDisconnectedChannel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	channel := liveupdate.NewChannel(liveupdate.Options{URL: "ws" + strings.TrimPrefix(server.URL, "http")})
	defer channel.Close()
	var connects int32
	core := serviceapi.NewFakeCore(serviceapi.FakeOptions{})
	m := NewDashboard(Deps{
		Directory: directory.New(core, directory.Options{RetryDelay: -1}),
		Channel:   channel,
		Handlers:  liveupdate.Handlers{OnConnect: func() { atomic.AddInt32(&connects, 1) }},
	})
	require.Contains(t, m.View(), "ctrl+l to reconnect")
	require.Contains(t, m.View(), "ctrl+l reconnect")

	m, cmd := apply(t, m, tea.KeyMsg{Type: tea.KeyCtrlL})
	require.NotNil(t, cmd)
	require.Contains(t, m.notice, "reconnecting")

	m, _ = apply(t, m, cmd())
	require.Equal(t, model.ChannelStateConnected, channel.Status().State)
	require.Equal(t, int32(1), atomic.LoadInt32(&connects))
	require.Equal(t, "live updates connected", m.notice)
	require.NotContains(t, m.View(), "ctrl+l to reconnect")

	_, cmd = apply(t, m, tea.KeyMsg{Type: tea.KeyCtrlL})
	require.Nil(t, cmd)
}

func TestDashboardQuits(t *testing.T) {
	m, _ := newTestDashboard(t, serviceapi.NewFakeCore(serviceapi.FakeOptions{}))
	_, cmd := apply(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	require.Equal(t, tea.Quit(), cmd())
}
