package serviceapi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentdash/internal/model"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.LiveUpdateEvent
}

func (s *recordingSink) Publish(event model.LiveUpdateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) snapshot() []model.LiveUpdateEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.LiveUpdateEvent, len(s.events))
	copy(out, s.events)
	return out
}

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestFakeCoreSeedsDemoAgents(t *testing.T) {
	core := NewFakeCore(FakeOptions{Now: fixedClock()})
	agents, err := core.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 3)
	require.Equal(t, "AI Assistant", agents[0].Name)
	require.Equal(t, model.AgentStatusBusy, agents[2].Status)
	require.Equal(t, "Training model", agents[2].CurrentTask)

	_, err = core.GetAgent(context.Background(), "agent-9")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestFakeCoreActionEmitsStatusChange(t *testing.T) {
	sink := &recordingSink{}
	core := NewFakeCore(FakeOptions{Sink: sink, Now: fixedClock()})

	result, err := core.TriggerAction(context.Background(), "agent-1", model.AgentAction{
		Action: model.ActionStart,
		Params: map[string]any{"task": "Index docs"},
	})
	require.NoError(t, err)
	require.Equal(t, "agent-1", result.AgentID)

	agent, err := core.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Equal(t, model.AgentStatusBusy, agent.Status)
	require.Equal(t, "Index docs", agent.CurrentTask)
	require.Len(t, agent.Updates, 1)

	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, model.EventTypeStatusChange, events[0].Type)
	require.NoError(t, events[0].Validate())

	_, err = core.TriggerAction(context.Background(), "agent-1", model.AgentAction{})
	require.Equal(t, 400, StatusOf(err))
}

func TestFakeCoreTickAdvancesProcessingToCompletion(t *testing.T) {
	core := NewFakeCore(FakeOptions{Now: fixedClock()})
	requirement, err := core.SubmitRequirement(context.Background(), "Build a report exporter")
	require.NoError(t, err)

	state, err := core.ProcessingState(context.Background(), requirement.ID)
	require.NoError(t, err)
	require.Equal(t, model.StepPRDGeneration, state.CurrentState)
	require.Equal(t, 0, state.Progress)

	for i := 1; i < len(model.ProcessingSteps); i++ {
		core.Tick()
		state, err = core.ProcessingState(context.Background(), requirement.ID)
		require.NoError(t, err)
		require.Equal(t, model.ProcessingSteps[i].Step, state.CurrentState)
	}
	require.Equal(t, 100, state.Progress)
	require.True(t, state.Finished())

	history, err := core.RequirementHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, model.RequirementStatusCompleted, history[0].Status)
}

func TestFakeCoreTickCompletesBusyAgentTask(t *testing.T) {
	sink := &recordingSink{}
	core := NewFakeCore(FakeOptions{Sink: sink, Now: fixedClock()})

	for i := 0; i < 5; i++ {
		core.Tick()
	}
	events := sink.snapshot()
	require.Len(t, events, 5)
	require.Equal(t, model.EventTypeAgentUpdate, events[0].Type)
	require.Equal(t, model.EventTypeTaskComplete, events[4].Type)
	require.Equal(t, "agent-3", events[4].AgentID)

	agent, err := core.GetAgent(context.Background(), "agent-3")
	require.NoError(t, err)
	require.Equal(t, model.AgentStatusOnline, agent.Status)
	require.Len(t, agent.Updates, 5)
}

func TestFakeCoreSubmitChatRequiresContent(t *testing.T) {
	core := NewFakeCore(FakeOptions{})
	_, err := core.SubmitChat(context.Background(), "  ", nil)
	require.Error(t, err)

	receipt, err := core.SubmitChat(context.Background(), "", []model.Attachment{
		{Name: "brief.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
	})
	require.NoError(t, err)
	require.NotEmpty(t, receipt.ID)
	require.Equal(t, int64(8), receipt.Files[0].Size)
}
