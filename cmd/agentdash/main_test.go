package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentdash/internal/clarify"
	"agentdash/internal/model"
	"agentdash/internal/policy"
	"agentdash/internal/requirement"
	"agentdash/internal/serviceapi"
)

func newTestFlow(t *testing.T) *clarify.Flow {
	t.Helper()
	flow, err := clarify.NewFlow([]string{"Who are the users?", "Which platforms?", "Any deadline?"}, 2, nil)
	require.NoError(t, err)
	return flow
}

func answersOf(flow *clarify.Flow) []string {
	var answers []string
	for _, response := range flow.Submission().Responses {
		answers = append(answers, response.Answer)
	}
	return answers
}

func TestCollectClarificationAnswersNonInteractive(t *testing.T) {
	flow := newTestFlow(t)
	var output bytes.Buffer

	err := collectClarificationAnswers(strings.NewReader("Operators\n\nEnd of Q3\n"), &output, false, flow)
	require.NoError(t, err)
	require.Equal(t, model.ClarificationStateSummary, flow.State())
	require.Equal(t, []string{"Operators", "", "End of Q3"}, answersOf(flow))
	require.Empty(t, output.String())
}

func TestCollectClarificationAnswersStopsAtEOF(t *testing.T) {
	flow := newTestFlow(t)

	err := collectClarificationAnswers(strings.NewReader("Operators\n"), &bytes.Buffer{}, false, flow)
	require.NoError(t, err)
	require.Equal(t, model.ClarificationStateSummary, flow.State())
	require.Equal(t, []string{"Operators", "", ""}, answersOf(flow))
}

func TestCollectClarificationAnswersInteractiveEdit(t *testing.T) {
	flow := newTestFlow(t)
	var output bytes.Buffer

	input := "a\nb\nc\nedit 2\nB2\nsubmit\n"
	err := collectClarificationAnswers(strings.NewReader(input), &output, true, flow)
	require.NoError(t, err)
	require.Equal(t, model.ClarificationStateSummary, flow.State())
	require.Equal(t, []string{"a", "B2", "c"}, answersOf(flow))
	require.Contains(t, output.String(), "page 1 of 2")
	require.Contains(t, output.String(), "(current: b)")
	require.Contains(t, output.String(), "Review your answers")
}

func TestCollectClarificationAnswersInteractiveQuit(t *testing.T) {
	flow := newTestFlow(t)

	err := collectClarificationAnswers(strings.NewReader("a\nb\nc\nq\n"), &bytes.Buffer{}, true, flow)
	require.ErrorIs(t, err, errClarificationAborted)
}

func TestCollectClarificationAnswersRejectsBadEdit(t *testing.T) {
	flow := newTestFlow(t)
	var output bytes.Buffer

	err := collectClarificationAnswers(strings.NewReader("a\nb\nc\nedit x\nedit 9\nsubmit\n"), &output, true, flow)
	require.NoError(t, err)
	require.Contains(t, output.String(), "not a question number: x")
	require.Contains(t, output.String(), "out of range")
	require.Equal(t, []string{"a", "b", "c"}, answersOf(flow))
}

// failingFlow answers every question; its submit func fails the first
// failures calls.
func failingFlow(t *testing.T, failures int) (*clarify.Flow, *[]model.ClarificationSubmission) {
	t.Helper()
	var sent []model.ClarificationSubmission
	flow, err := clarify.NewFlow([]string{"Who are the users?", "Which platforms?"}, 2, func(_ context.Context, submission model.ClarificationSubmission) error {
		sent = append(sent, submission)
		if len(sent) <= failures {
			return errors.New("backend down")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, collectClarificationAnswers(strings.NewReader("Operators\nWeb\n"), &bytes.Buffer{}, false, flow))
	return flow, &sent
}

func TestSubmitClarificationNonInteractiveKeepsTranscript(t *testing.T) {
	flow, sent := failingFlow(t, 1)
	var output, errOutput bytes.Buffer

	err := submitClarification(context.Background(), strings.NewReader(""), &output, &errOutput, false, flow)
	require.EqualError(t, err, "backend down")
	require.Len(t, *sent, 1)
	require.Equal(t, model.ClarificationStateSummary, flow.State())
	require.Contains(t, errOutput.String(), "Q1: Who are the users?\nA1: Operators")
	require.Contains(t, errOutput.String(), "A2: Web")
	require.Empty(t, output.String())
}

func TestSubmitClarificationInteractiveRetryAfterEdit(t *testing.T) {
	flow, sent := failingFlow(t, 1)
	var output, errOutput bytes.Buffer

	err := submitClarification(context.Background(), strings.NewReader("edit 2\nWeb and iOS\nretry\n"), &output, &errOutput, true, flow)
	require.NoError(t, err)
	require.Len(t, *sent, 2)
	require.Equal(t, "Web and iOS", (*sent)[1].Responses[1].Answer)
	require.Equal(t, model.ClarificationStateClosed, flow.State())
	require.Contains(t, output.String(), "submit failed: backend down")
	require.Contains(t, output.String(), "error: backend down")
	require.Contains(t, output.String(), "retry, edit N, or quit?")
	require.Empty(t, errOutput.String())
}

func TestSubmitClarificationInteractiveEOFKeepsTranscript(t *testing.T) {
	flow, sent := failingFlow(t, 1)
	var errOutput bytes.Buffer

	err := submitClarification(context.Background(), strings.NewReader(""), &bytes.Buffer{}, &errOutput, true, flow)
	require.EqualError(t, err, "backend down")
	require.Len(t, *sent, 1)
	require.Contains(t, errOutput.String(), "A1: Operators")
}

func TestSubmitClarificationInteractiveQuit(t *testing.T) {
	flow, _ := failingFlow(t, 1)

	err := submitClarification(context.Background(), strings.NewReader("q\n"), &bytes.Buffer{}, &bytes.Buffer{}, true, flow)
	require.ErrorIs(t, err, errClarificationAborted)
}

func TestParseQuestions(t *testing.T) {
	questions, err := parseQuestions([]byte("- Who are the users?\n- '  Which platforms? '\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"Who are the users?", "Which platforms?"}, questions)

	questions, err = parseQuestions([]byte("Who are the users?\n\nWhich platforms?\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"Who are the users?", "Which platforms?"}, questions)

	questions, err = parseQuestions([]byte("   \n"))
	require.NoError(t, err)
	require.Empty(t, questions)
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root, err := newRootCommand()
	require.NoError(t, err)

	var names []string
	for _, command := range root.Commands() {
		names = append(names, command.Name())
	}
	for _, expected := range []string{"serve", "watch", "agents", "agent", "action", "submit", "history", "clarify", "policy-init"} {
		require.Contains(t, names, expected)
	}
}

func TestApplyBackendOverrides(t *testing.T) {
	cfg := policy.Default()
	applyBackendOverrides(&cfg, &backendSettings{
		BaseURL:   " http://backend:9000/api ",
		LogLevel:  "debug",
		LogFormat: "",
	})
	require.Equal(t, "http://backend:9000/api", cfg.API.BaseURL)
	require.Equal(t, policy.Default().API.WebSocketURL, cfg.API.WebSocketURL)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
}

func TestPrintAgentListAndHistory(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var output bytes.Buffer

	printAgentList(&output, nil, now)
	require.Equal(t, "No agents.\n", output.String())

	output.Reset()
	printAgentList(&output, []model.Agent{{
		ID:          "agent-1",
		Name:        "Planner",
		Status:      model.AgentStatusBusy,
		CurrentTask: "Draft PRD",
		LastSeen:    now.Add(-2 * time.Minute),
	}}, now)
	require.Contains(t, output.String(), "agent-1")
	require.Contains(t, output.String(), "seen=2m ago")
	require.Contains(t, output.String(), `task="Draft PRD"`)

	output.Reset()
	printHistory(&output, []model.Requirement{
		{ID: "req-2", Message: "Second\nline", Timestamp: now, Status: model.RequirementStatusProcessing},
		{ID: "req-1", Message: "First", Timestamp: now.Add(-time.Hour), Status: model.RequirementStatusCompleted},
	}, 1, now)
	require.Contains(t, output.String(), "req-2")
	require.Contains(t, output.String(), "Second line")
	require.NotContains(t, output.String(), "req-1")
}

func TestWaitForProcessingFollowsToCompletion(t *testing.T) {
	core := serviceapi.NewFakeCore(serviceapi.FakeOptions{})
	tracker := requirement.NewTracker(core, requirement.TrackerOptions{PollInterval: 5 * time.Millisecond})
	t.Cleanup(tracker.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	submitted, err := core.SubmitRequirement(ctx, "Build a login page")
	require.NoError(t, err)
	tracker.Track(ctx, submitted.ID)

	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				core.Tick()
			}
		}
	}()

	var output bytes.Buffer
	state, err := waitForProcessing(ctx, tracker, &output)
	require.NoError(t, err)
	require.True(t, state.Finished())
	require.Equal(t, model.StepCompleted, state.CurrentState)
	require.Contains(t, output.String(), "Completed")
}
