package model

import (
	"strings"
	"testing"
	"time"
)

func TestLiveUpdateEventValidate(t *testing.T) {
	valid := LiveUpdateEvent{
		Type:    EventTypeStatusChange,
		AgentID: "agent-1",
		Data:    AgentUpdate{ID: "u-1", Status: UpdateStatusWorking},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid event, got error: %v", err)
	}

	cases := []LiveUpdateEvent{
		{Type: "heartbeat", AgentID: "agent-1"},
		{Type: EventTypeAgentUpdate, AgentID: "  "},
		{Type: "", AgentID: "agent-1"},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d expected validation error", i)
		}
	}
}

func TestAgentMergeUpdateSkipsDuplicates(t *testing.T) {
	seen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	agent := Agent{ID: "agent-1", LastSeen: seen}

	later := seen.Add(time.Minute)
	if !agent.MergeUpdate(AgentUpdate{ID: "u-1", Timestamp: later}) {
		t.Fatalf("expected first update to be merged")
	}
	if agent.MergeUpdate(AgentUpdate{ID: "u-1", Timestamp: later}) {
		t.Fatalf("expected duplicate update to be skipped")
	}
	if len(agent.Updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(agent.Updates))
	}
	if !agent.LastSeen.Equal(later) {
		t.Fatalf("expected last seen to advance to %s, got %s", later, agent.LastSeen)
	}

	clone := agent.Clone()
	clone.Updates[0].Message = "changed"
	if agent.Updates[0].Message == "changed" {
		t.Fatalf("expected clone to not share updates")
	}
}

func TestStepProgressFor(t *testing.T) {
	current := StepArchitectureDesign
	if got := StepProgressFor(StepPRDGeneration, current); got != StepProgressCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if got := StepProgressFor(StepArchitectureDesign, current); got != StepProgressCurrent {
		t.Fatalf("expected current, got %s", got)
	}
	if got := StepProgressFor(StepCompleted, current); got != StepProgressPending {
		t.Fatalf("expected pending, got %s", got)
	}
	if StepIndex(StepCompleted) != len(ProcessingSteps)-1 {
		t.Fatalf("expected COMPLETED to be the last step")
	}
}

func TestProcessingStateFinished(t *testing.T) {
	if (ProcessingState{CurrentState: StepDocumentation, Progress: 80}).Finished() {
		t.Fatalf("expected in-flight state to be unfinished")
	}
	if !(ProcessingState{CurrentState: StepDocumentation, Progress: 100}).Finished() {
		t.Fatalf("expected progress 100 to finish")
	}
	if !(ProcessingState{CurrentState: StepCompleted, Progress: 90}).Finished() {
		t.Fatalf("expected COMPLETED to finish")
	}
}

func TestClarificationTranscript(t *testing.T) {
	submission := ClarificationSubmission{Responses: []ClarificationResponse{
		{Question: "Who uses it?", Answer: "Operators"},
		{Question: "Deadline?", Answer: ""},
	}}
	transcript := submission.Transcript()
	if !strings.Contains(transcript, "Q1: Who uses it?\nA1: Operators") {
		t.Fatalf("unexpected transcript: %q", transcript)
	}
	if !strings.Contains(transcript, "A2: (no answer provided)") {
		t.Fatalf("expected empty answer placeholder, got %q", transcript)
	}
}
