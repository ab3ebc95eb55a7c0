package hsm

import (
	"testing"

	"agentdash/internal/model"
)

func TestClarificationTransitions(t *testing.T) {
	if !CanTransitionClarification(model.ClarificationStateAnswering, model.ClarificationStateSummary) {
		t.Fatalf("expected answering -> summary transition to be allowed")
	}
	if !CanTransitionClarification(model.ClarificationStateSummary, model.ClarificationStateAnswering) {
		t.Fatalf("expected summary -> answering transition to be allowed")
	}
	if !CanTransitionClarification(model.ClarificationStateSubmitting, model.ClarificationStateSummary) {
		t.Fatalf("expected submitting -> summary transition to be allowed")
	}
	if CanTransitionClarification(model.ClarificationStateAnswering, model.ClarificationStateSubmitting) {
		t.Fatalf("expected answering -> submitting transition to be disallowed")
	}
	if CanTransitionClarification(model.ClarificationStateClosed, model.ClarificationStateAnswering) {
		t.Fatalf("expected closed -> answering transition to be disallowed")
	}
}

func TestChannelTransitions(t *testing.T) {
	if !CanTransitionChannel(model.ChannelStateConnected, model.ChannelStateReconnecting) {
		t.Fatalf("expected connected -> reconnecting transition to be allowed")
	}
	if !CanTransitionChannel(model.ChannelStateExhausted, model.ChannelStateConnecting) {
		t.Fatalf("expected exhausted -> connecting transition to be allowed")
	}
	if CanTransitionChannel(model.ChannelStateExhausted, model.ChannelStateReconnecting) {
		t.Fatalf("expected exhausted -> reconnecting transition to be disallowed")
	}
}

func TestProcessingAdvance(t *testing.T) {
	if !CanAdvanceProcessing(model.StepPRDGeneration, model.StepDocumentation) {
		t.Fatalf("expected forward step to be allowed")
	}
	if !CanAdvanceProcessing(model.StepDocumentation, model.StepDocumentation) {
		t.Fatalf("expected repeated step to be allowed")
	}
	if CanAdvanceProcessing(model.StepCompleted, model.StepPRDGeneration) {
		t.Fatalf("expected backward step to be disallowed")
	}
	if CanAdvanceProcessing("UNKNOWN", model.StepCompleted) {
		t.Fatalf("expected unknown step to be disallowed")
	}
}
