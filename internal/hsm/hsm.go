package hsm

import "agentdash/internal/model"

var clarificationTransitions = map[model.ClarificationState]map[model.ClarificationState]bool{
	model.ClarificationStateAnswering: {
		model.ClarificationStateSummary: true,
		model.ClarificationStateClosed:  true,
	},
	model.ClarificationStateSummary: {
		model.ClarificationStateAnswering:  true,
		model.ClarificationStateSubmitting: true,
		model.ClarificationStateClosed:     true,
	},
	model.ClarificationStateSubmitting: {
		model.ClarificationStateClosed:  true,
		model.ClarificationStateSummary: true,
	},
}

var channelTransitions = map[model.ChannelState]map[model.ChannelState]bool{
	model.ChannelStateDisconnected: {
		model.ChannelStateConnecting: true,
	},
	model.ChannelStateConnecting: {
		model.ChannelStateConnected:    true,
		model.ChannelStateReconnecting: true,
		model.ChannelStateExhausted:    true,
		model.ChannelStateDisconnected: true,
	},
	model.ChannelStateConnected: {
		model.ChannelStateReconnecting: true,
		model.ChannelStateExhausted:    true,
		model.ChannelStateDisconnected: true,
		model.ChannelStateConnecting:   true,
	},
	model.ChannelStateReconnecting: {
		model.ChannelStateConnecting:   true,
		model.ChannelStateDisconnected: true,
	},
	model.ChannelStateExhausted: {
		model.ChannelStateConnecting:   true,
		model.ChannelStateDisconnected: true,
	},
}

func CanTransitionClarification(from model.ClarificationState, to model.ClarificationState) bool {
	if from == to {
		return true
	}
	return clarificationTransitions[from][to]
}

func CanTransitionChannel(from model.ChannelState, to model.ChannelState) bool {
	if from == to {
		return true
	}
	return channelTransitions[from][to]
}

// CanAdvanceProcessing reports whether a processing state may move from one
// step to another. Steps only move forward; repeating a step is allowed.
func CanAdvanceProcessing(from model.ProcessingStep, to model.ProcessingStep) bool {
	fromIdx := model.StepIndex(from)
	toIdx := model.StepIndex(to)
	if fromIdx < 0 || toIdx < 0 {
		return false
	}
	return toIdx >= fromIdx
}
