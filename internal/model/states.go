package model

type ClarificationState string

const (
	ClarificationStateAnswering  ClarificationState = "answering"
	ClarificationStateSummary    ClarificationState = "summary"
	ClarificationStateSubmitting ClarificationState = "submitting"
	ClarificationStateClosed     ClarificationState = "closed"
)

type ChannelState string

const (
	ChannelStateDisconnected ChannelState = "disconnected"
	ChannelStateConnecting   ChannelState = "connecting"
	ChannelStateConnected    ChannelState = "connected"
	ChannelStateReconnecting ChannelState = "reconnecting"
	ChannelStateExhausted    ChannelState = "exhausted"
)
