package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
)

type UpdateStatus string

const (
	UpdateStatusIdle      UpdateStatus = "idle"
	UpdateStatusWorking   UpdateStatus = "working"
	UpdateStatusCompleted UpdateStatus = "completed"
	UpdateStatusError     UpdateStatus = "error"
)

type EventType string

const (
	EventTypeAgentUpdate  EventType = "agent_update"
	EventTypeStatusChange EventType = "status_change"
	EventTypeTaskComplete EventType = "task_complete"
)

// Known control actions. Backends may accept additional domain-specific actions.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
)

type AgentUpdate struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Status    UpdateStatus    `json:"status"`
	Message   string          `json:"message"`
	Progress  *int            `json:"progress,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Agent struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Status      AgentStatus   `json:"status"`
	LastSeen    time.Time     `json:"lastSeen"`
	CurrentTask string        `json:"currentTask,omitempty"`
	Updates     []AgentUpdate `json:"updates"`
}

// LatestUpdate returns the most recent update, if any.
func (a Agent) LatestUpdate() (AgentUpdate, bool) {
	if len(a.Updates) == 0 {
		return AgentUpdate{}, false
	}
	return a.Updates[len(a.Updates)-1], true
}

// Clone returns a copy that shares no slices with the receiver.
func (a Agent) Clone() Agent {
	out := a
	if a.Updates != nil {
		out.Updates = make([]AgentUpdate, len(a.Updates))
		copy(out.Updates, a.Updates)
	}
	return out
}

// MergeUpdate appends update unless an update with the same id is already
// present. It reports whether the update was added.
func (a *Agent) MergeUpdate(update AgentUpdate) bool {
	id := strings.TrimSpace(update.ID)
	if id != "" {
		for _, existing := range a.Updates {
			if existing.ID == id {
				return false
			}
		}
	}
	a.Updates = append(a.Updates, update)
	if update.Timestamp.After(a.LastSeen) {
		a.LastSeen = update.Timestamp
	}
	return true
}

type LiveUpdateEvent struct {
	Type    EventType   `json:"type"`
	AgentID string      `json:"agentId"`
	Data    AgentUpdate `json:"data"`
}

// Validate reports whether the event can be routed to an agent.
func (e LiveUpdateEvent) Validate() error {
	switch e.Type {
	case EventTypeAgentUpdate, EventTypeStatusChange, EventTypeTaskComplete:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if strings.TrimSpace(e.AgentID) == "" {
		return fmt.Errorf("event %s has no agent id", e.Type)
	}
	return nil
}

// InvalidatesAgent reports whether the event makes cached agent state stale.
func (e LiveUpdateEvent) InvalidatesAgent() bool {
	switch e.Type {
	case EventTypeAgentUpdate, EventTypeStatusChange, EventTypeTaskComplete:
		return true
	}
	return false
}

type AgentAction struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

type ActionResult struct {
	Message string         `json:"message"`
	AgentID string         `json:"agentId"`
	Action  string         `json:"action"`
	Params  map[string]any `json:"data,omitempty"`
}

// APIResponse is the envelope every REST endpoint answers with.
type APIResponse[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}
