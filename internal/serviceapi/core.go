package serviceapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"agentdash/internal/model"
)

// ErrNotFound is returned (possibly wrapped) when an agent or requirement
// does not exist.
var ErrNotFound = errors.New("not found")

// Core is the backend contract shared by the HTTP client and the in-memory
// fake. Callers pick an implementation; nothing inside switches on it.
type Core interface {
	Shutdown()

	ListAgents(ctx context.Context) ([]model.Agent, error)
	GetAgent(ctx context.Context, agentID string) (model.Agent, error)
	TriggerAction(ctx context.Context, agentID string, action model.AgentAction) (model.ActionResult, error)

	SubmitRequirement(ctx context.Context, message string) (model.Requirement, error)
	ProcessingState(ctx context.Context, requirementID string) (model.ProcessingState, error)
	RequirementHistory(ctx context.Context) ([]model.Requirement, error)
	SubmitChat(ctx context.Context, message string, files []model.Attachment) (model.ChatReceipt, error)
}

// EventSink receives live update events produced by a backend.
type EventSink interface {
	Publish(event model.LiveUpdateEvent) error
}

// APIError is a non-success answer from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

func badRequest(format string, args ...any) error {
	return &APIError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func notFound(kind string, id string) error {
	return &APIError{Status: http.StatusNotFound, Message: fmt.Sprintf("%s %s not found", kind, id)}
}

// StatusOf maps an error returned by a Core to an HTTP status code.
func StatusOf(err error) int {
	var apiErr *APIError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &apiErr) && apiErr.Status > 0:
		return apiErr.Status
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
