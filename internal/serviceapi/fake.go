package serviceapi

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"github.com/oklog/ulid"

	"agentdash/internal/logging"
	"agentdash/internal/model"
)

type FakeOptions struct {
	Sink   EventSink
	Now    func() time.Time
	Logger *slog.Logger
}

// FakeCore is an in-memory backend seeded with the demo agents. Tick drives
// the simulation: requirement processing advances one step and busy agents
// report progress.
type FakeCore struct {
	mu           sync.Mutex
	agents       map[string]*model.Agent
	agentOrder   []string
	requirements []model.Requirement
	processing   map[string]*model.ProcessingState
	taskProgress map[string]int
	entropy      io.Reader

	sink   EventSink
	now    func() time.Time
	logger *slog.Logger
}

func NewFakeCore(options FakeOptions) *FakeCore {
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	f := &FakeCore{
		agents:       map[string]*model.Agent{},
		processing:   map[string]*model.ProcessingState{},
		taskProgress: map[string]int{},
		entropy:      ulid.Monotonic(rand.Reader, 0),
		sink:         options.Sink,
		now:          now,
		logger:       logging.OrDiscard(options.Logger),
	}
	seen := now()
	for _, agent := range []model.Agent{
		{ID: "agent-1", Name: "AI Assistant", Status: model.AgentStatusOnline, CurrentTask: "Ready for tasks"},
		{ID: "agent-2", Name: "Data Processor", Status: model.AgentStatusOnline, CurrentTask: "Available"},
		{ID: "agent-3", Name: "ML Trainer", Status: model.AgentStatusBusy, CurrentTask: "Training model"},
	} {
		agent := agent
		agent.LastSeen = seen
		agent.Updates = []model.AgentUpdate{}
		f.agents[agent.ID] = &agent
		f.agentOrder = append(f.agentOrder, agent.ID)
	}
	return f
}

// SetSink replaces the event sink. Passing nil stops event emission.
func (f *FakeCore) SetSink(sink EventSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

func (f *FakeCore) Shutdown() {}

func (f *FakeCore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Agent, 0, len(f.agentOrder))
	for _, id := range f.agentOrder {
		out = append(out, f.agents[id].Clone())
	}
	return out, nil
}

func (f *FakeCore) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	if err := ctx.Err(); err != nil {
		return model.Agent{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[strings.TrimSpace(agentID)]
	if !ok {
		return model.Agent{}, notFound("agent", agentID)
	}
	return agent.Clone(), nil
}

func (f *FakeCore) TriggerAction(ctx context.Context, agentID string, action model.AgentAction) (model.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return model.ActionResult{}, err
	}
	name := strings.TrimSpace(action.Action)
	if name == "" {
		return model.ActionResult{}, badRequest("action is required")
	}

	f.mu.Lock()
	agent, ok := f.agents[strings.TrimSpace(agentID)]
	if !ok {
		f.mu.Unlock()
		return model.ActionResult{}, notFound("agent", agentID)
	}
	status := model.UpdateStatusWorking
	switch name {
	case model.ActionStart:
		agent.Status = model.AgentStatusBusy
		agent.CurrentTask = taskFromParams(action.Params, "Running task")
		f.taskProgress[agent.ID] = 0
	case model.ActionStop:
		agent.Status = model.AgentStatusOffline
		agent.CurrentTask = ""
		delete(f.taskProgress, agent.ID)
		status = model.UpdateStatusIdle
	case model.ActionRestart:
		agent.Status = model.AgentStatusOnline
		agent.CurrentTask = "Ready for tasks"
		delete(f.taskProgress, agent.ID)
		status = model.UpdateStatusIdle
	}
	update := f.newUpdateLocked(status, fmt.Sprintf("Action %s accepted", name), nil)
	agent.MergeUpdate(update)
	event := model.LiveUpdateEvent{Type: model.EventTypeStatusChange, AgentID: agent.ID, Data: update}
	sink := f.sink
	f.mu.Unlock()

	f.emit(sink, event)
	return model.ActionResult{
		Message: fmt.Sprintf("Action %s triggered for agent %s", name, agent.ID),
		AgentID: agent.ID,
		Action:  name,
		Params:  action.Params,
	}, nil
}

func taskFromParams(params map[string]any, fallback string) string {
	if params == nil {
		return fallback
	}
	if task, ok := params["task"].(string); ok && strings.TrimSpace(task) != "" {
		return strings.TrimSpace(task)
	}
	return fallback
}

func (f *FakeCore) SubmitRequirement(ctx context.Context, message string) (model.Requirement, error) {
	if err := ctx.Err(); err != nil {
		return model.Requirement{}, err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return model.Requirement{}, badRequest("message is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	requirement := model.Requirement{
		ID:        uuid.NewString(),
		Message:   message,
		Timestamp: now,
		Status:    model.RequirementStatusProcessing,
	}
	f.requirements = append(f.requirements, requirement)
	f.processing[requirement.ID] = &model.ProcessingState{
		ID:            uuid.NewString(),
		RequirementID: requirement.ID,
		CurrentState:  model.StepPRDGeneration,
		Progress:      0,
		Message:       stepMessage(model.StepPRDGeneration),
		Timestamp:     now,
		EstimatedTime: estimate(model.StepPRDGeneration),
	}
	return requirement, nil
}

func (f *FakeCore) ProcessingState(ctx context.Context, requirementID string) (model.ProcessingState, error) {
	if err := ctx.Err(); err != nil {
		return model.ProcessingState{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.processing[strings.TrimSpace(requirementID)]
	if !ok {
		return model.ProcessingState{}, notFound("requirement", requirementID)
	}
	return *state, nil
}

// RequirementHistory returns requirements newest first.
func (f *FakeCore) RequirementHistory(ctx context.Context) ([]model.Requirement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Requirement, len(f.requirements))
	copy(out, f.requirements)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func (f *FakeCore) SubmitChat(ctx context.Context, message string, files []model.Attachment) (model.ChatReceipt, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatReceipt{}, err
	}
	message = strings.TrimSpace(message)
	if message == "" && len(files) == 0 {
		return model.ChatReceipt{}, badRequest("message or files required")
	}
	receipt := model.ChatReceipt{
		ID:        shortuuid.New(),
		Message:   message,
		Files:     make([]model.ChatFile, 0, len(files)),
		Timestamp: f.now(),
		Status:    "received",
	}
	for _, file := range files {
		receipt.Files = append(receipt.Files, model.ChatFile{
			Name: file.Name,
			Size: int64(len(file.Data)),
			Type: file.ContentType,
		})
	}
	return receipt, nil
}

// Tick advances the simulation once and returns how many requirements and
// agents changed.
func (f *FakeCore) Tick() int {
	f.mu.Lock()
	now := f.now()
	changed := 0
	for _, state := range f.processing {
		if state.CurrentState == model.StepCompleted {
			continue
		}
		next := model.ProcessingSteps[model.StepIndex(state.CurrentState)+1].Step
		state.CurrentState = next
		state.Progress = stepPercent(next)
		state.Message = stepMessage(next)
		state.Timestamp = now
		state.EstimatedTime = estimate(next)
		if next == model.StepCompleted {
			f.setRequirementStatusLocked(state.RequirementID, model.RequirementStatusCompleted)
		}
		changed++
	}

	var events []model.LiveUpdateEvent
	for _, id := range f.agentOrder {
		agent := f.agents[id]
		if agent.Status != model.AgentStatusBusy {
			continue
		}
		progress := f.taskProgress[id] + 20
		if progress > 100 {
			progress = 100
		}
		f.taskProgress[id] = progress
		if progress < 100 {
			update := f.newUpdateLocked(model.UpdateStatusWorking, agent.CurrentTask, &progress)
			agent.MergeUpdate(update)
			events = append(events, model.LiveUpdateEvent{Type: model.EventTypeAgentUpdate, AgentID: id, Data: update})
		} else {
			update := f.newUpdateLocked(model.UpdateStatusCompleted, "Completed: "+agent.CurrentTask, &progress)
			agent.MergeUpdate(update)
			agent.Status = model.AgentStatusOnline
			agent.CurrentTask = "Ready for tasks"
			delete(f.taskProgress, id)
			events = append(events, model.LiveUpdateEvent{Type: model.EventTypeTaskComplete, AgentID: id, Data: update})
		}
		changed++
	}
	sink := f.sink
	f.mu.Unlock()

	for _, event := range events {
		f.emit(sink, event)
	}
	return changed
}

func (f *FakeCore) setRequirementStatusLocked(requirementID string, status model.RequirementStatus) {
	for i := range f.requirements {
		if f.requirements[i].ID == requirementID {
			f.requirements[i].Status = status
			return
		}
	}
}

func (f *FakeCore) newUpdateLocked(status model.UpdateStatus, message string, progress *int) model.AgentUpdate {
	now := f.now()
	update := model.AgentUpdate{
		ID:        ulid.MustNew(ulid.Timestamp(now), f.entropy).String(),
		Timestamp: now,
		Status:    status,
		Message:   message,
	}
	if progress != nil {
		value := *progress
		update.Progress = &value
	}
	return update
}

func (f *FakeCore) emit(sink EventSink, event model.LiveUpdateEvent) {
	if sink == nil {
		return
	}
	if err := sink.Publish(event); err != nil {
		f.logger.Warn("publish live update failed", "agent_id", event.AgentID, "type", event.Type, "error", err)
	}
}

func stepPercent(step model.ProcessingStep) int {
	idx := model.StepIndex(step)
	last := len(model.ProcessingSteps) - 1
	if idx <= 0 {
		return 0
	}
	return idx * 100 / last
}

func stepMessage(step model.ProcessingStep) string {
	info, ok := model.StepInfo(step)
	if !ok {
		return string(step)
	}
	return info.Description
}

func estimate(step model.ProcessingStep) string {
	remaining := len(model.ProcessingSteps) - 1 - model.StepIndex(step)
	if remaining <= 0 {
		return ""
	}
	return fmt.Sprintf("%d steps remaining", remaining)
}
