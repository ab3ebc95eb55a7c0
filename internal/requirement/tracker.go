package requirement

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agentdash/internal/hsm"
	"agentdash/internal/logging"
	"agentdash/internal/model"
	"agentdash/internal/poll"
	"agentdash/internal/serviceapi"
	"agentdash/internal/telemetry"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultCompletionGrace = 3 * time.Second
	DefaultPollTimeout     = 10 * time.Minute
)

type TrackerOptions struct {
	PollInterval time.Duration
	// CompletionGrace defaults to three seconds; a negative value clears a
	// finished state at once.
	CompletionGrace time.Duration
	Timeout         time.Duration
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
}

// Tracker follows the processing state of one requirement at a time. A
// finished state stays visible for the completion grace period and is then
// cleared.
type Tracker struct {
	core            serviceapi.Core
	pollInterval    time.Duration
	completionGrace time.Duration
	timeout         time.Duration
	logger          *slog.Logger
	metrics         *telemetry.Metrics

	mu            sync.Mutex
	generation    uint64
	requirementID string
	active        *model.ProcessingState
	polling       bool
	lastErr       error
	cancel        context.CancelFunc
	doneChan      chan struct{}
	stopGrace     func() bool
	changed       chan struct{}
}

func NewTracker(core serviceapi.Core, options TrackerOptions) *Tracker {
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	switch {
	case options.CompletionGrace == 0:
		options.CompletionGrace = DefaultCompletionGrace
	case options.CompletionGrace < 0:
		options.CompletionGrace = 0
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultPollTimeout
	}
	return &Tracker{
		core:            core,
		pollInterval:    options.PollInterval,
		completionGrace: options.CompletionGrace,
		timeout:         options.Timeout,
		logger:          logging.OrDiscard(options.Logger).With("component", "tracker"),
		metrics:         options.Metrics,
		changed:         make(chan struct{}, 1),
	}
}

// Track starts polling requirementID, replacing whatever was tracked before.
func (t *Tracker) Track(ctx context.Context, requirementID string) {
	requirementID = strings.TrimSpace(requirementID)
	t.Stop()

	t.mu.Lock()
	t.generation++
	gen := t.generation
	pollCtx, cancel := context.WithCancel(ctx)
	t.requirementID = requirementID
	t.active = nil
	t.lastErr = nil
	t.polling = true
	t.cancel = cancel
	t.doneChan = make(chan struct{})
	done := t.doneChan
	t.notifyLocked()
	t.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		t.run(pollCtx, gen, requirementID)
	}()
}

func (t *Tracker) run(ctx context.Context, gen uint64, requirementID string) {
	poller := poll.Poller[model.ProcessingState]{
		Fetch: func(ctx context.Context) (model.ProcessingState, error) {
			return t.core.ProcessingState(ctx, requirementID)
		},
		Done:     model.ProcessingState.Finished,
		Interval: t.pollInterval,
		Timeout:  t.timeout,
		OnResult: func(state model.ProcessingState) {
			t.metrics.IncPollTick("ok")
			t.applyState(gen, state)
		},
		OnError: func(err error) {
			t.metrics.IncPollTick("error")
			t.logger.Warn("processing state poll failed", "requirement_id", requirementID, "error", err)
		},
	}
	_, err := poller.Run(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.generation {
		return
	}
	t.polling = false
	if err != nil && errors.Is(err, context.Canceled) {
		t.notifyLocked()
		return
	}
	if err != nil {
		t.lastErr = err
		t.logger.Warn("processing tracking ended", "requirement_id", requirementID, "error", err)
	} else {
		t.metrics.IncPollTick("done")
	}
	// Finished and timed-out states both leave the view after the grace period.
	t.stopGrace = time.AfterFunc(t.completionGrace, func() {
		t.clearIf(gen)
	}).Stop
	t.notifyLocked()
}

func (t *Tracker) applyState(gen uint64, state model.ProcessingState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.generation {
		return
	}
	if t.active != nil && model.StepIndex(t.active.CurrentState) >= 0 && model.StepIndex(state.CurrentState) >= 0 &&
		!hsm.CanAdvanceProcessing(t.active.CurrentState, state.CurrentState) {
		t.logger.Debug("ignoring out-of-order processing state",
			"from", t.active.CurrentState, "to", state.CurrentState)
		return
	}
	if model.StepIndex(state.CurrentState) < 0 {
		t.logger.Debug("unknown processing step", "step", state.CurrentState)
	}
	copyState := state
	t.active = &copyState
	t.notifyLocked()
}

func (t *Tracker) clearIf(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.generation {
		return
	}
	t.active = nil
	t.requirementID = ""
	t.stopGrace = nil
	t.notifyLocked()
}

// Active returns the latest processing state while one is displayed.
func (t *Tracker) Active() (model.ProcessingState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return model.ProcessingState{}, false
	}
	return *t.active, true
}

// HasActiveProcessing reports whether a displayed state is not yet finished.
func (t *Tracker) HasActiveProcessing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != nil && !t.active.Finished()
}

// Polling reports whether a poll loop is running.
func (t *Tracker) Polling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.polling
}

func (t *Tracker) RequirementID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requirementID
}

func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Changed is signalled whenever the tracked state changes.
func (t *Tracker) Changed() <-chan struct{} {
	return t.changed
}

// Clear stops tracking and removes the displayed state.
func (t *Tracker) Clear() {
	t.Stop()
	t.mu.Lock()
	t.active = nil
	t.requirementID = ""
	t.lastErr = nil
	t.notifyLocked()
	t.mu.Unlock()
}

// Stop ends polling and cancels the pending grace clear. Responses that
// arrive afterwards are discarded.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.generation++
	cancel := t.cancel
	done := t.doneChan
	if t.stopGrace != nil {
		t.stopGrace()
		t.stopGrace = nil
	}
	t.cancel = nil
	t.doneChan = nil
	t.polling = false
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// History returns submitted requirements.
func (t *Tracker) History(ctx context.Context) ([]model.Requirement, error) {
	return t.core.RequirementHistory(ctx)
}

func (t *Tracker) notifyLocked() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}
