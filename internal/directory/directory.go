package directory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
	lru "github.com/hashicorp/golang-lru/v2"

	"agentdash/internal/logging"
	"agentdash/internal/model"
	"agentdash/internal/serviceapi"
	"agentdash/internal/telemetry"
)

const (
	DefaultRefreshInterval = 5 * time.Second
	DefaultStaleAfter      = 30 * time.Second
	DefaultRetryAttempts   = 2
	DefaultRetryDelay      = time.Second
	DefaultCacheSize       = 256
)

type Options struct {
	RefreshInterval time.Duration
	StaleAfter      time.Duration
	// RetryAttempts counts the first try, so 2 means one retry.
	RetryAttempts int
	// RetryDelay defaults to one second; a negative value retries at once.
	RetryDelay time.Duration
	CacheSize  int
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
	Now        func() time.Time
}

// AgentList is a snapshot of the agent list. Stale is set when the most
// recent fetch failed and Agents holds the last data that succeeded.
type AgentList struct {
	Agents     []model.Agent
	FetchedAt  time.Time
	Stale      bool
	RefreshErr error
}

type detailEntry struct {
	agent     model.Agent
	fetchedAt time.Time
	valid     bool
}

// Directory caches the agent list and agent details fetched from a Core and
// keeps them in step with live update events.
type Directory struct {
	core            serviceapi.Core
	refreshInterval time.Duration
	staleAfter      time.Duration
	retryAttempts   int
	retryDelay      time.Duration
	logger          *slog.Logger
	metrics         *telemetry.Metrics
	now             func() time.Time

	mu            sync.Mutex
	list          []model.Agent
	hasList       bool
	listValid     bool
	listFetchedAt time.Time
	listErr       error
	listVersion   uint64
	details       *lru.Cache[string, *detailEntry]
	agentVersions map[string]uint64
	generation    uint64
	changed       chan struct{}

	running  bool
	cancel   context.CancelFunc
	doneChan chan struct{}
}

func New(core serviceapi.Core, options Options) *Directory {
	if options.RefreshInterval <= 0 {
		options.RefreshInterval = DefaultRefreshInterval
	}
	if options.StaleAfter <= 0 {
		options.StaleAfter = DefaultStaleAfter
	}
	if options.RetryAttempts <= 0 {
		options.RetryAttempts = DefaultRetryAttempts
	}
	switch {
	case options.RetryDelay == 0:
		options.RetryDelay = DefaultRetryDelay
	case options.RetryDelay < 0:
		options.RetryDelay = 0
	}
	if options.CacheSize <= 0 {
		options.CacheSize = DefaultCacheSize
	}
	if options.Now == nil {
		options.Now = func() time.Time { return time.Now().UTC() }
	}
	details, err := lru.New[string, *detailEntry](options.CacheSize)
	if err != nil {
		panic(err)
	}
	return &Directory{
		core:            core,
		refreshInterval: options.RefreshInterval,
		staleAfter:      options.StaleAfter,
		retryAttempts:   options.RetryAttempts,
		retryDelay:      options.RetryDelay,
		logger:          logging.OrDiscard(options.Logger).With("component", "directory"),
		metrics:         options.Metrics,
		now:             options.Now,
		details:         details,
		agentVersions:   map[string]uint64{},
		changed:         make(chan struct{}, 1),
	}
}

// Changed is signalled whenever cached agent data changes or is invalidated.
func (d *Directory) Changed() <-chan struct{} {
	return d.changed
}

// ListAgents returns the cached list while it is fresh and fetches it
// otherwise. An error is returned only when no list was ever fetched.
func (d *Directory) ListAgents(ctx context.Context) (AgentList, error) {
	d.mu.Lock()
	if d.listValid && d.now().Sub(d.listFetchedAt) < d.staleAfter {
		out := d.snapshotLocked()
		d.mu.Unlock()
		return out, nil
	}
	d.mu.Unlock()
	return d.refreshList(ctx)
}

// Refresh fetches the list regardless of freshness.
func (d *Directory) Refresh(ctx context.Context) (AgentList, error) {
	return d.refreshList(ctx)
}

func (d *Directory) refreshList(ctx context.Context) (AgentList, error) {
	d.mu.Lock()
	version := d.listVersion
	gen := d.generation
	d.mu.Unlock()

	agents, err := fetchWithRetry(ctx, d, d.core.ListAgents)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.metrics.IncRefreshFailure("agents")
		d.logger.Warn("agent list refresh failed", "error", err)
		if gen != d.generation {
			return AgentList{}, err
		}
		d.listErr = err
		if !d.hasList {
			return AgentList{}, err
		}
		return d.snapshotLocked(), nil
	}

	fetchedAt := d.now()
	if gen != d.generation || version != d.listVersion {
		return AgentList{Agents: cloneAgents(agents), FetchedAt: fetchedAt}, nil
	}
	d.list = cloneAgents(agents)
	d.hasList = true
	d.listValid = true
	d.listFetchedAt = fetchedAt
	d.listErr = nil
	d.notifyLocked()
	return d.snapshotLocked(), nil
}

// GetAgent returns the cached detail for agentID while fresh and fetches it
// otherwise.
func (d *Directory) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	agentID = strings.TrimSpace(agentID)
	d.mu.Lock()
	if entry, ok := d.details.Get(agentID); ok && entry.valid && d.now().Sub(entry.fetchedAt) < d.staleAfter {
		agent := entry.agent.Clone()
		d.mu.Unlock()
		return agent, nil
	}
	version := d.agentVersions[agentID]
	gen := d.generation
	d.mu.Unlock()

	agent, err := fetchWithRetry(ctx, d, func(ctx context.Context) (model.Agent, error) {
		return d.core.GetAgent(ctx, agentID)
	})
	if err != nil {
		d.metrics.IncRefreshFailure("agent")
		d.logger.Warn("agent detail fetch failed", "agent_id", agentID, "error", err)
		return model.Agent{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if gen == d.generation && version == d.agentVersions[agentID] {
		d.details.Add(agentID, &detailEntry{agent: agent.Clone(), fetchedAt: d.now(), valid: true})
		d.notifyLocked()
	}
	return agent, nil
}

// TriggerAction sends an action to an agent. On success the agent and the
// list are invalidated so the next read refetches.
func (d *Directory) TriggerAction(ctx context.Context, agentID string, action string, params map[string]any) (model.ActionResult, error) {
	result, err := d.core.TriggerAction(ctx, agentID, model.AgentAction{Action: action, Params: params})
	if err != nil {
		d.logger.Warn("agent action failed", "agent_id", agentID, "action", action, "error", err)
		return model.ActionResult{}, err
	}
	d.mu.Lock()
	d.invalidateLocked(strings.TrimSpace(agentID))
	d.mu.Unlock()
	return result, nil
}

// HandleEvent invalidates the event's agent and the list, and merges the
// embedded update into the cached copies so they stay displayable until the
// refetch lands.
func (d *Directory) HandleEvent(event model.LiveUpdateEvent) {
	if err := event.Validate(); err != nil {
		d.logger.Debug("ignoring invalid event", "error", err)
		return
	}
	if !event.InvalidatesAgent() {
		return
	}
	agentID := strings.TrimSpace(event.AgentID)

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.list {
		if d.list[i].ID == agentID {
			d.list[i].MergeUpdate(event.Data)
		}
	}
	if entry, ok := d.details.Peek(agentID); ok {
		entry.agent.MergeUpdate(event.Data)
	}
	d.invalidateLocked(agentID)
}

// Watch applies events until ctx is done or events is closed.
func (d *Directory) Watch(ctx context.Context, events <-chan model.LiveUpdateEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			d.HandleEvent(event)
		}
	}
}

// Start refreshes the list immediately and then every refresh interval until
// Stop is called or ctx is done.
func (d *Directory) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.doneChan = make(chan struct{})
	done := d.doneChan
	d.mu.Unlock()

	go func() {
		defer close(done)
		d.loop(loopCtx)
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()
}

// Stop ends the refresh loop and waits for it. Fetches still in flight are
// discarded when they complete.
func (d *Directory) Stop() {
	d.mu.Lock()
	d.generation++
	cancel := d.cancel
	done := d.doneChan
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (d *Directory) loop(ctx context.Context) {
	ticker := time.NewTicker(d.refreshInterval)
	defer ticker.Stop()

	_, _ = d.refreshList(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = d.refreshList(ctx)
		}
	}
}

func (d *Directory) invalidateLocked(agentID string) {
	d.listValid = false
	d.listVersion++
	if agentID != "" {
		d.agentVersions[agentID]++
		if entry, ok := d.details.Peek(agentID); ok {
			entry.valid = false
		}
	}
	d.notifyLocked()
}

func (d *Directory) notifyLocked() {
	select {
	case d.changed <- struct{}{}:
	default:
	}
}

func (d *Directory) snapshotLocked() AgentList {
	return AgentList{
		Agents:     cloneAgents(d.list),
		FetchedAt:  d.listFetchedAt,
		Stale:      d.listErr != nil,
		RefreshErr: d.listErr,
	}
}

func cloneAgents(agents []model.Agent) []model.Agent {
	out := make([]model.Agent, len(agents))
	for i, agent := range agents {
		out[i] = agent.Clone()
	}
	return out
}

// fetchWithRetry runs fetch up to d.retryAttempts times with d.retryDelay
// between tries. Client errors (4xx) are not retried.
func fetchWithRetry[T any](ctx context.Context, d *Directory, fetch func(context.Context) (T, error)) (T, error) {
	var (
		out     T
		calls   int
		lastErr error
	)
	err := retry.Retry(func(uint) error {
		calls++
		value, err := fetch(ctx)
		if err != nil {
			lastErr = err
			return err
		}
		out = value
		return nil
	}, d.retryStrategy(ctx, &calls, &lastErr))
	return out, err
}

func (d *Directory) retryStrategy(ctx context.Context, calls *int, lastErr *error) strategy.Strategy {
	return func(uint) bool {
		if *calls == 0 {
			return true
		}
		if *calls >= d.retryAttempts || ctx.Err() != nil {
			return false
		}
		if status := serviceapi.StatusOf(*lastErr); status >= 400 && status < 500 {
			return false
		}
		if d.retryDelay <= 0 {
			return true
		}
		timer := time.NewTimer(d.retryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		}
	}
}
