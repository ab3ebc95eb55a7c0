package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agentdash/internal/logging"
	"agentdash/internal/telemetry"
)

// Simulation is what the worker drives each tick. Tick returns how many
// requirements or agents changed.
type Simulation interface {
	Tick() int
}

type WorkerSnapshot struct {
	Running        bool       `json:"running"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastTickAt     *time.Time `json:"last_tick_at,omitempty"`
	LastChangeAt   *time.Time `json:"last_change_at,omitempty"`
	TotalTicks     int64      `json:"total_ticks"`
	TotalChanges   int64      `json:"total_changes"`
	IdleTicks      int64      `json:"idle_ticks"`
	TickIntervalMS int64      `json:"tick_interval_ms"`
}

// SimulationWorker ticks the fake backend on an interval so processing
// states advance and busy agents report progress.
type SimulationWorker struct {
	sim         Simulation
	interval    time.Duration
	logInterval time.Duration
	metrics     *telemetry.ServerMetrics
	logger      *slog.Logger

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	doneChan chan struct{}
	snapshot WorkerSnapshot
}

func NewSimulationWorker(sim Simulation, interval time.Duration, logInterval time.Duration, metrics *telemetry.ServerMetrics, logger *slog.Logger) *SimulationWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logInterval <= 0 {
		logInterval = 30 * time.Second
	}
	return &SimulationWorker{
		sim:         sim,
		interval:    interval,
		logInterval: logInterval,
		metrics:     metrics,
		logger:      logging.OrDiscard(logger).With("component", "simulation"),
		snapshot:    WorkerSnapshot{TickIntervalMS: interval.Milliseconds()},
	}
}

func (w *SimulationWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.snapshot.Running = true
	w.snapshot.StartedAt = timePtr(time.Now().UTC())
	w.doneChan = make(chan struct{})
	done := w.doneChan
	w.mu.Unlock()

	go func() {
		defer close(done)
		w.loop(loopCtx)
		w.mu.Lock()
		w.running = false
		w.snapshot.Running = false
		w.mu.Unlock()
	}()
}

func (w *SimulationWorker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the loop exits or timeout passes. A zero timeout waits
// forever.
func (w *SimulationWorker) Wait(timeout time.Duration) bool {
	w.mu.RLock()
	done := w.doneChan
	w.mu.RUnlock()
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (w *SimulationWorker) Snapshot() WorkerSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := w.snapshot
	out.StartedAt = cloneTimePtr(w.snapshot.StartedAt)
	out.LastTickAt = cloneTimePtr(w.snapshot.LastTickAt)
	out.LastChangeAt = cloneTimePtr(w.snapshot.LastChangeAt)
	return out
}

func (w *SimulationWorker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	logTicker := time.NewTicker(w.logInterval)
	defer logTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runIteration()
		case <-logTicker.C:
			w.logSnapshot()
		}
	}
}

func (w *SimulationWorker) runIteration() {
	if w.sim == nil {
		return
	}
	now := time.Now().UTC()
	changed := w.sim.Tick()
	w.metrics.IncSimulationTick()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapshot.LastTickAt = timePtr(now)
	w.snapshot.TotalTicks++
	if changed > 0 {
		w.snapshot.TotalChanges += int64(changed)
		w.snapshot.LastChangeAt = timePtr(now)
	} else {
		w.snapshot.IdleTicks++
	}
}

func (w *SimulationWorker) logSnapshot() {
	snapshot := w.Snapshot()
	w.logger.Info("simulation worker",
		"ticks", snapshot.TotalTicks,
		"changes", snapshot.TotalChanges,
		"idle_ticks", snapshot.IdleTicks,
	)
}

func timePtr(value time.Time) *time.Time {
	clone := value
	return &clone
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}
