package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentdash/internal/eventbus"
	"agentdash/internal/liveupdate"
	"agentdash/internal/logging"
	"agentdash/internal/serviceapi"
	"agentdash/internal/telemetry"
)

type Options struct {
	Addr            string
	TickInterval    time.Duration
	LogInterval     time.Duration
	ShutdownTimeout time.Duration
	Bus             eventbus.Config
	Logger          *slog.Logger
	// Registry defaults to a fresh registry with the Go and process
	// collectors.
	Registry *prometheus.Registry
}

// Runtime is the development backend: the REST contract under /api, the
// websocket push channel under /ws, and a simulation worker that keeps the
// in-memory agents and requirements moving.
type Runtime struct {
	opts      Options
	core      *serviceapi.FakeCore
	worker    *SimulationWorker
	bus       *eventbus.Bus
	broker    *liveupdate.EventBroker
	metrics   *telemetry.ServerMetrics
	registry  *prometheus.Registry
	logger    *slog.Logger
	startedAt time.Time
	server    *http.Server
	stopPump  context.CancelFunc
	pumpDone  chan struct{}
}

type HealthResponse struct {
	Status    string         `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	Now       time.Time      `json:"now"`
	Worker    WorkerSnapshot `json:"worker"`
	Bus       HealthBus      `json:"bus"`
	Clients   int            `json:"clients"`
}

type HealthBus struct {
	Backend string `json:"backend"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func NewRuntime(options Options) (*Runtime, error) {
	options = normalizeOptions(options)
	logger := logging.OrDiscard(options.Logger).With("component", "server")
	if options.Bus.Logger == nil {
		options.Bus.Logger = options.Logger
	}
	bus, err := eventbus.New(options.Bus)
	if err != nil {
		return nil, fmt.Errorf("start event bus: %w", err)
	}
	registry := options.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	metrics := telemetry.MustNewServerMetrics(registry)
	core := serviceapi.NewFakeCore(serviceapi.FakeOptions{Sink: bus, Logger: options.Logger})

	runtime := &Runtime{
		opts:      options,
		core:      core,
		worker:    NewSimulationWorker(core, options.TickInterval, options.LogInterval, metrics, options.Logger),
		bus:       bus,
		broker:    liveupdate.NewEventBroker(128),
		metrics:   metrics,
		registry:  registry,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
	runtime.server = &http.Server{
		Addr:              options.Addr,
		Handler:           runtime.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return runtime, nil
}

// Handler returns the full route table. Useful for httptest servers.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	r.registerRoutes(mux)
	mux.HandleFunc("/ws", r.handleLiveUpdates)
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", r.handleNotFound)
	return mux
}

func (r *Runtime) Core() *serviceapi.FakeCore {
	return r.core
}

// Start launches the simulation worker and the bus to websocket pump
// without serving HTTP.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.startEventPump(ctx); err != nil {
		return err
	}
	r.worker.Start(ctx)
	return nil
}

// Stop halts the worker and the pump and releases the bus.
func (r *Runtime) Stop() {
	r.worker.Stop()
	_ = r.worker.Wait(2 * time.Second)
	r.stopEventPump()
	if err := r.bus.Close(); err != nil {
		r.logger.Warn("close event bus", "error", err)
	}
	r.core.Shutdown()
}

func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if err := r.Start(workerCtx); err != nil {
		return err
	}
	defer r.Stop()

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	r.logger.Info("dev backend listening", "addr", r.opts.Addr, "bus", r.bus.Backend())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
	defer cancel()
	return r.server.Shutdown(shutdownCtx)
}

func normalizeOptions(options Options) Options {
	if options.Addr == "" {
		options.Addr = ":8000"
	}
	if options.TickInterval <= 0 {
		options.TickInterval = 2 * time.Second
	}
	if options.LogInterval <= 0 {
		options.LogInterval = 30 * time.Second
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 5 * time.Second
	}
	return options
}

func (r *Runtime) startEventPump(ctx context.Context) error {
	pumpCtx, cancel := context.WithCancel(ctx)
	events, err := r.bus.Subscribe(pumpCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe event bus: %w", err)
	}
	done := make(chan struct{})
	r.stopPump = cancel
	r.pumpDone = done
	go func() {
		defer close(done)
		for event := range events {
			r.broker.Publish(event)
			r.metrics.IncEventBroadcast()
		}
	}()
	return nil
}

func (r *Runtime) stopEventPump() {
	if r.stopPump != nil {
		r.stopPump()
		r.stopPump = nil
	}
	if r.pumpDone != nil {
		select {
		case <-r.pumpDone:
		case <-time.After(2 * time.Second):
			r.logger.Warn("event pump did not stop in time")
		}
		r.pumpDone = nil
	}
	r.broker.Close()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	bus := HealthBus{Backend: r.bus.Backend(), Healthy: true}
	if err := r.bus.Healthy(req.Context()); err != nil {
		bus.Healthy = false
		bus.Error = err.Error()
	}
	response := HealthResponse{
		Status:    "ok",
		StartedAt: r.startedAt,
		Now:       time.Now().UTC(),
		Worker:    r.worker.Snapshot(),
		Bus:       bus,
		Clients:   r.broker.SubscriberCount(),
	}
	statusCode := http.StatusOK
	if !bus.Healthy {
		response.Status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

func (r *Runtime) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeAPIError(w, http.StatusNotFound, "route not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
