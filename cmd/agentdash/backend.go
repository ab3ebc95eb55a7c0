package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"agentdash/internal/directory"
	"agentdash/internal/liveupdate"
	"agentdash/internal/logging"
	"agentdash/internal/model"
	"agentdash/internal/policy"
	"agentdash/internal/requirement"
	"agentdash/internal/server"
	"agentdash/internal/serviceapi"
	"agentdash/internal/telemetry"
)

const backendLayerSlug = "backend"

type backendSettings struct {
	PolicyPath   string `glazed.parameter:"policy"`
	Fake         bool   `glazed.parameter:"fake"`
	BaseURL      string `glazed.parameter:"base-url"`
	WebSocketURL string `glazed.parameter:"ws-url"`
	LogLevel     string `glazed.parameter:"log-level"`
	LogFormat    string `glazed.parameter:"log-format"`
}

func newBackendLayer() (layers.ParameterLayer, error) {
	layer, err := layers.NewParameterLayer(backendLayerSlug, "Backend selection")
	if err != nil {
		return nil, err
	}
	layer.AddFlags(
		parameters.NewParameterDefinition(
			"policy",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to policy file (defaults to "+policy.DefaultPolicyPath+")"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"fake",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Use the in-memory backend with simulated agents instead of the REST API"),
			parameters.WithDefault(false),
		),
		parameters.NewParameterDefinition(
			"base-url",
			parameters.ParameterTypeString,
			parameters.WithHelp("REST base URL (overrides policy api.base_url)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"ws-url",
			parameters.ParameterTypeString,
			parameters.WithHelp("Live update websocket URL (overrides policy api.websocket_url)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"log-level",
			parameters.ParameterTypeString,
			parameters.WithHelp("debug|info|warn|error (overrides policy log.level)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"log-format",
			parameters.ParameterTypeString,
			parameters.WithHelp("text|json (overrides policy log.format)"),
			parameters.WithDefault(""),
		),
	)
	return layer, nil
}

func newBackendCommandDescription(name string, short string, long string, flags ...*parameters.ParameterDefinition) (*cmds.CommandDescription, error) {
	backendLayer, err := newBackendLayer()
	if err != nil {
		return nil, err
	}
	options := []cmds.CommandDescriptionOption{
		cmds.WithShort(short),
		cmds.WithLayersList(backendLayer),
	}
	if strings.TrimSpace(long) != "" {
		options = append(options, cmds.WithLong(long))
	}
	if len(flags) > 0 {
		options = append(options, cmds.WithFlags(flags...))
	}
	return cmds.NewCommandDescription(name, options...), nil
}

// backend is the resolved configuration plus the Core every command talks
// to. With --fake the Core is an in-memory FakeCore whose events go to a
// local broker instead of a websocket.
type backend struct {
	cfg     policy.Config
	logger  *slog.Logger
	core    serviceapi.Core
	fake    *serviceapi.FakeCore
	events  *liveupdate.EventBroker
	worker  *server.SimulationWorker
	metrics *telemetry.Metrics
}

type brokerSink struct {
	broker *liveupdate.EventBroker
}

func (s brokerSink) Publish(event model.LiveUpdateEvent) error {
	s.broker.Publish(event)
	return nil
}

func openBackend(parsedLayers *layers.ParsedLayers, logOutput io.Writer) (*backend, error) {
	settings := &backendSettings{}
	if err := parsedLayers.InitializeStruct(backendLayerSlug, settings); err != nil {
		return nil, err
	}
	cfg, _, err := policy.Load(settings.PolicyPath)
	if err != nil {
		return nil, err
	}
	applyBackendOverrides(&cfg, settings)
	if err := policy.Validate(cfg); err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: logOutput})

	b := &backend{cfg: cfg, logger: logger}
	if settings.Fake {
		b.events = liveupdate.NewEventBroker(64)
		b.fake = serviceapi.NewFakeCore(serviceapi.FakeOptions{Sink: brokerSink{broker: b.events}, Logger: logger})
		b.worker = server.NewSimulationWorker(b.fake, 2*time.Second, time.Minute, nil, logger)
		b.core = b.fake
		return b, nil
	}
	b.core = serviceapi.NewRemoteCore(cfg.API.BaseURL, cfg.RequestTimeout())
	return b, nil
}

func applyBackendOverrides(cfg *policy.Config, settings *backendSettings) {
	if value := strings.TrimSpace(settings.BaseURL); value != "" {
		cfg.API.BaseURL = value
	}
	if value := strings.TrimSpace(settings.WebSocketURL); value != "" {
		cfg.API.WebSocketURL = value
	}
	if value := strings.TrimSpace(settings.LogLevel); value != "" {
		cfg.Log.Level = value
	}
	if value := strings.TrimSpace(settings.LogFormat); value != "" {
		cfg.Log.Format = value
	}
}

// startSimulation ticks the fake backend until ctx is done. It is a no-op
// against a real backend.
func (b *backend) startSimulation(ctx context.Context) {
	if b.worker != nil {
		b.worker.Start(ctx)
	}
}

func (b *backend) Close() {
	if b.worker != nil {
		b.worker.Stop()
		_ = b.worker.Wait(time.Second)
	}
	if b.events != nil {
		b.events.Close()
	}
	b.core.Shutdown()
}

func (b *backend) newDirectory() *directory.Directory {
	return directory.New(b.core, directory.Options{
		RefreshInterval: b.cfg.AgentRefreshInterval(),
		StaleAfter:      policy.Millis(b.cfg.Agents.StaleAfterMS),
		RetryAttempts:   b.cfg.Agents.RetryAttempts,
		RetryDelay:      policy.Millis(b.cfg.Agents.RetryDelayMS),
		CacheSize:       b.cfg.Agents.DetailCacheSize,
		Logger:          b.logger,
		Metrics:         b.metrics,
	})
}

func (b *backend) newTracker() *requirement.Tracker {
	grace := policy.Millis(b.cfg.Requirements.CompletionGraceMS)
	if grace == 0 {
		grace = -1
	}
	return requirement.NewTracker(b.core, requirement.TrackerOptions{
		PollInterval:    policy.Millis(b.cfg.Requirements.PollIntervalMS),
		CompletionGrace: grace,
		Timeout:         b.cfg.PollTimeout(),
		Logger:          b.logger,
		Metrics:         b.metrics,
	})
}

// newChannel returns nil with --fake; fake events are read from the local
// broker instead.
func (b *backend) newChannel() *liveupdate.Channel {
	if b.fake != nil {
		return nil
	}
	return liveupdate.NewChannel(liveupdate.Options{
		URL: b.cfg.API.WebSocketURL,
		Policy: liveupdate.ReconnectPolicy{
			BaseDelay:   policy.Millis(b.cfg.LiveUpdates.BaseDelayMS),
			MaxDelay:    policy.Millis(b.cfg.LiveUpdates.MaxDelayMS),
			MaxAttempts: b.cfg.LiveUpdates.MaxAttempts,
		},
		Logger:  b.logger,
		Metrics: b.metrics,
	})
}

// liveHandlers feeds channel events into dir and refetches the agent list
// after every (re)connect, since events sent while disconnected are lost.
func (b *backend) liveHandlers(ctx context.Context, dir *directory.Directory) liveupdate.Handlers {
	return liveupdate.Handlers{
		OnMessage: dir.HandleEvent,
		OnConnect: func() {
			go func() {
				if _, err := dir.Refresh(ctx); err != nil {
					b.logger.Warn("refresh after connect failed", "error", err)
				}
			}()
		},
		OnDisconnect: func(err error) {
			b.logger.Info("live updates disconnected", "error", err)
		},
	}
}
