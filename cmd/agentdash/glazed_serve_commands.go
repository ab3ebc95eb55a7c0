package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentdash/internal/eventbus"
	"agentdash/internal/logging"
	"agentdash/internal/policy"
	"agentdash/internal/presentation"
	"agentdash/internal/requirement"
	"agentdash/internal/server"
	"agentdash/internal/telemetry"
)

type policyInitGlazedCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitGlazedCommand() (*policyInitGlazedCommand, error) {
	return &policyInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithLong("Create a default agentdash policy file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitGlazedCommand{}

type serveGlazedCommand struct {
	*cmds.CommandDescription
}

type serveSettings struct {
	PolicyPath      string `glazed.parameter:"policy"`
	Addr            string `glazed.parameter:"addr"`
	TickInterval    string `glazed.parameter:"tick-interval"`
	ShutdownTimeout string `glazed.parameter:"shutdown-timeout"`
	RedisURL        string `glazed.parameter:"redis-url"`
	LogLevel        string `glazed.parameter:"log-level"`
}

func newServeGlazedCommand() (*serveGlazedCommand, error) {
	return &serveGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run the development backend"),
			cmds.WithLong("Serve the agent REST API, the live update websocket and Prometheus metrics backed by simulated agents."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to "+policy.DefaultPolicyPath+")"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"addr",
					parameters.ParameterTypeString,
					parameters.WithHelp("HTTP listen address"),
					parameters.WithDefault(":8000"),
				),
				parameters.NewParameterDefinition(
					"tick-interval",
					parameters.ParameterTypeString,
					parameters.WithHelp("Simulation tick interval"),
					parameters.WithDefault("2s"),
				),
				parameters.NewParameterDefinition(
					"shutdown-timeout",
					parameters.ParameterTypeString,
					parameters.WithHelp("Graceful shutdown timeout"),
					parameters.WithDefault("5s"),
				),
				parameters.NewParameterDefinition(
					"redis-url",
					parameters.ParameterTypeString,
					parameters.WithHelp("Redis URL for the event bus (overrides policy bus.redis_url)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"log-level",
					parameters.ParameterTypeString,
					parameters.WithHelp("debug|info|warn|error (overrides policy log.level)"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func parseDurationSetting(flagName string, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid --%s duration %q: %w", flagName, value, err)
	}
	return duration, nil
}

func (c *serveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &serveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	tickInterval, err := parseDurationSetting("tick-interval", settings.TickInterval)
	if err != nil {
		return err
	}
	shutdownTimeout, err := parseDurationSetting("shutdown-timeout", settings.ShutdownTimeout)
	if err != nil {
		return err
	}

	cfg, _, err := policy.Load(settings.PolicyPath)
	if err != nil {
		return err
	}
	if value := strings.TrimSpace(settings.RedisURL); value != "" {
		cfg.Bus.RedisURL = value
	}
	if value := strings.TrimSpace(settings.LogLevel); value != "" {
		cfg.Log.Level = value
	}
	if err := policy.Validate(cfg); err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})

	runtime, err := server.NewRuntime(server.Options{
		Addr:            settings.Addr,
		TickInterval:    tickInterval,
		ShutdownTimeout: shutdownTimeout,
		Bus: eventbus.Config{
			RedisURL:      cfg.Bus.RedisURL,
			Topic:         cfg.Bus.Topic,
			ConsumerGroup: cfg.Bus.ConsumerGroup,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	fmt.Printf("agentdash dev backend listening on %s\n", settings.Addr)
	return runtime.Run(ctx)
}

var _ cmds.BareCommand = &serveGlazedCommand{}

type watchGlazedCommand struct {
	*cmds.CommandDescription
}

type watchSettings struct {
	MetricsAddr string `glazed.parameter:"metrics-addr"`
	LogFile     string `glazed.parameter:"log-file"`
}

func newWatchGlazedCommand() (*watchGlazedCommand, error) {
	desc, err := newBackendCommandDescription(
		"watch",
		"Open the live agent dashboard",
		"Full-screen dashboard: agent cards with live updates, control actions, requirement submission and processing progress.",
		parameters.NewParameterDefinition(
			"metrics-addr",
			parameters.ParameterTypeString,
			parameters.WithHelp("Expose client metrics on this address (disabled when empty)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"log-file",
			parameters.ParameterTypeString,
			parameters.WithHelp("Write logs to this file instead of discarding them"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &watchGlazedCommand{CommandDescription: desc}, nil
}

func (c *watchGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &watchSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	var logOutput io.Writer = io.Discard
	if path := strings.TrimSpace(settings.LogFile); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", path, err)
		}
		defer file.Close()
		logOutput = file
	}

	b, err := openBackend(parsedLayers, logOutput)
	if err != nil {
		return err
	}
	defer b.Close()

	if addr := strings.TrimSpace(settings.MetricsAddr); addr != "" {
		registry := prometheus.NewRegistry()
		b.metrics = telemetry.MustNewMetrics(registry)
		metricsServer := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Warn("metrics server stopped", "error", err)
			}
		}()
		defer metricsServer.Close()
	}

	dir := b.newDirectory()
	dir.Start(ctx)
	defer dir.Stop()

	channel := b.newChannel()
	handlers := b.liveHandlers(ctx, dir)
	if channel != nil {
		channel.Connect(handlers)
		defer channel.Close()
	} else {
		events, unsubscribe := b.events.Subscribe("")
		defer unsubscribe()
		go dir.Watch(ctx, events)
		b.startSimulation(ctx)
	}

	tracker := b.newTracker()
	defer tracker.Stop()
	form := requirement.NewForm(b.core, requirement.FormOptions{Tracker: tracker, Logger: b.logger})

	return presentation.Run(presentation.Deps{
		Ctx:            ctx,
		Directory:      dir,
		Channel:        channel,
		Handlers:       handlers,
		Tracker:        tracker,
		Form:           form,
		HistoryRefresh: policy.Millis(b.cfg.Requirements.HistoryRefreshMS),
	})
}

var _ cmds.BareCommand = &watchGlazedCommand{}
