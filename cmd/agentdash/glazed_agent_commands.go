package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"agentdash/internal/model"
	"agentdash/internal/presentation"
)

type agentsGlazedCommand struct {
	*cmds.CommandDescription
}

func newAgentsGlazedCommand() (*agentsGlazedCommand, error) {
	desc, err := newBackendCommandDescription(
		"agents",
		"List agents",
		"Print every agent with its status, current task and latest update.",
	)
	if err != nil {
		return nil, err
	}
	return &agentsGlazedCommand{CommandDescription: desc}, nil
}

func (c *agentsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	b, err := openBackend(parsedLayers, os.Stderr)
	if err != nil {
		return err
	}
	defer b.Close()

	list, err := b.newDirectory().ListAgents(ctx)
	if err != nil {
		return err
	}
	printAgentList(os.Stdout, list.Agents, time.Now())
	return nil
}

var _ cmds.BareCommand = &agentsGlazedCommand{}

type agentGlazedCommand struct {
	*cmds.CommandDescription
}

type agentSettings struct {
	ID string `glazed.parameter:"id"`
}

func newAgentGlazedCommand() (*agentGlazedCommand, error) {
	desc, err := newBackendCommandDescription(
		"agent",
		"Show one agent",
		"Print an agent card and its full update log.",
		parameters.NewParameterDefinition(
			"id",
			parameters.ParameterTypeString,
			parameters.WithHelp("Agent identifier"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &agentGlazedCommand{CommandDescription: desc}, nil
}

func (c *agentGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &agentSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	agentID := strings.TrimSpace(settings.ID)
	if agentID == "" {
		return fmt.Errorf("--id is required")
	}
	b, err := openBackend(parsedLayers, os.Stderr)
	if err != nil {
		return err
	}
	defer b.Close()

	agent, err := b.newDirectory().GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	now := time.Now()
	fmt.Println(presentation.AgentCard(agent, false, now))
	if len(agent.Updates) == 0 {
		fmt.Println("Updates: none")
		return nil
	}
	fmt.Println("Updates:")
	for _, update := range agent.Updates {
		progress := ""
		if update.Progress != nil {
			progress = fmt.Sprintf(" %d%%", *update.Progress)
		}
		fmt.Printf("  - %s [%s]%s %s\n", presentation.RelativeTime(update.Timestamp, now), update.Status, progress, update.Message)
	}
	return nil
}

var _ cmds.BareCommand = &agentGlazedCommand{}

type actionGlazedCommand struct {
	*cmds.CommandDescription
}

type actionSettings struct {
	ID     string `glazed.parameter:"id"`
	Action string `glazed.parameter:"action"`
	Task   string `glazed.parameter:"task"`
}

func newActionGlazedCommand() (*actionGlazedCommand, error) {
	desc, err := newBackendCommandDescription(
		"action",
		"Send a control action to an agent",
		"Trigger start, stop, restart or any backend-specific action on an agent.",
		parameters.NewParameterDefinition(
			"id",
			parameters.ParameterTypeString,
			parameters.WithHelp("Agent identifier"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"action",
			parameters.ParameterTypeString,
			parameters.WithHelp("Action name: start|stop|restart|..."),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"task",
			parameters.ParameterTypeString,
			parameters.WithHelp("Optional task description passed as params.task"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &actionGlazedCommand{CommandDescription: desc}, nil
}

func (c *actionGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &actionSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	agentID := strings.TrimSpace(settings.ID)
	action := strings.TrimSpace(settings.Action)
	if agentID == "" || action == "" {
		return fmt.Errorf("--id and --action are required")
	}
	var params map[string]any
	if task := strings.TrimSpace(settings.Task); task != "" {
		params = map[string]any{"task": task}
	}

	b, err := openBackend(parsedLayers, os.Stderr)
	if err != nil {
		return err
	}
	defer b.Close()

	dir := b.newDirectory()
	result, err := dir.TriggerAction(ctx, agentID, action, params)
	if err != nil {
		return err
	}
	fmt.Println(result.Message)
	agent, err := dir.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	fmt.Printf("%s is now %s\n", agent.Name, agent.Status)
	return nil
}

var _ cmds.BareCommand = &actionGlazedCommand{}

func printAgentList(out io.Writer, agents []model.Agent, now time.Time) {
	if len(agents) == 0 {
		fmt.Fprintln(out, "No agents.")
		return
	}
	for _, agent := range agents {
		fmt.Fprintf(out, "%s %-10s %-16s %-8s seen=%s",
			presentation.StatusIcon(agent.Status),
			agent.ID,
			agent.Name,
			agent.Status,
			presentation.RelativeTime(agent.LastSeen, now),
		)
		if task := strings.TrimSpace(agent.CurrentTask); task != "" {
			fmt.Fprintf(out, " task=%q", task)
		}
		if update, ok := agent.LatestUpdate(); ok {
			fmt.Fprintf(out, " last=%q", update.Message)
		}
		fmt.Fprintln(out)
	}
}
