package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"gopkg.in/yaml.v3"

	"agentdash/internal/clarify"
	"agentdash/internal/model"
	"agentdash/internal/presentation"
	"agentdash/internal/requirement"
)

type submitGlazedCommand struct {
	*cmds.CommandDescription
}

type submitSettings struct {
	Message string   `glazed.parameter:"message"`
	Files   []string `glazed.parameter:"file"`
	Wait    bool     `glazed.parameter:"wait"`
}

func newSubmitGlazedCommand() (*submitGlazedCommand, error) {
	desc, err := newBackendCommandDescription(
		"submit",
		"Submit a requirement",
		"Send a requirement to the agents. Text alone becomes a tracked requirement; attachments go through the chat endpoint.",
		parameters.NewParameterDefinition(
			"message",
			parameters.ParameterTypeString,
			parameters.WithHelp("Requirement text"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"file",
			parameters.ParameterTypeStringList,
			parameters.WithHelp("PDF or image to attach (repeatable)"),
			parameters.WithDefault([]string{}),
		),
		parameters.NewParameterDefinition(
			"wait",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Follow processing until the requirement completes"),
			parameters.WithDefault(false),
		),
	)
	if err != nil {
		return nil, err
	}
	return &submitGlazedCommand{CommandDescription: desc}, nil
}

func (c *submitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &submitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	b, err := openBackend(parsedLayers, os.Stderr)
	if err != nil {
		return err
	}
	defer b.Close()
	b.startSimulation(ctx)

	tracker := b.newTracker()
	defer tracker.Stop()
	form := requirement.NewForm(b.core, requirement.FormOptions{Tracker: tracker, Logger: b.logger})
	form.SetInput(settings.Message)
	for _, path := range settings.Files {
		attachment, err := requirement.LoadAttachment(strings.TrimSpace(path))
		if err != nil {
			return err
		}
		if form.Attach(attachment) == 0 {
			fmt.Fprintf(os.Stderr, "skipping %s: %s is not a PDF or image\n", attachment.Name, attachment.ContentType)
		}
	}
	if strings.TrimSpace(form.Input()) == "" && len(form.Files()) == 0 {
		return fmt.Errorf("--message or --file is required")
	}

	result, err := form.Submit(ctx)
	if err != nil {
		return err
	}
	if result.Receipt != nil {
		fmt.Printf("Message %s received (%s) with %d file(s)\n", result.Receipt.ID, result.Receipt.Status, len(result.Receipt.Files))
		return nil
	}
	if result.Requirement == nil {
		return nil
	}
	fmt.Printf("Requirement %s submitted\n", result.Requirement.ID)
	if !settings.Wait {
		return nil
	}
	state, err := waitForProcessing(ctx, tracker, os.Stdout)
	if err != nil {
		return err
	}
	if state.Finished() {
		fmt.Println("Processing complete")
	}
	return nil
}

var _ cmds.BareCommand = &submitGlazedCommand{}

// waitForProcessing prints each new processing state until the tracker stops
// polling and returns the last state seen.
func waitForProcessing(ctx context.Context, tracker *requirement.Tracker, out io.Writer) (model.ProcessingState, error) {
	var last model.ProcessingState
	seen := false
	report := func() {
		state, ok := tracker.Active()
		if !ok {
			return
		}
		if seen && state.CurrentState == last.CurrentState && state.Progress == last.Progress && state.Message == last.Message {
			return
		}
		last, seen = state, true
		name := string(state.CurrentState)
		if info, ok := model.StepInfo(state.CurrentState); ok {
			name = info.Name
		}
		fmt.Fprintf(out, "[%3d%%] %s: %s\n", state.Progress, name, state.Message)
	}

	for {
		report()
		if !tracker.Polling() {
			report()
			return last, tracker.LastError()
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-tracker.Changed():
		}
	}
}

type historyGlazedCommand struct {
	*cmds.CommandDescription
}

type historySettings struct {
	Limit int `glazed.parameter:"limit"`
}

func newHistoryGlazedCommand() (*historyGlazedCommand, error) {
	desc, err := newBackendCommandDescription(
		"history",
		"List submitted requirements",
		"",
		parameters.NewParameterDefinition(
			"limit",
			parameters.ParameterTypeInteger,
			parameters.WithHelp("Show at most this many requirements (0 for all)"),
			parameters.WithDefault(20),
		),
	)
	if err != nil {
		return nil, err
	}
	return &historyGlazedCommand{CommandDescription: desc}, nil
}

func (c *historyGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &historySettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	b, err := openBackend(parsedLayers, os.Stderr)
	if err != nil {
		return err
	}
	defer b.Close()

	history, err := b.core.RequirementHistory(ctx)
	if err != nil {
		return err
	}
	printHistory(os.Stdout, history, settings.Limit, time.Now())
	return nil
}

var _ cmds.BareCommand = &historyGlazedCommand{}

func printHistory(out io.Writer, history []model.Requirement, limit int, now time.Time) {
	if len(history) == 0 {
		fmt.Fprintln(out, "No requirements submitted yet.")
		return
	}
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	for _, item := range history {
		fmt.Fprintf(out, "%-28s %-10s %-14s %s\n",
			item.ID,
			item.Status,
			presentation.RelativeTime(item.Timestamp, now),
			strings.Join(strings.Fields(item.Message), " "),
		)
	}
}

type clarifyGlazedCommand struct {
	*cmds.CommandDescription
}

type clarifySettings struct {
	Questions     []string `glazed.parameter:"question"`
	QuestionsFile string   `glazed.parameter:"questions-file"`
	PageSize      int      `glazed.parameter:"page-size"`
	Submit        bool     `glazed.parameter:"submit"`
}

func newClarifyGlazedCommand() (*clarifyGlazedCommand, error) {
	desc, err := newBackendCommandDescription(
		"clarify",
		"Answer clarification questions",
		"Walk a paged questionnaire, review the answers and send them as one chat message. "+
			"Without a terminal, answers are read one per line from stdin and printed unless --submit is set.",
		parameters.NewParameterDefinition(
			"question",
			parameters.ParameterTypeStringList,
			parameters.WithHelp("Question to ask (repeatable)"),
			parameters.WithDefault([]string{}),
		),
		parameters.NewParameterDefinition(
			"questions-file",
			parameters.ParameterTypeString,
			parameters.WithHelp("YAML list of questions, or one question per line"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"page-size",
			parameters.ParameterTypeInteger,
			parameters.WithHelp("Questions per page (0 uses policy clarification.page_size)"),
			parameters.WithDefault(0),
		),
		parameters.NewParameterDefinition(
			"submit",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Submit non-interactive answers instead of printing them"),
			parameters.WithDefault(false),
		),
	)
	if err != nil {
		return nil, err
	}
	return &clarifyGlazedCommand{CommandDescription: desc}, nil
}

func (c *clarifyGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &clarifySettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	questions := normalizeQuestions(settings.Questions)
	if path := strings.TrimSpace(settings.QuestionsFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read questions %s: %w", path, err)
		}
		fromFile, err := parseQuestions(data)
		if err != nil {
			return fmt.Errorf("parse questions %s: %w", path, err)
		}
		questions = append(questions, fromFile...)
	}

	b, err := openBackend(parsedLayers, os.Stderr)
	if err != nil {
		return err
	}
	defer b.Close()

	pageSize := settings.PageSize
	if pageSize <= 0 {
		pageSize = b.cfg.Clarification.PageSize
	}
	var receipt model.ChatReceipt
	flow, err := clarify.NewFlow(questions, pageSize, func(ctx context.Context, submission model.ClarificationSubmission) error {
		var submitErr error
		receipt, submitErr = b.core.SubmitChat(ctx, submission.Transcript(), nil)
		return submitErr
	})
	if err != nil {
		return err
	}
	defer flow.Close()

	interactive := isInteractiveStdin()
	stdin := bufio.NewReader(os.Stdin)
	err = collectClarificationAnswers(stdin, os.Stdout, interactive, flow)
	if err == nil && !interactive && !settings.Submit {
		fmt.Print(flow.Submission().Transcript())
		return nil
	}
	if err == nil {
		err = submitClarification(ctx, stdin, os.Stdout, os.Stderr, interactive, flow)
	}
	if errors.Is(err, errClarificationAborted) {
		fmt.Println("Clarification discarded.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Answers sent as message %s\n", receipt.ID)
	return nil
}

var _ cmds.BareCommand = &clarifyGlazedCommand{}

// parseQuestions accepts a YAML sequence of strings or plain text with one
// question per line.
func parseQuestions(data []byte) ([]string, error) {
	var list []string
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return normalizeQuestions(list), nil
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	if strings.HasPrefix(text, "-") || strings.HasPrefix(text, "[") {
		if err := yaml.Unmarshal(data, &list); err != nil {
			return nil, err
		}
		return normalizeQuestions(list), nil
	}
	return normalizeQuestions(strings.Split(text, "\n")), nil
}

func normalizeQuestions(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}
