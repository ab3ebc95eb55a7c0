package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"agentdash/internal/clarify"
	"agentdash/internal/presentation"
)

var errClarificationAborted = errors.New("clarification aborted")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := executeCLI(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func isInteractiveStdin() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// collectClarificationAnswers walks the flow page by page reading one answer
// per line; a blank line leaves a question unanswered. Interactive sessions
// then review the summary and may edit answers before confirming. The flow is
// left on its summary, ready to submit.
func collectClarificationAnswers(in io.Reader, out io.Writer, interactive bool, flow *clarify.Flow) error {
	reader := bufferedReader(in)
	exhausted := false

	for page := 0; page < flow.TotalPages() && !exhausted; page++ {
		if err := flow.GoToPage(page); err != nil {
			return err
		}
		view := flow.View()
		if interactive {
			fmt.Fprintln(out, presentation.ClarificationPage(view))
		}
		for _, question := range view.Questions {
			if interactive {
				fmt.Fprintf(out, "%d> ", question.Index+1)
			}
			line, eof, err := readAnswer(reader)
			if err != nil {
				return err
			}
			if line != "" {
				if err := flow.Answer(question.Index, line); err != nil {
					return err
				}
			}
			if eof {
				exhausted = true
				break
			}
		}
	}
	if err := flow.ShowSummary(); err != nil {
		return err
	}
	if !interactive {
		return nil
	}
	_, err := reviewClarification(reader, out, flow, "submit")
	return err
}

// reviewClarification shows the summary until the user confirms or quits.
// confirm names the action that ends the review. The bool reports input
// ending without a choice.
func reviewClarification(reader *bufio.Reader, out io.Writer, flow *clarify.Flow, confirm string) (bool, error) {
	for {
		fmt.Fprintln(out, presentation.ClarificationSummary(flow.View()))
		fmt.Fprintf(out, "%s, edit N, or quit? ", confirm)
		line, eof, err := readAnswer(reader)
		if err != nil {
			return false, err
		}
		command := strings.Fields(strings.ToLower(line))
		switch {
		case len(command) == 0 && eof:
			return true, nil
		case len(command) == 0, command[0] == confirm, command[0] == confirm[:1]:
			return false, nil
		case command[0] == "quit", command[0] == "q":
			return false, errClarificationAborted
		case command[0] == "edit" && len(command) == 2:
			index, convErr := strconv.Atoi(command[1])
			if convErr != nil {
				fmt.Fprintf(out, "not a question number: %s\n", command[1])
				continue
			}
			if err := editAnswer(reader, out, flow, index-1); err != nil {
				fmt.Fprintln(out, err)
			}
		default:
			fmt.Fprintf(out, "unknown choice %q\n", line)
		}
		if eof {
			return true, nil
		}
	}
}

// submitClarification sends the answers on the flow's summary. An
// interactive failure returns to the summary with the error and offers retry
// or edit. Otherwise the transcript is written to errOut before the error is
// returned so no answer is lost.
func submitClarification(ctx context.Context, in io.Reader, out, errOut io.Writer, interactive bool, flow *clarify.Flow) error {
	reader := bufferedReader(in)
	for {
		submitErr := flow.Submit(ctx)
		if submitErr == nil {
			return nil
		}
		if interactive && ctx.Err() == nil {
			fmt.Fprintf(out, "submit failed: %v\n", submitErr)
			exhausted, err := reviewClarification(reader, out, flow, "retry")
			if err != nil {
				return err
			}
			if !exhausted {
				continue
			}
		}
		fmt.Fprintln(errOut, "answers were not sent:")
		fmt.Fprint(errOut, flow.Submission().Transcript())
		return submitErr
	}
}

func bufferedReader(in io.Reader) *bufio.Reader {
	if reader, ok := in.(*bufio.Reader); ok {
		return reader
	}
	return bufio.NewReader(in)
}

func editAnswer(reader *bufio.Reader, out io.Writer, flow *clarify.Flow, index int) error {
	if err := flow.EditFromSummary(index); err != nil {
		return err
	}
	for _, question := range flow.View().Questions {
		if !question.Highlighted {
			continue
		}
		fmt.Fprintf(out, "%d. %s\n(current: %s)\n> ", question.Index+1, question.Question, question.Answer)
		line, _, err := readAnswer(reader)
		if err != nil {
			return err
		}
		if err := flow.Answer(index, line); err != nil {
			return err
		}
	}
	return flow.ShowSummary()
}

func readAnswer(reader *bufio.Reader) (string, bool, error) {
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", false, err
	}
	return strings.TrimSpace(line), err == io.EOF, nil
}
