package presentation

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"agentdash/internal/clarify"
	"agentdash/internal/liveupdate"
	"agentdash/internal/model"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1).
			Width(36)

	selectedCardStyle = cardStyle.
				BorderForeground(lipgloss.Color("12"))

	highlightStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("11"))
)

func StatusColor(status model.AgentStatus) lipgloss.Color {
	switch status {
	case model.AgentStatusOnline:
		return lipgloss.Color("10")
	case model.AgentStatusBusy:
		return lipgloss.Color("11")
	default:
		return lipgloss.Color("8")
	}
}

func StatusIcon(status model.AgentStatus) string {
	switch status {
	case model.AgentStatusOnline:
		return "●"
	case model.AgentStatusBusy:
		return "◐"
	default:
		return "○"
	}
}

// RelativeTime formats t relative to now the way the agent cards show it.
func RelativeTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	elapsed := now.Sub(t)
	switch {
	case elapsed < 5*time.Second:
		return "just now"
	case elapsed < time.Minute:
		return fmt.Sprintf("%ds ago", int(elapsed.Seconds()))
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	default:
		return t.Local().Format("2006-01-02 15:04")
	}
}

// AgentCard renders one agent: status, id, current task, latest update and
// when it was last seen.
func AgentCard(agent model.Agent, selected bool, now time.Time) string {
	badge := lipgloss.NewStyle().Foreground(StatusColor(agent.Status)).
		Render(StatusIcon(agent.Status) + " " + string(agent.Status))

	lines := []string{
		titleStyle.Render(agent.Name) + "  " + badge,
		dimStyle.Render("id: " + agent.ID),
	}
	if task := strings.TrimSpace(agent.CurrentTask); task != "" {
		lines = append(lines, "task: "+task)
	}
	if update, ok := agent.LatestUpdate(); ok {
		line := fmt.Sprintf("last update: %s (%s)", update.Message, update.Status)
		if update.Progress != nil {
			line += fmt.Sprintf(" %d%%", *update.Progress)
		}
		lines = append(lines, line, dimStyle.Render(RelativeTime(update.Timestamp, now)))
	}
	lines = append(lines, dimStyle.Render("last seen "+RelativeTime(agent.LastSeen, now)))

	style := cardStyle
	if selected {
		style = selectedCardStyle
	}
	return style.Render(strings.Join(lines, "\n"))
}

// ConnectionIndicator renders the live update channel state. Exhausted
// reconnects read as disconnected until the channel is connected again.
func ConnectionIndicator(status liveupdate.Status) string {
	switch status.State {
	case model.ChannelStateConnected:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render("● live")
	case model.ChannelStateConnecting:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Render("◌ connecting")
	case model.ChannelStateReconnecting:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("11")).
			Render(fmt.Sprintf("↻ reconnecting (attempt %d)", status.Attempts))
	default:
		return errorStyle.Render("✕ disconnected")
	}
}

// ProcessingProgress renders the progress bar, percentage, step list and
// message of a processing state.
func ProcessingProgress(state model.ProcessingState, bar progress.Model) string {
	percent := state.Progress
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Processing requirement"))
	b.WriteString("\n")
	b.WriteString(bar.ViewAs(float64(percent) / 100))
	b.WriteString(fmt.Sprintf(" %d%%\n", percent))
	for _, step := range model.ProcessingSteps {
		switch model.StepProgressFor(step.Step, state.CurrentState) {
		case model.StepProgressCompleted:
			b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render("  ✓ " + step.Name))
		case model.StepProgressCurrent:
			b.WriteString(highlightStyle.Render("  ▶ " + step.Name + ": " + step.Description))
		default:
			b.WriteString(dimStyle.Render("  · " + step.Name))
		}
		b.WriteString("\n")
	}
	if message := strings.TrimSpace(state.Message); message != "" {
		b.WriteString(message)
		b.WriteString("\n")
	}
	if estimate := strings.TrimSpace(state.EstimatedTime); estimate != "" {
		b.WriteString(dimStyle.Render("estimated: " + estimate))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ClarificationPage renders the questions of the current page with their
// answers.
func ClarificationPage(view clarify.View) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Clarification: page %d of %d", view.Page+1, view.TotalPages)))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  (%d/%d answered)", view.Answered, view.Total)))
	b.WriteString("\n")
	for _, q := range view.Questions {
		label := fmt.Sprintf("%d. %s", q.Index+1, q.Question)
		if q.Highlighted {
			label = highlightStyle.Render(label)
		}
		b.WriteString(label)
		b.WriteString("\n")
		answer := q.Answer
		if strings.TrimSpace(answer) == "" {
			answer = dimStyle.Render("(unanswered)")
		}
		b.WriteString("   " + answer + "\n")
	}
	if view.Err != nil {
		b.WriteString(errorStyle.Render("error: " + view.Err.Error()))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ClarificationSummary renders every question with its answer for review.
func ClarificationSummary(view clarify.View) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Review your answers"))
	b.WriteString("\n")
	for _, q := range view.Questions {
		answer := strings.TrimSpace(q.Answer)
		if answer == "" {
			answer = dimStyle.Render("No answer provided")
		}
		b.WriteString(fmt.Sprintf("%d. %s\n   %s\n", q.Index+1, q.Question, answer))
	}
	if !view.AllAnswered {
		b.WriteString(dimStyle.Render(fmt.Sprintf("%d of %d questions unanswered", view.Total-view.Answered, view.Total)))
		b.WriteString("\n")
	}
	if view.Err != nil {
		b.WriteString(errorStyle.Render("error: " + view.Err.Error()))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// RequirementHistory renders at most limit requirements.
func RequirementHistory(history []model.Requirement, limit int, now time.Time) string {
	if len(history) == 0 {
		return dimStyle.Render("no requirements submitted yet")
	}
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	lines := make([]string, 0, len(history))
	for _, req := range history {
		lines = append(lines, fmt.Sprintf("%-10s %s %s",
			req.Status, truncate(req.Message, 48), dimStyle.Render(RelativeTime(req.Timestamp, now))))
	}
	return strings.Join(lines, "\n")
}

func truncate(text string, max int) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-1]) + "…"
}
