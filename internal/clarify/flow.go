package clarify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"agentdash/internal/hsm"
	"agentdash/internal/model"
)

const DefaultPageSize = 5

var (
	ErrNoQuestions     = errors.New("clarification needs at least one question")
	ErrInvalidState    = errors.New("operation not allowed in current state")
	ErrIndexOutOfRange = errors.New("question index out of range")
	ErrSubmitInFlight  = errors.New("submission already in flight")
	ErrClosed          = errors.New("clarification is closed")
)

// SubmitFunc delivers the completed questionnaire.
type SubmitFunc func(ctx context.Context, submission model.ClarificationSubmission) error

type QuestionView struct {
	Index       int
	Question    string
	Answer      string
	Highlighted bool
}

type View struct {
	State       model.ClarificationState
	Page        int
	TotalPages  int
	Questions   []QuestionView
	Answered    int
	Total       int
	AllAnswered bool
	Err         error
}

// Flow is the paged clarification questionnaire: answering, reviewing a
// summary and submitting.
type Flow struct {
	questions []string
	pageSize  int
	submit    SubmitFunc

	mu          sync.Mutex
	state       model.ClarificationState
	page        int
	answers     map[int]string
	highlighted int
	err         error
}

func NewFlow(questions []string, pageSize int, submit SubmitFunc) (*Flow, error) {
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	copied := make([]string, len(questions))
	copy(copied, questions)
	return &Flow{
		questions:   copied,
		pageSize:    pageSize,
		submit:      submit,
		state:       model.ClarificationStateAnswering,
		answers:     map[int]string{},
		highlighted: -1,
	}, nil
}

func (f *Flow) TotalPages() int {
	return (len(f.questions) + f.pageSize - 1) / f.pageSize
}

// PageOf returns the page that holds question index.
func (f *Flow) PageOf(index int) int {
	return index / f.pageSize
}

func (f *Flow) State() model.ClarificationState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Answer records text for question index. Allowed while answering or on
// the summary.
func (f *Flow) Answer(index int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.editableLocked(); err != nil {
		return err
	}
	if index < 0 || index >= len(f.questions) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	f.answers[index] = text
	return nil
}

func (f *Flow) GoToPage(page int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != model.ClarificationStateAnswering {
		return f.stateErrLocked()
	}
	f.page = clamp(page, 0, f.TotalPages()-1)
	f.highlighted = -1
	return nil
}

func (f *Flow) Next() error {
	f.mu.Lock()
	page := f.page
	f.mu.Unlock()
	return f.GoToPage(page + 1)
}

func (f *Flow) Previous() error {
	f.mu.Lock()
	page := f.page
	f.mu.Unlock()
	return f.GoToPage(page - 1)
}

func (f *Flow) ShowSummary() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transitionLocked(model.ClarificationStateAnswering, model.ClarificationStateSummary)
}

func (f *Flow) BackToQuestions() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transitionLocked(model.ClarificationStateSummary, model.ClarificationStateAnswering); err != nil {
		return err
	}
	f.highlighted = -1
	return nil
}

// EditFromSummary returns to the page holding question index and highlights
// it.
func (f *Flow) EditFromSummary(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= len(f.questions) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	if err := f.transitionLocked(model.ClarificationStateSummary, model.ClarificationStateAnswering); err != nil {
		return err
	}
	f.page = f.PageOf(index)
	f.highlighted = index
	return nil
}

// Submit sends one response per question, in order, with unanswered
// questions as empty strings. On failure the flow returns to the summary
// with every answer kept and the error recorded.
func (f *Flow) Submit(ctx context.Context) error {
	f.mu.Lock()
	if err := f.transitionLocked(model.ClarificationStateSummary, model.ClarificationStateSubmitting); err != nil {
		f.mu.Unlock()
		return err
	}
	f.err = nil
	submission := f.submissionLocked()
	submit := f.submit
	f.mu.Unlock()

	var err error
	if submit != nil {
		err = submit(ctx, submission)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != model.ClarificationStateSubmitting {
		return err
	}
	if err != nil {
		f.err = err
		f.setStateLocked(model.ClarificationStateSummary)
		return err
	}
	f.setStateLocked(model.ClarificationStateClosed)
	return nil
}

// Close dismisses the flow. It is refused while a submission is in flight.
func (f *Flow) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case model.ClarificationStateSubmitting:
		return ErrSubmitInFlight
	case model.ClarificationStateClosed:
		return nil
	}
	f.setStateLocked(model.ClarificationStateClosed)
	return nil
}

func (f *Flow) DismissError() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = nil
}

// Submission builds the payload Submit would send.
func (f *Flow) Submission() model.ClarificationSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submissionLocked()
}

// View snapshots the current page, or every question on the summary.
func (f *Flow) View() View {
	f.mu.Lock()
	defer f.mu.Unlock()

	view := View{
		State:      f.state,
		Page:       f.page,
		TotalPages: f.TotalPages(),
		Total:      len(f.questions),
		Err:        f.err,
	}
	for i := range f.questions {
		if strings.TrimSpace(f.answers[i]) != "" {
			view.Answered++
		}
	}
	view.AllAnswered = view.Answered == view.Total

	start, end := 0, len(f.questions)
	if f.state == model.ClarificationStateAnswering {
		start = f.page * f.pageSize
		end = min(start+f.pageSize, len(f.questions))
	}
	for i := start; i < end; i++ {
		view.Questions = append(view.Questions, QuestionView{
			Index:       i,
			Question:    f.questions[i],
			Answer:      f.answers[i],
			Highlighted: i == f.highlighted,
		})
	}
	return view
}

func (f *Flow) submissionLocked() model.ClarificationSubmission {
	responses := make([]model.ClarificationResponse, len(f.questions))
	for i, question := range f.questions {
		responses[i] = model.ClarificationResponse{Question: question, Answer: f.answers[i]}
	}
	return model.ClarificationSubmission{Responses: responses}
}

func (f *Flow) editableLocked() error {
	switch f.state {
	case model.ClarificationStateAnswering, model.ClarificationStateSummary:
		return nil
	default:
		return f.stateErrLocked()
	}
}

func (f *Flow) stateErrLocked() error {
	switch f.state {
	case model.ClarificationStateSubmitting:
		return ErrSubmitInFlight
	case model.ClarificationStateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, f.state)
	}
}

func (f *Flow) transitionLocked(from model.ClarificationState, to model.ClarificationState) error {
	if f.state != from {
		if f.state == model.ClarificationStateSubmitting || f.state == model.ClarificationStateClosed {
			return f.stateErrLocked()
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, f.state, to)
	}
	return f.setStateLocked(to)
}

func (f *Flow) setStateLocked(to model.ClarificationState) error {
	if !hsm.CanTransitionClarification(f.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, f.state, to)
	}
	f.state = to
	return nil
}

func clamp(value int, lo int, hi int) int {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
