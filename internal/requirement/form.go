package requirement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"agentdash/internal/logging"
	"agentdash/internal/model"
	"agentdash/internal/serviceapi"
)

var ErrSubmitInFlight = errors.New("a submission is already in flight")

type FormOptions struct {
	// Tracker, when set, routes text-only input to the requirements endpoint
	// and follows its processing. Without it text goes to the chat endpoint.
	Tracker *Tracker
	Logger  *slog.Logger
}

type Result struct {
	Requirement *model.Requirement
	Receipt     *model.ChatReceipt
}

// Form holds the chat-style input box: free text plus attachments.
type Form struct {
	core    serviceapi.Core
	tracker *Tracker
	logger  *slog.Logger

	mu         sync.Mutex
	input      string
	files      []model.Attachment
	submitting bool
	err        error
	last       Result
}

func NewForm(core serviceapi.Core, options FormOptions) *Form {
	return &Form{
		core:    core,
		tracker: options.Tracker,
		logger:  logging.OrDiscard(options.Logger).With("component", "form"),
	}
}

func (f *Form) SetInput(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input = text
}

func (f *Form) Input() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input
}

// Attach adds the PDF and image files among files and silently skips the
// rest. It returns how many were added.
func (f *Form) Attach(files ...model.Attachment) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	added := 0
	for _, file := range files {
		file.ContentType = DetectContentType(file.Name, file.ContentType, file.Data)
		if !Accepts(file.ContentType) {
			f.logger.Debug("skipping unsupported attachment", "name", file.Name, "type", file.ContentType)
			continue
		}
		f.files = append(f.files, file)
		added++
	}
	return added
}

func (f *Form) Files() []model.Attachment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Attachment, len(f.files))
	copy(out, f.files)
	return out
}

func (f *Form) RemoveFile(index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= len(f.files) {
		return
	}
	f.files = append(f.files[:index:index], f.files[index+1:]...)
}

func (f *Form) Submitting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitting
}

// Err returns the inline error left by the last failed submission.
func (f *Form) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Form) DismissError() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = nil
}

func (f *Form) Last() Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// Submit sends the current input. Blank text with no files is a no-op. The
// input is cleared as soon as the request is dispatched and restored if it
// fails, with the failure kept as the form's inline error.
func (f *Form) Submit(ctx context.Context) (Result, error) {
	f.mu.Lock()
	if f.submitting {
		f.mu.Unlock()
		return Result{}, ErrSubmitInFlight
	}
	text := strings.TrimSpace(f.input)
	if text == "" && len(f.files) == 0 {
		f.mu.Unlock()
		return Result{}, nil
	}
	savedInput := f.input
	savedFiles := f.files
	f.input = ""
	f.files = nil
	f.submitting = true
	f.err = nil
	f.mu.Unlock()

	result, err := f.dispatch(ctx, text, savedFiles)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitting = false
	if err != nil {
		f.input = savedInput
		f.files = savedFiles
		f.err = err
		f.logger.Warn("submission failed", "error", err)
		return Result{}, err
	}
	f.last = result
	return result, nil
}

func (f *Form) dispatch(ctx context.Context, text string, files []model.Attachment) (Result, error) {
	if len(files) > 0 || f.tracker == nil {
		receipt, err := f.core.SubmitChat(ctx, text, files)
		if err != nil {
			return Result{}, err
		}
		return Result{Receipt: &receipt}, nil
	}
	requirement, err := f.core.SubmitRequirement(ctx, text)
	if err != nil {
		return Result{}, err
	}
	f.tracker.Track(context.WithoutCancel(ctx), requirement.ID)
	return Result{Requirement: &requirement}, nil
}

// Accepts reports whether contentType is an attachable PDF or image.
func Accepts(contentType string) bool {
	return contentType == "application/pdf" || strings.HasPrefix(contentType, "image/")
}

// DetectContentType uses the declared type when present, then the file
// extension, then the content itself. Parameters are stripped.
func DetectContentType(name string, declared string, data []byte) string {
	candidate := strings.TrimSpace(declared)
	if candidate == "" {
		candidate = mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	}
	if candidate == "" && len(data) > 0 {
		candidate = http.DetectContentType(data)
	}
	if candidate == "" {
		return "application/octet-stream"
	}
	mediaType, _, err := mime.ParseMediaType(candidate)
	if err != nil {
		return strings.ToLower(candidate)
	}
	return mediaType
}

// LoadAttachment reads a file from disk into an Attachment.
func LoadAttachment(path string) (model.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("read attachment %s: %w", path, err)
	}
	name := filepath.Base(path)
	return model.Attachment{
		Name:        name,
		ContentType: DetectContentType(name, "", data),
		Data:        data,
	}, nil
}
