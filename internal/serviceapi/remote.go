package serviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"agentdash/internal/model"
)

// RemoteCore talks to the REST backend rooted at baseURL (for example
// http://localhost:8000/api).
type RemoteCore struct {
	baseURL string
	client  *http.Client
}

func NewRemoteCore(baseURL string, timeout time.Duration) *RemoteCore {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteCore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *RemoteCore) Shutdown() {
	r.client.CloseIdleConnections()
}

func (r *RemoteCore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	agents, err := callEnvelope[[]model.Agent](ctx, r, http.MethodGet, "/agents", nil)
	if err != nil {
		return nil, errors.Wrap(err, "list agents")
	}
	return agents, nil
}

func (r *RemoteCore) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	path := "/agents/" + url.PathEscape(strings.TrimSpace(agentID))
	agent, err := callEnvelope[model.Agent](ctx, r, http.MethodGet, path, nil)
	if err != nil {
		return model.Agent{}, errors.Wrapf(err, "get agent %s", agentID)
	}
	return agent, nil
}

func (r *RemoteCore) TriggerAction(ctx context.Context, agentID string, action model.AgentAction) (model.ActionResult, error) {
	payload := model.AgentAction{
		Action: strings.TrimSpace(action.Action),
		Params: action.Params,
	}
	path := "/agents/" + url.PathEscape(strings.TrimSpace(agentID)) + "/actions"
	result, err := callEnvelope[model.ActionResult](ctx, r, http.MethodPost, path, payload)
	if err != nil {
		return model.ActionResult{}, errors.Wrapf(err, "trigger %s on agent %s", payload.Action, agentID)
	}
	return result, nil
}

func (r *RemoteCore) SubmitRequirement(ctx context.Context, message string) (model.Requirement, error) {
	payload := map[string]any{
		"message":   strings.TrimSpace(message),
		"timestamp": time.Now().UTC(),
	}
	requirement, err := callEnvelope[model.Requirement](ctx, r, http.MethodPost, "/requirements", payload)
	if err != nil {
		return model.Requirement{}, errors.Wrap(err, "submit requirement")
	}
	return requirement, nil
}

func (r *RemoteCore) ProcessingState(ctx context.Context, requirementID string) (model.ProcessingState, error) {
	path := "/requirements/" + url.PathEscape(strings.TrimSpace(requirementID)) + "/processing"
	state, err := callEnvelope[model.ProcessingState](ctx, r, http.MethodGet, path, nil)
	if err != nil {
		return model.ProcessingState{}, errors.Wrapf(err, "processing state %s", requirementID)
	}
	return state, nil
}

func (r *RemoteCore) RequirementHistory(ctx context.Context) ([]model.Requirement, error) {
	history, err := callEnvelope[[]model.Requirement](ctx, r, http.MethodGet, "/requirements", nil)
	if err != nil {
		return nil, errors.Wrap(err, "requirement history")
	}
	return history, nil
}

func (r *RemoteCore) SubmitChat(ctx context.Context, message string, files []model.Attachment) (model.ChatReceipt, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("message", message); err != nil {
		return model.ChatReceipt{}, errors.Wrap(err, "encode chat message")
	}
	for _, file := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, file.Name))
		contentType := file.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			return model.ChatReceipt{}, errors.Wrapf(err, "encode attachment %s", file.Name)
		}
		if _, err := part.Write(file.Data); err != nil {
			return model.ChatReceipt{}, errors.Wrapf(err, "encode attachment %s", file.Name)
		}
	}
	if err := writer.Close(); err != nil {
		return model.ChatReceipt{}, errors.Wrap(err, "encode chat form")
	}

	request, err := http.NewRequestWithContext(contextOrBackground(ctx), http.MethodPost, r.baseURL+"/chat", body)
	if err != nil {
		return model.ChatReceipt{}, errors.Wrap(err, "submit chat")
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Content-Type", writer.FormDataContentType())

	var envelope model.APIResponse[model.ChatReceipt]
	if err := r.send(request, &envelope); err != nil {
		return model.ChatReceipt{}, errors.Wrap(err, "submit chat")
	}
	if err := envelopeError(envelope.Success, envelope.Error, envelope.Message); err != nil {
		return model.ChatReceipt{}, errors.Wrap(err, "submit chat")
	}
	return envelope.Data, nil
}

func callEnvelope[T any](ctx context.Context, r *RemoteCore, method string, path string, body any) (T, error) {
	var envelope model.APIResponse[T]
	if err := r.doJSON(ctx, method, path, body, &envelope); err != nil {
		var zero T
		return zero, err
	}
	if err := envelopeError(envelope.Success, envelope.Error, envelope.Message); err != nil {
		var zero T
		return zero, err
	}
	return envelope.Data, nil
}

func envelopeError(success bool, errText string, message string) error {
	if success {
		return nil
	}
	text := strings.TrimSpace(errText)
	if text == "" {
		text = strings.TrimSpace(message)
	}
	if text == "" {
		text = "request was not successful"
	}
	return &APIError{Message: text}
}

func (r *RemoteCore) doJSON(ctx context.Context, method string, path string, body any, out any) error {
	fullURL := r.baseURL + path
	if _, err := url.Parse(fullURL); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(contextOrBackground(ctx), method, fullURL, reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return r.send(request, out)
}

func (r *RemoteCore) send(request *http.Request, out any) error {
	response, err := r.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return decodeRemoteError(response.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func decodeRemoteError(status int, payload []byte) error {
	var wrapper struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil {
		if text := strings.TrimSpace(wrapper.Error); text != "" {
			return &APIError{Status: status, Message: text}
		}
		if text := strings.TrimSpace(wrapper.Message); text != "" {
			return &APIError{Status: status, Message: text}
		}
	}
	text := strings.TrimSpace(string(payload))
	if text == "" {
		text = http.StatusText(status)
	}
	return &APIError{Status: status, Message: text}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
