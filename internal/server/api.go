package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentdash/internal/model"
	"agentdash/internal/serviceapi"
)

const maxChatUpload = 32 << 20

func (r *Runtime) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", r.instrument("health", r.handleHealth))
	mux.HandleFunc("/api/agents", r.instrument("agents", r.handleAgents))
	mux.HandleFunc("/api/agents/", r.instrument("agent", r.handleAgentByID))
	mux.HandleFunc("/api/requirements", r.instrument("requirements", r.handleRequirements))
	mux.HandleFunc("/api/requirements/", r.instrument("processing", r.handleProcessing))
	mux.HandleFunc("/api/chat", r.instrument("chat", r.handleChat))
}

func (r *Runtime) handleAgents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	agents, err := r.core.ListAgents(req.Context())
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, agents)
}

func (r *Runtime) handleAgentByID(w http.ResponseWriter, req *http.Request) {
	path := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/agents/"), "/")
	segments := strings.Split(path, "/")
	agentID := strings.TrimSpace(segments[0])
	if agentID == "" {
		writeAPIError(w, http.StatusBadRequest, "agent id is required")
		return
	}
	switch {
	case len(segments) == 1:
		if req.Method != http.MethodGet {
			writeAPIError(w, http.StatusMethodNotAllowed, "only GET is supported")
			return
		}
		agent, err := r.core.GetAgent(req.Context(), agentID)
		if err != nil {
			writeCoreError(w, err)
			return
		}
		writeData(w, http.StatusOK, agent)
	case len(segments) == 2 && segments[1] == "actions":
		if req.Method != http.MethodPost {
			writeAPIError(w, http.StatusMethodNotAllowed, "only POST is supported")
			return
		}
		var payload model.AgentAction
		if err := decodeJSON(req, &payload); err != nil {
			writeAPIError(w, http.StatusBadRequest, err.Error())
			return
		}
		result, err := r.core.TriggerAction(req.Context(), agentID, payload)
		if err != nil {
			writeCoreError(w, err)
			return
		}
		writeEnvelope(w, http.StatusOK, model.APIResponse[model.ActionResult]{
			Success: true,
			Data:    result,
			Message: result.Message,
		})
	default:
		writeAPIError(w, http.StatusNotFound, "route not found")
	}
}

type submitRequirementRequest struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *Runtime) handleRequirements(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		history, err := r.core.RequirementHistory(req.Context())
		if err != nil {
			writeCoreError(w, err)
			return
		}
		writeData(w, http.StatusOK, history)
	case http.MethodPost:
		var payload submitRequirementRequest
		if err := decodeJSON(req, &payload); err != nil {
			writeAPIError(w, http.StatusBadRequest, err.Error())
			return
		}
		requirement, err := r.core.SubmitRequirement(req.Context(), payload.Message)
		if err != nil {
			writeCoreError(w, err)
			return
		}
		writeData(w, http.StatusOK, requirement)
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "only GET and POST are supported")
	}
}

func (r *Runtime) handleProcessing(w http.ResponseWriter, req *http.Request) {
	path := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/requirements/"), "/")
	segments := strings.Split(path, "/")
	if len(segments) != 2 || segments[1] != "processing" || strings.TrimSpace(segments[0]) == "" {
		writeAPIError(w, http.StatusNotFound, "route not found")
		return
	}
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	state, err := r.core.ProcessingState(req.Context(), segments[0])
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, state)
}

func (r *Runtime) handleChat(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	if err := req.ParseMultipartForm(maxChatUpload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	message := req.FormValue("message")
	var files []model.Attachment
	if req.MultipartForm != nil {
		for _, header := range req.MultipartForm.File["files"] {
			file, err := header.Open()
			if err != nil {
				writeAPIError(w, http.StatusBadRequest, fmt.Sprintf("open %s: %v", header.Filename, err))
				return
			}
			data, err := io.ReadAll(file)
			_ = file.Close()
			if err != nil {
				writeAPIError(w, http.StatusBadRequest, fmt.Sprintf("read %s: %v", header.Filename, err))
				return
			}
			files = append(files, model.Attachment{
				Name:        header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Data:        data,
			})
		}
	}
	receipt, err := r.core.SubmitChat(req.Context(), message, files)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, receipt)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (r *Runtime) instrument(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, req)
		r.metrics.IncRequest(route, strconv.Itoa(recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			r.logger.Warn("request failed", "route", route, "method", req.Method, "status", recorder.status)
		}
	}
}

func decodeJSON(req *http.Request, out any) error {
	if req.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer req.Body.Close()
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeData[T any](w http.ResponseWriter, status int, data T) {
	writeEnvelope(w, status, model.APIResponse[T]{Success: true, Data: data})
}

func writeEnvelope[T any](w http.ResponseWriter, status int, envelope model.APIResponse[T]) {
	writeJSON(w, status, envelope)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, model.APIResponse[any]{
		Success: false,
		Error:   strings.TrimSpace(message),
	})
}

func writeCoreError(w http.ResponseWriter, err error) {
	status := serviceapi.StatusOf(err)
	message := err.Error()
	var apiErr *serviceapi.APIError
	if errors.As(err, &apiErr) {
		message = apiErr.Message
	}
	writeAPIError(w, status, message)
}
