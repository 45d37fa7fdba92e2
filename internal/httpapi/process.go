package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/autoshare/internal/control"
	"github.com/ent0n29/autoshare/internal/history"
	"github.com/ent0n29/autoshare/internal/tasks"
)

type checkProcessRequest struct {
	ClientSecret string `json:"clientSecret"`
	ClientID     string `json:"clientId"`
}

type checkProcessResponse struct {
	ProcessID      string           `json:"processId"`
	IsPaused       bool             `json:"isPaused"`
	SharedCount    int              `json:"sharedCount"`
	OriginalParams tasks.Params     `json:"originalParams"`
	Logs           []tasks.LogEntry `json:"logs"`
}

// shareRequest keeps shareCount and timeInterval raw: clients send them
// as numbers or numeric strings.
type shareRequest struct {
	Credential   string          `json:"facebookCache"`
	ShareURL     string          `json:"shareUrl"`
	ShareCount   json.RawMessage `json:"shareCount"`
	TimeInterval json.RawMessage `json:"timeInterval"`
	ClientSecret string          `json:"clientSecret"`
	ClientIDX    string          `json:"clientIdX"`
	ProcessID    string          `json:"processId"`
}

type shareResponse struct {
	Success   string `json:"success"`
	ProcessID string `json:"processId"`
}

type controlRequest struct {
	Action       string `json:"action"`
	ProcessID    string `json:"processId"`
	ClientSecret string `json:"clientSecret"`
	ClientID     string `json:"clientId"`
}

type controlResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type historyRequest struct {
	ClientSecret string `json:"clientSecret"`
	ClientID     string `json:"clientId"`
	Limit        int    `json:"limit"`
}

type historyResponse struct {
	Runs []history.Run `json:"runs"`
}

func (s *Server) handleCheckProcess(w http.ResponseWriter, r *http.Request) {
	var req checkProcessRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	task, ok, err := s.control.CheckExisting(req.ClientSecret, req.ClientID)
	if err != nil {
		s.respondControlError(w, r, err)
		return
	}
	if !ok {
		respondJSON(w, http.StatusOK, map[string]any{"processId": nil})
		return
	}
	logs := task.Logs
	if logs == nil {
		logs = []tasks.LogEntry{}
	}
	respondJSON(w, http.StatusOK, checkProcessResponse{
		ProcessID:      task.ProcessID,
		IsPaused:       task.IsPaused,
		SharedCount:    task.SharedCount,
		OriginalParams: task.Params,
		Logs:           logs,
	})
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	processID, err := s.control.Start(r.Context(), control.StartRequest{
		Origin:       r.Header.Get("Origin"),
		ClientIDX:    req.ClientIDX,
		Secret:       req.ClientSecret,
		Credential:   req.Credential,
		ShareURL:     req.ShareURL,
		ShareCount:   numericText(req.ShareCount),
		TimeInterval: numericText(req.TimeInterval),
		ProcessID:    req.ProcessID,
	})
	if err != nil {
		s.respondControlError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, shareResponse{Success: "Processing started", ProcessID: processID})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	msg, err := s.control.Control(control.ControlRequest{
		Action:    strings.TrimSpace(req.Action),
		ProcessID: req.ProcessID,
		Secret:    req.ClientSecret,
		ClientID:  req.ClientID,
	})
	if err != nil {
		s.respondControlError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, controlResponse{Success: true, Message: msg})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = 20
	}
	runs, err := s.control.History(r.Context(), req.ClientSecret, req.ClientID, req.Limit)
	if err != nil {
		s.respondControlError(w, r, err)
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	respondJSON(w, http.StatusOK, historyResponse{Runs: runs})
}

// decodeRequest writes the error reply itself and reports whether the
// handler should continue.
func decodeRequest(w http.ResponseWriter, r *http.Request, out any) bool {
	err := decodeJSON(r, out)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		respondError(w, http.StatusRequestEntityTooLarge, "body_too_large", "Request body too large")
	case errors.Is(err, errEmptyBody):
		respondError(w, http.StatusBadRequest, "invalid_request", "Request body is required")
	default:
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	}
	return false
}

// numericText turns a JSON number or string into its text form. Anything
// else yields "" and fails validation downstream.
func numericText(raw json.RawMessage) string {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String()
	}
	return ""
}
