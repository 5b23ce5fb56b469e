// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

// Package server is the thin HTTP adapter over the core operations. Each
// handler translates one request into exactly one core call; no business
// logic lives here. Identity arrives as an opaque X-User-ID header supplied
// by the fronting proxy.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/toeirei/taskmaster/internal/generate"
	"github.com/toeirei/taskmaster/internal/logging"
	"github.com/toeirei/taskmaster/internal/model"
	"github.com/toeirei/taskmaster/internal/orchestrator"
	"github.com/toeirei/taskmaster/internal/registry"
	"github.com/toeirei/taskmaster/internal/transport"
)

// userHeader carries the opaque user identifier.
const userHeader = "X-User-ID"

// Server adapts HTTP to the core operations.
type Server struct {
	reg  *registry.Registry
	orch *orchestrator.Orchestrator
	mux  *http.ServeMux
}

// New wires the adapter.
func New(reg *registry.Registry, orch *orchestrator.Orchestrator) *Server {
	s := &Server{reg: reg, orch: orch, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/connect", s.withUser(s.handleConnect))
	s.mux.HandleFunc("POST /api/disconnect", s.withUser(s.handleDisconnect))
	s.mux.HandleFunc("GET /api/status", s.withUser(s.handleStatus))
	s.mux.HandleFunc("POST /api/submit", s.withUser(s.handleSubmit))
	s.mux.HandleFunc("GET /api/plans/{id}", s.withUser(s.handleGetPlan))
	s.mux.HandleFunc("POST /api/plans/{id}/respond", s.withUser(s.handleRespond))
	s.mux.HandleFunc("POST /api/plans/{id}/respond_all", s.withUser(s.handleRespondAll))
	s.mux.HandleFunc("POST /api/plans/{id}/chat", s.withUser(s.handleChat))
	s.mux.HandleFunc("GET /api/plans/{id}/chat", s.withUser(s.handleChatHistory))
	s.mux.HandleFunc("POST /api/beacon/leave", s.withUser(s.handleBeaconLeave))
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// withUser extracts and validates the opaque user id.
func (s *Server) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(userHeader)
		if err := orchestrator.ValidateUserID(userID); err != nil {
			writeError(w, http.StatusUnauthorized, "missing or invalid "+userHeader)
			return
		}
		h(w, r, userID)
	}
}

type connectRequest struct {
	Hostname   string `json:"hostname"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, userID string) {
	var req connectRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Port == 0 {
		req.Port = 22
	}
	if err := orchestrator.ValidateHostname(req.Hostname); err != nil {
		s.fail(w, err)
		return
	}
	if err := orchestrator.ValidatePort(req.Port); err != nil {
		s.fail(w, err)
		return
	}
	if req.Username == "" || req.Credential == "" {
		writeError(w, http.StatusBadRequest, "username and credential are required")
		return
	}

	info, err := s.reg.Connect(userID, req.Hostname, req.Port, req.Username, []byte(req.Credential))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": info.SessionID,
		"status":     info.Status,
	})
}

type disconnectRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, userID string) {
	var req disconnectRequest
	// An empty body means "disconnect everything".
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req)
	if req.SessionID == "" {
		s.reg.TerminateUser(userID)
	} else {
		s.reg.Disconnect(userID, req.SessionID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, userID string) {
	sessions := s.reg.List(userID)
	out := make(map[string]model.SessionInfo, len(sessions))
	for _, info := range sessions {
		out[info.SessionID] = info
	}
	writeJSON(w, http.StatusOK, out)
}

type submitRequest struct {
	SessionID string `json:"session_id"`
	Request   string `json:"request"`
	Priority  string `json:"priority,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, userID string) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	plan, err := s.orch.Submit(r.Context(), userID, req.SessionID, req.Request)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request, userID string) {
	plan, err := s.orch.Get(userID, r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type respondRequest struct {
	StepIndex int    `json:"step_index"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request, userID string) {
	var req respondRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.orch.Respond(r.Context(), userID, r.PathValue("id"), req.StepIndex, req.Approved, req.Reason)
	if err != nil && !errors.Is(err, orchestrator.ErrSessionUnavailable) {
		s.fail(w, err)
		return
	}
	// A step that failed on an unavailable session still reports its outcome.
	writeJSON(w, http.StatusOK, out)
}

type respondAllRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleRespondAll(w http.ResponseWriter, r *http.Request, userID string) {
	var req respondAllRequest
	if !decode(w, r, &req) {
		return
	}
	sum, err := s.orch.RespondAll(r.Context(), userID, r.PathValue("id"), req.Approved, req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, userID string) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	ex, err := s.orch.Chat(userID, r.PathValue("id"), req.Message)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request, userID string) {
	history, err := s.orch.ChatHistory(userID, r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": history})
}

func (s *Server) handleBeaconLeave(w http.ResponseWriter, r *http.Request, userID string) {
	n := s.reg.TerminateUser(userID)
	logging.Debugf("beacon: terminated %d sessions for user %s", n, userID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// fail maps core errors onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrOutOfOrder),
		errors.Is(err, orchestrator.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrSessionBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrSessionUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, registry.ErrSessionLimit):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, transport.ErrAuth):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, transport.ErrConnect):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, generate.ErrValidationFailure):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, generate.ErrModelRefusal):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, generate.ErrModelTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, generate.ErrParseFailure):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
