package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/basket/agentq/internal/persistence"
)

type enqueueRequest struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
}

type enqueueResponse struct {
	Message *persistence.QueuedMessage `json:"message"`
	Created bool                       `json:"created"`
}

type decisionRequest struct {
	Decision   string          `json:"decision"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

type stopRequest struct {
	Reason string `json:"reason,omitempty"`
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return min(n, 1000)
		}
	}
	return def
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.engine.Store().Ping(r.Context()) == nil
	st := s.engine.Status()
	policyVersion := ""
	if s.cfg.Policy != nil {
		policyVersion = s.cfg.Policy.PolicyVersion()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":        dbOK && !st.Draining,
		"db_ok":          dbOK,
		"workers":        st.WorkerCount,
		"active_claims":  st.ActiveClaims,
		"draining":       st.Draining,
		"last_error":     st.LastError,
		"policy_version": policyVersion,
		"config_hash":    s.cfg.ConfigFingerprint,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	status := persistence.TaskStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "unknown status " + strconv.Quote(string(status))})
		return
	}
	sessions, err := s.engine.ListSessions(r.Context(), status, queryLimit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	msg, created, err := s.engine.Enqueue(r.Context(), chi.URLParam(r, "sessionID"), req.MessageID, req.SenderID, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, enqueueResponse{Message: msg, Created: created})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.engine.Messages(r.Context(), chi.URLParam(r, "sessionID"), queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.Events(r.Context(), chi.URLParam(r, "sessionID"), queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.engine.RecordDecision(r.Context(), chi.URLParam(r, "sessionID"), persistence.DecisionInput{
		Decision:   req.Decision,
		ToolCallID: req.ToolCallID,
		Payload:    req.Payload,
		DecidedBy:  req.DecidedBy,
		Reason:     req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.engine.Stop(r.Context(), chi.URLParam(r, "sessionID"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Reset(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.Awaiting(r.Context(), queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": sessions})
}
