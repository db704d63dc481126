package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/crucible/internal/instance"
	"github.com/mattjoyce/crucible/internal/pool"
	"github.com/mattjoyce/crucible/internal/session"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sessions := s.pool.Sessions()
	instances := 0
	for _, info := range sessions {
		instances += len(info.Instances)
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Sessions:      len(sessions),
		Instances:     instances,
	})
}

// handleListSessions handles GET /v1/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.pool.Sessions()
	if infos == nil {
		infos = []session.Info{}
	}
	respondJSON(w, http.StatusOK, infos)
}

// handleStartInstance handles POST /v1/instances.
func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	var req StartInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionKey == "" {
		s.writeError(w, http.StatusBadRequest, "session_key is required")
		return
	}

	h, err := s.pool.StartInstance(r.Context(), pool.InstanceSpec{
		ID:             req.ID,
		SessionKey:     req.SessionKey,
		RuntimeVersion: req.RuntimeVersion,
		Tokens:         req.Tokens,
	})
	if err != nil {
		if errors.Is(err, pool.ErrShutdown) {
			s.writeError(w, http.StatusServiceUnavailable, "service is shutting down")
			return
		}
		s.logger.Error("failed to start instance", "session_key", req.SessionKey, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("instance started via API",
		"instance_id", h.ID(), "session_key", h.SessionKey(), "runtime_version", h.RuntimeVersion())
	respondJSON(w, http.StatusCreated, instanceResponse(h))
}

// handleGetInstance handles GET /v1/instances/{instanceID}.
func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	h := s.pool.Lookup(id)
	if h == nil {
		s.writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	respondJSON(w, http.StatusOK, instanceResponse(h))
}

// handleTerminateInstance handles DELETE /v1/instances/{instanceID}.
func (s *Server) handleTerminateInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")

	if err := s.pool.TerminateInstance(r.Context(), id); err != nil {
		if errors.Is(err, pool.ErrUnknownInstance) {
			s.writeError(w, http.StatusNotFound, "instance not found")
			return
		}
		s.logger.Error("failed to terminate instance", "instance_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("instance terminated via API", "instance_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleJournal handles GET /v1/journal.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal is not enabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}

	resp := make([]JournalEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, JournalEntryResponse{
			ID:             e.ID,
			SessionKey:     e.SessionKey,
			RuntimeVersion: e.RuntimeVersion,
			Event:          e.Event,
			InstanceID:     e.InstanceID,
			Detail:         e.Detail,
			CreatedAt:      e.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func instanceResponse(h *instance.Handle) InstanceResponse {
	desc := h.Describe()
	return InstanceResponse{
		ID:             desc.ID,
		SessionKey:     desc.SessionKey,
		RuntimeVersion: desc.RuntimeVersion,
		Tokens:         desc.Tokens,
	}
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
