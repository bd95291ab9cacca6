package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/telemyapp/fleet-control-plane/internal/balancer"
	"github.com/telemyapp/fleet-control-plane/internal/logger"
	"github.com/telemyapp/fleet-control-plane/internal/model"
	"github.com/telemyapp/fleet-control-plane/internal/store"
)

type serverResponse struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	BaseURL      string       `json:"base_url"`
	Strength     int          `json:"strength"`
	Status       string       `json:"status"`
	Health       string       `json:"health"`
	ErrorCount   int          `json:"error_count"`
	RecoverCount int          `json:"recover_count"`
	Version      *string      `json:"version"`
	Usage        *model.Usage `json:"usage"`
	// Score is the load balancer score; absent for servers that are not candidates.
	Score *float64 `json:"score,omitempty"`
}

func toServerResponse(srv model.Server) serverResponse {
	return serverResponse{
		ID:           srv.ID,
		Name:         srv.Name,
		BaseURL:      srv.BaseURL,
		Strength:     srv.Strength,
		Status:       string(srv.Status),
		Health:       string(srv.Health),
		ErrorCount:   srv.ErrorCount,
		RecoverCount: srv.RecoverCount,
		Version:      srv.Version,
		Usage:        srv.Usage,
	}
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListServers(r.Context())
	if err != nil {
		s.log.Error("list servers", logger.Error(err))
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to list servers")
		return
	}
	scores := make(map[string]float64)
	for _, c := range balancer.Rank(servers, s.weights) {
		scores[c.Server.ID] = c.Score
	}
	out := make([]serverResponse, 0, len(servers))
	for _, srv := range servers {
		resp := toServerResponse(srv)
		if score, ok := scores[srv.ID]; ok {
			resp.Score = &score
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (s *Server) handlePanicServer(w http.ResponseWriter, r *http.Request) {
	total, succeeded, err := s.meetings.PanicServer(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		s.writeStoreError(w, r, err, "failed to panic server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "succeeded": succeeded})
}

type serverStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	var req serverStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	status := model.ServerStatus(req.Status)
	if !status.Valid() {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "status must be one of online|draining|disabled")
		return
	}
	id := chi.URLParam(r, "serverID")
	if err := s.store.SetServerStatus(r.Context(), id, status); err != nil {
		s.writeStoreError(w, r, err, "failed to update server")
		return
	}
	srv, err := s.store.GetServer(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err, "failed to load server")
		return
	}
	writeJSON(w, http.StatusOK, toServerResponse(*srv))
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteServer(r.Context(), chi.URLParam(r, "serverID")); err != nil {
		s.writeStoreError(w, r, err, "failed to delete server")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteServerPool(r.Context(), chi.URLParam(r, "poolID")); err != nil {
		s.writeStoreError(w, r, err, "failed to delete server pool")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopMeeting(w http.ResponseWriter, r *http.Request) {
	mt, err := s.store.GetMeeting(r.Context(), chi.URLParam(r, "meetingID"))
	if err != nil {
		s.writeStoreError(w, r, err, "failed to load meeting")
		return
	}
	if mt.State() == model.MeetingEnded {
		writeJSON(w, http.StatusOK, map[string]any{"meeting_id": mt.ID, "status": "ended"})
		return
	}
	srv, err := s.store.GetServer(r.Context(), mt.ServerID)
	if err != nil {
		s.writeStoreError(w, r, err, "failed to load server")
		return
	}
	if err := s.meetings.Terminate(r.Context(), *mt, *srv); err != nil {
		s.log.Warn("stop meeting", logger.Error(err))
		writeAPIError(w, r, http.StatusBadGateway, "remote_unreachable", "media server did not end the meeting")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"meeting_id": mt.ID, "status": "ended"})
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeAPIError(w, r, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, store.ErrServerInUse), errors.Is(err, store.ErrPoolInUse):
		writeAPIError(w, r, http.StatusConflict, "in_use", err.Error())
	default:
		s.log.Error(message, logger.Error(err))
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", message)
	}
}
