package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/telemyapp/fleet-control-plane/internal/auth"
	"github.com/telemyapp/fleet-control-plane/internal/logger"
	"github.com/telemyapp/fleet-control-plane/internal/meeting"
	"github.com/telemyapp/fleet-control-plane/internal/rooms"
	"github.com/telemyapp/fleet-control-plane/internal/store"
)

type roomEntryRequest struct {
	Name string `json:"name"`
}

func (s *Server) participant(w http.ResponseWriter, r *http.Request) (meeting.Participant, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, r, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return meeting.Participant{}, false
	}
	var req roomEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return meeting.Participant{}, false
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = userID
	}
	return meeting.Participant{UserID: userID, Name: name}, true
}

func (s *Server) handleRoomStart(w http.ResponseWriter, r *http.Request) {
	p, ok := s.participant(w, r)
	if !ok {
		return
	}
	res, err := s.rooms.StartRoom(r.Context(), rooms.StartRequest{RoomID: chi.URLParam(r, "roomID"), Participant: p})
	if err != nil {
		s.writeRoomError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"meeting_id": res.Meeting.ID,
		"server_id":  res.Server.ID,
		"join_url":   res.JoinURL,
	})
}

func (s *Server) handleRoomJoin(w http.ResponseWriter, r *http.Request) {
	p, ok := s.participant(w, r)
	if !ok {
		return
	}
	res, err := s.rooms.JoinRoom(r.Context(), rooms.JoinRequest{RoomID: chi.URLParam(r, "roomID"), Participant: p})
	if err != nil {
		s.writeRoomError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"meeting_id": res.MeetingID,
		"join_url":   res.JoinURL,
	})
}

func reasonStatus(reason rooms.Reason) int {
	switch reason {
	case rooms.AlreadyRunning, rooms.NotRunning:
		return http.StatusConflict
	case rooms.RoomTypeInvalid:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) writeRoomError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, rooms.ErrRoomNotFound) {
		writeAPIError(w, r, http.StatusNotFound, "not_found", "room not found")
		return
	}
	if reason, ok := rooms.ReasonOf(err); ok {
		writeAPIError(w, r, reasonStatus(reason), string(reason), strings.ReplaceAll(string(reason), "_", " "))
		return
	}
	s.log.Error("room request failed", logger.Error(err))
	writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "room request failed")
}

// handleEndCallback is called by a media server when a meeting ends on its
// own. The salt proves the caller knows the server secret.
func (s *Server) handleEndCallback(w http.ResponseWriter, r *http.Request) {
	meetingID := r.URL.Query().Get("meetingID")
	salt := r.URL.Query().Get("salt")
	if meetingID == "" || salt == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "meetingID and salt are required")
		return
	}
	err := s.meetings.VerifyCallback(r.Context(), meetingID, salt)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ended"})
	case errors.Is(err, store.ErrNotFound):
		writeAPIError(w, r, http.StatusNotFound, "not_found", "meeting not found")
	case errors.Is(err, meeting.ErrInvalidCallback):
		writeAPIError(w, r, http.StatusUnauthorized, "unauthorized", "invalid salt")
	default:
		s.log.Error("end callback failed", logger.Error(err))
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to end meeting")
	}
}
