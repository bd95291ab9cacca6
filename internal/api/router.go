package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/telemyapp/fleet-control-plane/internal/auth"
	"github.com/telemyapp/fleet-control-plane/internal/balancer"
	"github.com/telemyapp/fleet-control-plane/internal/config"
	"github.com/telemyapp/fleet-control-plane/internal/logger"
	"github.com/telemyapp/fleet-control-plane/internal/metrics"
	"github.com/telemyapp/fleet-control-plane/internal/model"
	"github.com/telemyapp/fleet-control-plane/internal/rooms"
)

type Rooms interface {
	StartRoom(ctx context.Context, req rooms.StartRequest) (rooms.StartResult, error)
	JoinRoom(ctx context.Context, req rooms.JoinRequest) (rooms.JoinResult, error)
}

type Meetings interface {
	VerifyCallback(ctx context.Context, meetingID, salt string) error
	PanicServer(ctx context.Context, serverID string) (total, succeeded int, err error)
	Terminate(ctx context.Context, m model.Meeting, server model.Server) error
}

type Store interface {
	ListServers(ctx context.Context) ([]model.Server, error)
	GetServer(ctx context.Context, id string) (*model.Server, error)
	SetServerStatus(ctx context.Context, id string, status model.ServerStatus) error
	DeleteServer(ctx context.Context, id string) error
	DeleteServerPool(ctx context.Context, id string) error
	GetMeeting(ctx context.Context, id string) (*model.Meeting, error)
}

type Deps struct {
	Rooms    Rooms
	Meetings Meetings
	Store    Store
	Weights  balancer.Weights
	Log      logger.Logger
}

type Server struct {
	cfg      config.Config
	rooms    Rooms
	meetings Meetings
	store    Store
	weights  balancer.Weights
	log      logger.Logger
}

func NewRouter(cfg config.Config, deps Deps) http.Handler {
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{cfg: cfg, rooms: deps.Rooms, meetings: deps.Meetings, store: deps.Store, weights: deps.Weights, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog(log))
	r.Use(middleware.Recoverer)
	// A start waits for the room lock and one remote create.
	r.Use(middleware.Timeout(cfg.LockWait() + cfg.ConnectTimeout + cfg.ResponseTimeout + 5*time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.With(auth.Middleware(cfg.JWTSecret)).Group(func(authed chi.Router) {
			authed.Post("/rooms/{roomID}/start", s.handleRoomStart)
			authed.Post("/rooms/{roomID}/join", s.handleRoomJoin)
		})

		v1.Get("/meetings/end-callback", s.handleEndCallback)
		v1.Post("/meetings/end-callback", s.handleEndCallback)

		v1.With(auth.AdminKey(cfg.AdminKey)).Route("/admin", func(admin chi.Router) {
			admin.Get("/servers", s.handleListServers)
			admin.Post("/servers/{serverID}/panic", s.handlePanicServer)
			admin.Put("/servers/{serverID}/status", s.handleServerStatus)
			admin.Delete("/servers/{serverID}", s.handleDeleteServer)
			admin.Delete("/server-pools/{poolID}", s.handleDeletePool)
			admin.Post("/meetings/{meetingID}/stop", s.handleStopMeeting)
		})
	})

	return r
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
