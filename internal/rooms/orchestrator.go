// Package rooms runs the room start critical section and room joins.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/telemyapp/fleet-control-plane/internal/balancer"
	"github.com/telemyapp/fleet-control-plane/internal/lock"
	"github.com/telemyapp/fleet-control-plane/internal/logger"
	"github.com/telemyapp/fleet-control-plane/internal/meeting"
	"github.com/telemyapp/fleet-control-plane/internal/metrics"
	"github.com/telemyapp/fleet-control-plane/internal/model"
	"github.com/telemyapp/fleet-control-plane/internal/store"
)

type Store interface {
	GetRoom(ctx context.Context, id string) (*model.Room, error)
	GetRoomType(ctx context.Context, id string) (*model.RoomType, error)
	UserRoleIDs(ctx context.Context, userID string) ([]string, error)
	GetMeeting(ctx context.Context, id string) (*model.Meeting, error)
	GetServer(ctx context.Context, id string) (*model.Server, error)
	ListPoolServers(ctx context.Context, poolID string) ([]model.Server, error)
	SetLatestMeeting(ctx context.Context, roomID, meetingID string) error
}

type Meetings interface {
	Create(ctx context.Context, room model.Room, server model.Server) (*model.Meeting, error)
	Start(ctx context.Context, m *model.Meeting, room model.Room, server model.Server) error
	End(ctx context.Context, meetingID string) error
	Terminate(ctx context.Context, m model.Meeting, server model.Server) error
	IsRunning(ctx context.Context, m model.Meeting, server model.Server) bool
	JoinURL(m model.Meeting, server model.Server, p meeting.Participant) string
}

type Options struct {
	// LockWait bounds the wait for the room lock. It should cover one remote
	// connect plus one remote response.
	LockWait time.Duration
	// LockTTL is the lease lifetime of a held room lock.
	LockTTL time.Duration
	Weights balancer.Weights
}

type Orchestrator struct {
	store    Store
	meetings Meetings
	locker   lock.Locker
	opts     Options
	log      logger.Logger
}

func NewOrchestrator(st Store, meetings Meetings, locker lock.Locker, opts Options, log logger.Logger) *Orchestrator {
	// The lease covers the wait plus one remote create. A section that
	// outlives it is still held to one open meeting by the store.
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * opts.LockWait
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{store: st, meetings: meetings, locker: locker, opts: opts, log: log}
}

// StartRequest is the caller context of a start. It travels by value; no
// per-room state outlives the request.
type StartRequest struct {
	RoomID      string
	Participant meeting.Participant
}

type StartResult struct {
	Meeting model.Meeting
	Server  model.Server
	JoinURL string
}

type JoinRequest struct {
	RoomID      string
	Participant meeting.Participant
}

type JoinResult struct {
	MeetingID string
	JoinURL   string
}

func lockKey(roomID string) string {
	return "room-start:" + roomID
}

func (o *Orchestrator) StartRoom(ctx context.Context, req StartRequest) (StartResult, error) {
	res, err := o.startRoom(ctx, req)
	result := "ok"
	if reason, ok := ReasonOf(err); ok {
		result = string(reason)
	} else if err != nil {
		result = "error"
	}
	metrics.Default().IncCounter("fleet_room_starts_total", map[string]string{"result": result})
	return res, err
}

func (o *Orchestrator) startRoom(ctx context.Context, req StartRequest) (StartResult, error) {
	release, err := o.locker.Acquire(ctx, lockKey(req.RoomID), lock.Options{Wait: o.opts.LockWait, TTL: o.opts.LockTTL})
	if err != nil {
		o.log.Warn("room lock not acquired", logger.String("room_id", req.RoomID), logger.Error(err))
		return StartResult{}, reject(StartFailed, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			o.log.Error("release room lock", logger.String("room_id", req.RoomID), logger.Error(err))
		}
	}()

	room, err := o.store.GetRoom(ctx, req.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return StartResult{}, ErrRoomNotFound
		}
		return StartResult{}, err
	}

	if err := o.settleLatestMeeting(ctx, *room); err != nil {
		return StartResult{}, err
	}

	rt, err := o.permittedRoomType(ctx, *room)
	if err != nil {
		return StartResult{}, err
	}

	servers, err := o.store.ListPoolServers(ctx, rt.ServerPoolID)
	if err != nil {
		return StartResult{}, fmt.Errorf("list pool servers: %w", err)
	}
	server, ok := balancer.SelectServer(accepting(servers), o.opts.Weights)
	if !ok {
		return StartResult{}, reject(NoServerAvailable, nil)
	}

	mt, err := o.meetings.Create(ctx, *room, server)
	if err != nil {
		if errors.Is(err, store.ErrRoomBusy) {
			return StartResult{}, reject(AlreadyRunning, err)
		}
		return StartResult{}, err
	}
	if err := o.meetings.Start(ctx, mt, *room, server); err != nil {
		return StartResult{}, reject(StartFailed, err)
	}
	if err := o.store.SetLatestMeeting(ctx, room.ID, mt.ID); err != nil {
		o.abandon(ctx, *mt, server)
		return StartResult{}, reject(StartFailed, fmt.Errorf("set latest meeting: %w", err))
	}

	o.log.Info("room started",
		logger.String("room_id", room.ID),
		logger.String("meeting_id", mt.ID),
		logger.String("server_id", server.ID))

	p := withRole(*room, req.Participant)
	return StartResult{
		Meeting: *mt,
		Server:  server,
		JoinURL: o.meetings.JoinURL(*mt, server, p),
	}, nil
}

// abandon ends a started meeting the room could not be pointed at, so it
// neither holds the room nor lingers on the server.
func (o *Orchestrator) abandon(ctx context.Context, mt model.Meeting, server model.Server) {
	ctx = context.WithoutCancel(ctx)
	err := o.meetings.Terminate(ctx, mt, server)
	if err == nil {
		return
	}
	o.log.Warn("abandoned meeting not ended remotely",
		logger.String("meeting_id", mt.ID),
		logger.String("server_id", server.ID),
		logger.Error(err))
	if err := o.meetings.End(ctx, mt.ID); err != nil {
		o.log.Error("end abandoned meeting", logger.String("meeting_id", mt.ID), logger.Error(err))
	}
}

// settleLatestMeeting rejects the start while the latest meeting is live. A
// detached latest meeting is closed locally so the room can move on; its
// server is unreachable and cannot be asked.
func (o *Orchestrator) settleLatestMeeting(ctx context.Context, room model.Room) error {
	if room.LatestMeetingID == nil {
		return nil
	}
	latest, err := o.store.GetMeeting(ctx, *room.LatestMeetingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch latest.State() {
	case model.MeetingEnded:
		return nil
	case model.MeetingDetached:
		o.log.Warn("closing detached meeting to start room",
			logger.String("room_id", room.ID),
			logger.String("meeting_id", latest.ID))
		return o.meetings.End(ctx, latest.ID)
	default:
		return reject(AlreadyRunning, nil)
	}
}

func (o *Orchestrator) permittedRoomType(ctx context.Context, room model.Room) (*model.RoomType, error) {
	rt, err := o.store.GetRoomType(ctx, room.RoomTypeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, reject(RoomTypeInvalid, err)
		}
		return nil, err
	}
	if !rt.Restrict {
		return rt, nil
	}
	roles, err := o.store.UserRoleIDs(ctx, room.OwnerID)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		if slices.Contains(rt.RoleIDs, role) {
			return rt, nil
		}
	}
	return nil, reject(RoomTypeInvalid, nil)
}

func (o *Orchestrator) JoinRoom(ctx context.Context, req JoinRequest) (JoinResult, error) {
	res, err := o.joinRoom(ctx, req)
	result := "ok"
	if reason, ok := ReasonOf(err); ok {
		result = string(reason)
	} else if err != nil {
		result = "error"
	}
	metrics.Default().IncCounter("fleet_room_joins_total", map[string]string{"result": result})
	return res, err
}

func (o *Orchestrator) joinRoom(ctx context.Context, req JoinRequest) (JoinResult, error) {
	room, err := o.store.GetRoom(ctx, req.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return JoinResult{}, ErrRoomNotFound
		}
		return JoinResult{}, err
	}
	if room.LatestMeetingID == nil {
		return JoinResult{}, reject(NotRunning, nil)
	}
	mt, err := o.store.GetMeeting(ctx, *room.LatestMeetingID)
	if errors.Is(err, store.ErrNotFound) {
		return JoinResult{}, reject(NotRunning, nil)
	}
	if err != nil {
		return JoinResult{}, err
	}
	if mt.State() != model.MeetingRunning {
		return JoinResult{}, reject(NotRunning, nil)
	}
	server, err := o.store.GetServer(ctx, mt.ServerID)
	if errors.Is(err, store.ErrNotFound) {
		return JoinResult{}, reject(NotRunning, err)
	}
	if err != nil {
		return JoinResult{}, err
	}
	if !o.meetings.IsRunning(ctx, *mt, *server) {
		return JoinResult{}, reject(NotRunning, nil)
	}
	return JoinResult{
		MeetingID: mt.ID,
		JoinURL:   o.meetings.JoinURL(*mt, *server, withRole(*room, req.Participant)),
	}, nil
}

// accepting drops servers whose operator status forbids new meetings.
func accepting(servers []model.Server) []model.Server {
	out := make([]model.Server, 0, len(servers))
	for _, s := range servers {
		if s.Status == model.ServerOnline {
			out = append(out, s)
		}
	}
	return out
}

// withRole makes the room owner a moderator and everyone else an attendee.
func withRole(room model.Room, p meeting.Participant) meeting.Participant {
	p.Role = meeting.RoleAttendee
	if p.UserID != "" && p.UserID == room.OwnerID {
		p.Role = meeting.RoleModerator
	}
	return p
}
