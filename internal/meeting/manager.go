// Package meeting owns the meeting state machine: created, running,
// detached and ended.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telemyapp/fleet-control-plane/internal/health"
	"github.com/telemyapp/fleet-control-plane/internal/logger"
	"github.com/telemyapp/fleet-control-plane/internal/media"
	"github.com/telemyapp/fleet-control-plane/internal/metrics"
	"github.com/telemyapp/fleet-control-plane/internal/model"
	"github.com/telemyapp/fleet-control-plane/internal/store"
)

type Store interface {
	CreateMeeting(ctx context.Context, m *model.Meeting) error
	DeleteMeeting(ctx context.Context, id string) error
	MarkMeetingRunning(ctx context.Context, id string, at time.Time) error
	GetMeeting(ctx context.Context, id string) (*model.Meeting, error)
	EndMeeting(ctx context.Context, id string, at time.Time) (bool, error)
	DetachMeetings(ctx context.Context, serverID string, at time.Time) (int64, error)
	ListOpenMeetings(ctx context.Context, serverID string) ([]model.Meeting, error)
	GetServer(ctx context.Context, id string) (*model.Server, error)
	SetServerStatus(ctx context.Context, id string, status model.ServerStatus) error
}

// HealthRecorder receives the outcome of every media call.
type HealthRecorder interface {
	OnFailure(ctx context.Context, serverID string) (health.Transition, model.HealthState, error)
	OnSuccess(ctx context.Context, serverID string) (health.Transition, model.HealthState, error)
}

type Options struct {
	// CallbackBaseURL is the public root the media servers call back to.
	CallbackBaseURL string
	// CompensateTimeout bounds the best-effort remote end issued after a
	// start failed at the transport level.
	CompensateTimeout time.Duration
	Now               func() time.Time
}

type Manager struct {
	store  Store
	client media.Client
	health HealthRecorder
	opts   Options
	log    logger.Logger

	wg sync.WaitGroup
}

func NewManager(st Store, client media.Client, hr HealthRecorder, opts Options, log logger.Logger) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CompensateTimeout <= 0 {
		opts.CompensateTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{store: st, client: client, health: hr, opts: opts, log: log}
}

func (m *Manager) now() time.Time {
	return m.opts.Now().UTC()
}

// Wait blocks until background compensation calls have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func endpoint(s model.Server) media.Endpoint {
	return media.Endpoint{BaseURL: s.BaseURL, Secret: s.Secret}
}

// Create inserts a meeting for the room on the server. Nothing is sent to
// the server yet.
func (m *Manager) Create(ctx context.Context, room model.Room, server model.Server) (*model.Meeting, error) {
	mt := &model.Meeting{
		ID:               uuid.NewString(),
		RoomID:           room.ID,
		ServerID:         server.ID,
		Start:            m.now(),
		RecordAttendance: room.RecordAttendance,
		Record:           room.Record,
		ModeratorPW:      uuid.NewString(),
		AttendeePW:       uuid.NewString(),
	}
	if err := m.store.CreateMeeting(ctx, mt); err != nil {
		return nil, fmt.Errorf("create meeting: %w", err)
	}
	return mt, nil
}

// Start creates the meeting on its server. A failed start deletes the
// meeting row and is reported as a *StartError.
func (m *Manager) Start(ctx context.Context, mt *model.Meeting, room model.Room, server model.Server) error {
	req := media.CreateMeetingRequest{
		MeetingID:        mt.ID,
		Name:             room.Name,
		ModeratorPW:      mt.ModeratorPW,
		AttendeePW:       mt.AttendeePW,
		WelcomeMessage:   room.WelcomeMessage,
		MaxParticipants:  room.MaxParticipants,
		DurationMinutes:  room.DurationMinutes,
		MuteOnStart:      room.MuteOnStart,
		GuestPolicy:      guestPolicy(room),
		Record:           mt.Record,
		EndCallbackURL:   m.endCallbackURL(mt.ID, server.Secret),
		PresentationURLs: room.PresentationURLs,
		LockSettings:     media.LockSettings(room.Lock),
		Meta:             map[string]string{"room-id": room.ID},
	}

	err := m.client.CreateMeeting(ctx, endpoint(server), req)
	if err != nil {
		if delErr := m.store.DeleteMeeting(context.WithoutCancel(ctx), mt.ID); delErr != nil {
			m.log.Error("rollback of failed meeting start",
				logger.String("meeting_id", mt.ID),
				logger.Error(delErr))
		}
		m.reportFailure(ctx, server.ID)

		serr := &StartError{Kind: RemoteRejected, Auth: media.IsAuthFailure(err), Err: err}
		if kind, _ := media.KindOf(err); kind == media.KindUnreachable || kind == "" {
			serr.Kind = Unreachable
			m.compensate(ctx, server, mt.ID, mt.ModeratorPW)
		}
		m.log.Warn("meeting start failed",
			logger.String("meeting_id", mt.ID),
			logger.String("server_id", server.ID),
			logger.String("kind", string(serr.Kind)),
			logger.Error(err))
		return serr
	}

	m.reportSuccess(ctx, server.ID)
	at := m.now()
	if err := m.store.MarkMeetingRunning(ctx, mt.ID, at); err != nil {
		// The server has the meeting but the row cannot say so. Drop both so
		// the room is free again.
		if delErr := m.store.DeleteMeeting(context.WithoutCancel(ctx), mt.ID); delErr != nil {
			m.log.Error("rollback of unmarked meeting",
				logger.String("meeting_id", mt.ID),
				logger.Error(delErr))
		}
		m.compensate(ctx, server, mt.ID, mt.ModeratorPW)
		return fmt.Errorf("mark meeting running: %w", err)
	}
	mt.RemoteCreatedAt = &at
	return nil
}

// compensate ends a meeting on its server in the background. It covers a
// create that may have landed after the transport gave up, and a create
// whose local bookkeeping failed.
func (m *Manager) compensate(ctx context.Context, server model.Server, meetingID, moderatorPW string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CompensateTimeout)
		defer cancel()
		err := m.client.EndMeeting(cctx, endpoint(server), meetingID, moderatorPW)
		if err != nil && !media.IsNotFound(err) {
			m.log.Debug("compensating end failed",
				logger.String("meeting_id", meetingID),
				logger.String("server_id", server.ID),
				logger.Error(err))
		}
	}()
}

// IsRunning asks the server whether the meeting is live. A meeting the
// server does not confirm is ended locally.
func (m *Manager) IsRunning(ctx context.Context, mt model.Meeting, server model.Server) bool {
	running, err := m.client.GetMeetingInfo(ctx, endpoint(server), mt.ID)
	if err != nil {
		m.reportFailure(ctx, server.ID)
		m.log.Warn("meeting info failed, ending meeting",
			logger.String("meeting_id", mt.ID),
			logger.String("server_id", server.ID),
			logger.Error(err))
	} else {
		m.reportSuccess(ctx, server.ID)
	}
	if err == nil && running {
		return true
	}
	if endErr := m.End(ctx, mt.ID); endErr != nil {
		m.log.Error("end meeting", logger.String("meeting_id", mt.ID), logger.Error(endErr))
	}
	return false
}

// End marks the meeting ended and closes its open attendance intervals.
// Ending an ended meeting is a no-op.
func (m *Manager) End(ctx context.Context, meetingID string) error {
	ended, err := m.store.EndMeeting(ctx, meetingID, m.now())
	if err != nil {
		return fmt.Errorf("end meeting %s: %w", meetingID, err)
	}
	if ended {
		m.log.Info("meeting ended", logger.String("meeting_id", meetingID))
	}
	return nil
}

// Terminate ends the meeting on its server and then locally. A meeting the
// server no longer knows counts as terminated; an unreachable server leaves
// the meeting open.
func (m *Manager) Terminate(ctx context.Context, mt model.Meeting, server model.Server) error {
	err := m.client.EndMeeting(ctx, endpoint(server), mt.ID, mt.ModeratorPW)
	switch {
	case err == nil || media.IsNotFound(err):
		m.reportSuccess(ctx, server.ID)
	default:
		m.reportFailure(ctx, server.ID)
		if kind, _ := media.KindOf(err); kind != media.KindRejected {
			return fmt.Errorf("terminate meeting %s: %w", mt.ID, err)
		}
		m.log.Warn("server refused to end meeting, ending locally",
			logger.String("meeting_id", mt.ID),
			logger.String("server_id", server.ID),
			logger.Error(err))
	}
	return m.End(ctx, mt.ID)
}

// DetachAll marks every open meeting of the server as detached.
func (m *Manager) DetachAll(ctx context.Context, serverID string) (int64, error) {
	n, err := m.store.DetachMeetings(ctx, serverID, m.now())
	if err != nil {
		return 0, fmt.Errorf("detach meetings of %s: %w", serverID, err)
	}
	if n > 0 {
		metrics.Default().AddCounter("fleet_detached_meetings_total", float64(n), nil)
		m.log.Warn("meetings detached from offline server",
			logger.String("server_id", serverID),
			logger.Int64("count", n))
	}
	return n, nil
}

// EndDetached terminates the detached meetings of the server. Transport
// failures are logged and left for the next attempt.
func (m *Manager) EndDetached(ctx context.Context, server model.Server) (int, error) {
	open, err := m.store.ListOpenMeetings(ctx, server.ID)
	if err != nil {
		return 0, err
	}
	ended := 0
	for _, mt := range open {
		if mt.State() != model.MeetingDetached {
			continue
		}
		if err := m.Terminate(ctx, mt, server); err != nil {
			m.log.Debug("detached meeting not ended yet",
				logger.String("meeting_id", mt.ID),
				logger.Error(err))
			continue
		}
		ended++
	}
	return ended, nil
}

// PanicServer disables the server and tries to end every open meeting on it.
// Partial failure is reported through the counts.
func (m *Manager) PanicServer(ctx context.Context, serverID string) (total, succeeded int, err error) {
	if err := m.store.SetServerStatus(ctx, serverID, model.ServerDisabled); err != nil {
		return 0, 0, err
	}
	server, err := m.store.GetServer(ctx, serverID)
	if err != nil {
		return 0, 0, err
	}
	open, err := m.store.ListOpenMeetings(ctx, serverID)
	if err != nil {
		return 0, 0, err
	}
	for _, mt := range open {
		total++
		if err := m.Terminate(ctx, mt, *server); err != nil {
			m.log.Warn("panic: meeting not ended",
				logger.String("meeting_id", mt.ID),
				logger.Error(err))
			continue
		}
		succeeded++
	}
	m.log.Warn("server panicked",
		logger.String("server_id", serverID),
		logger.Int("total", total),
		logger.Int("succeeded", succeeded))
	return total, succeeded, nil
}

// VerifyCallback authenticates an end callback and ends the meeting.
func (m *Manager) VerifyCallback(ctx context.Context, meetingID, salt string) error {
	mt, err := m.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	server, err := m.store.GetServer(ctx, mt.ServerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCallback
		}
		return err
	}
	if !ValidSalt(meetingID, server.Secret, salt) {
		return ErrInvalidCallback
	}
	return m.End(ctx, meetingID)
}

func (m *Manager) endCallbackURL(meetingID, secret string) string {
	q := url.Values{}
	q.Set("meetingID", meetingID)
	q.Set("salt", Salt(meetingID, secret))
	return m.opts.CallbackBaseURL + "/api/v1/meetings/end-callback?" + q.Encode()
}

func (m *Manager) reportFailure(ctx context.Context, serverID string) {
	if _, _, err := m.health.OnFailure(context.WithoutCancel(ctx), serverID); err != nil {
		m.log.Error("record server failure", logger.String("server_id", serverID), logger.Error(err))
	}
}

func (m *Manager) reportSuccess(ctx context.Context, serverID string) {
	if _, _, err := m.health.OnSuccess(context.WithoutCancel(ctx), serverID); err != nil {
		m.log.Error("record server success", logger.String("server_id", serverID), logger.Error(err))
	}
}

func guestPolicy(room model.Room) string {
	if room.LobbyEnabled {
		return "ASK_MODERATOR"
	}
	return "ALWAYS_ACCEPT"
}
