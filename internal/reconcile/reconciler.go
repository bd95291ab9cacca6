// Package reconcile brings local meeting and server state in line with what
// the media servers report.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telemyapp/fleet-control-plane/internal/health"
	"github.com/telemyapp/fleet-control-plane/internal/logger"
	"github.com/telemyapp/fleet-control-plane/internal/media"
	"github.com/telemyapp/fleet-control-plane/internal/metrics"
	"github.com/telemyapp/fleet-control-plane/internal/model"
)

type Store interface {
	ListServers(ctx context.Context) ([]model.Server, error)
	GetServer(ctx context.Context, id string) (*model.Server, error)
	UpdateServerUsage(ctx context.Context, id string, usage model.Usage, version *string) (bool, error)
	DisableDrainedServer(ctx context.Context, id string) (bool, error)
	InsertServerStat(ctx context.Context, stat model.ServerStat) error
	ClearRoomUsageForServer(ctx context.Context, serverID string) (int64, error)
	UpdateRoomUsage(ctx context.Context, roomID, meetingID string, usage model.Usage) error
	ListOpenMeetings(ctx context.Context, serverID string) ([]model.Meeting, error)
	InsertMeetingStat(ctx context.Context, stat model.MeetingStat) error
	ListOpenAttendees(ctx context.Context, meetingID string) ([]model.Attendee, error)
	AddAttendees(ctx context.Context, attendees []model.Attendee) error
	CloseAttendees(ctx context.Context, ids []int64, at time.Time) error
}

type HealthRecorder interface {
	OnFailure(ctx context.Context, serverID string) (health.Transition, model.HealthState, error)
	OnSuccess(ctx context.Context, serverID string) (health.Transition, model.HealthState, error)
}

type Meetings interface {
	End(ctx context.Context, meetingID string) error
	Terminate(ctx context.Context, m model.Meeting, server model.Server) error
	EndDetached(ctx context.Context, server model.Server) (int, error)
}

type Options struct {
	ServerStats  bool
	MeetingStats bool
	// Workers bounds how many servers a sweep ticks at once.
	Workers int
	// CreatedGrace is how long a meeting may stay in created before it is
	// treated as an abandoned start. It must exceed the room lock lease.
	CreatedGrace time.Duration
	Now          func() time.Time
}

const defaultCreatedGrace = 5 * time.Minute

type Reconciler struct {
	store    Store
	client   media.Client
	health   HealthRecorder
	meetings Meetings
	opts     Options
	log      logger.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(st Store, client media.Client, hr HealthRecorder, meetings Meetings, opts Options, log logger.Logger) *Reconciler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.CreatedGrace <= 0 {
		opts.CreatedGrace = defaultCreatedGrace
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Reconciler{
		store:    st,
		client:   client,
		health:   hr,
		meetings: meetings,
		opts:     opts,
		log:      log,
		inflight: make(map[string]struct{}),
	}
}

func (r *Reconciler) now() time.Time {
	if r.opts.Now != nil {
		return r.opts.Now().UTC()
	}
	return time.Now().UTC()
}

func endpoint(s model.Server) media.Endpoint {
	return media.Endpoint{BaseURL: s.BaseURL, Secret: s.Secret}
}

type SweepResult struct {
	Servers int
	Failed  int
	Skipped int
}

// Sweep ticks every server through a bounded worker pool. A server whose
// previous tick is still running is skipped.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	servers, err := r.store.ListServers(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list servers: %w", err)
	}

	var (
		mu  sync.Mutex
		res SweepResult
		g   errgroup.Group
	)
	g.SetLimit(r.opts.Workers)
	for _, srv := range servers {
		if srv.Status == model.ServerDisabled {
			continue
		}
		if !r.claim(srv.ID) {
			mu.Lock()
			res.Skipped++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			defer r.unclaim(srv.ID)
			err := r.Tick(ctx, srv)
			mu.Lock()
			defer mu.Unlock()
			res.Servers++
			if err != nil {
				res.Failed++
				r.log.Error("reconcile server", logger.String("server_id", srv.ID), logger.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

func (r *Reconciler) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[id]; busy {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Reconciler) unclaim(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}

// Tick reconciles one server. Remote failures feed the health tracker and
// are not returned; only local persistence errors are.
func (r *Reconciler) Tick(ctx context.Context, server model.Server) error {
	if server.Status == model.ServerDisabled {
		return nil
	}

	// Local meetings are read before the remote list: a meeting marked
	// running after this point must not be judged against an older list.
	local, err := r.store.ListOpenMeetings(ctx, server.ID)
	if err != nil {
		return fmt.Errorf("list open meetings: %w", err)
	}

	remote, err := r.client.ListMeetings(ctx, endpoint(server))
	if err != nil {
		r.log.Warn("list meetings failed",
			logger.String("server_id", server.ID),
			logger.Error(err))
		if _, _, herr := r.health.OnFailure(ctx, server.ID); herr != nil {
			return fmt.Errorf("record failure: %w", herr)
		}
	} else {
		_, state, herr := r.health.OnSuccess(ctx, server.ID)
		if herr != nil {
			return fmt.Errorf("record success: %w", herr)
		}
		if state.Health == model.HealthOnline {
			if err := r.refreshServer(ctx, server, remote); err != nil {
				return err
			}
		}
		if err := r.reconcileMeetings(ctx, server, local, remote); err != nil {
			return err
		}
	}

	if _, err := r.meetings.EndDetached(ctx, server); err != nil {
		r.log.Warn("end detached meetings",
			logger.String("server_id", server.ID),
			logger.Error(err))
	}

	if server.Status == model.ServerDraining {
		disabled, err := r.store.DisableDrainedServer(ctx, server.ID)
		if err != nil {
			return fmt.Errorf("disable drained server: %w", err)
		}
		if disabled {
			r.log.Info("drained server disabled", logger.String("server_id", server.ID))
		}
	}
	return nil
}

// ClearRoomUsage drops the live counters of rooms whose latest meeting is on
// the server. It belongs in the health tracker's offline hook.
func (r *Reconciler) ClearRoomUsage(ctx context.Context, serverID string) error {
	if _, err := r.store.ClearRoomUsageForServer(ctx, serverID); err != nil {
		return fmt.Errorf("clear room usage: %w", err)
	}
	return nil
}

// EndDetached runs detached cleanup for one server. It is the health
// tracker's online hook.
func (r *Reconciler) EndDetached(ctx context.Context, serverID string) error {
	server, err := r.store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	n, err := r.meetings.EndDetached(ctx, *server)
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.Info("detached meetings ended",
			logger.String("server_id", serverID),
			logger.Int("count", n))
	}
	return nil
}

// Aggregate sums the remote counters. Breakout rooms are left out of the
// participant total since their members are also listed in the parent.
func Aggregate(remote []media.RemoteMeeting) model.Usage {
	var u model.Usage
	for _, m := range remote {
		if !m.IsBreakout {
			u.ParticipantCount += m.ParticipantCount
		}
		u.ListenerCount += m.ListenerCount
		u.VoiceParticipantCount += m.VoiceParticipantCount
		u.VideoCount += m.VideoCount
		u.MeetingCount++
	}
	return u
}

func (r *Reconciler) refreshServer(ctx context.Context, server model.Server, remote []media.RemoteMeeting) error {
	usage := Aggregate(remote)

	var version *string
	if v, err := r.client.GetVersion(ctx, endpoint(server)); err != nil {
		r.log.Debug("version lookup failed", logger.String("server_id", server.ID), logger.Error(err))
	} else if v != "" {
		version = &v
	}

	stored, err := r.store.UpdateServerUsage(ctx, server.ID, usage, version)
	if err != nil {
		return fmt.Errorf("update server usage: %w", err)
	}
	if !stored {
		return nil
	}
	metrics.Default().SetGauge("fleet_server_participants", float64(usage.ParticipantCount), map[string]string{"server": server.ID})
	if r.opts.ServerStats {
		if err := r.store.InsertServerStat(ctx, model.ServerStat{ServerID: server.ID, Usage: usage, CreatedAt: r.now()}); err != nil {
			return fmt.Errorf("insert server stat: %w", err)
		}
	}
	return nil
}

// reconcileMeetings compares the local snapshot taken before the remote list
// with that list.
func (r *Reconciler) reconcileMeetings(ctx context.Context, server model.Server, local []model.Meeting, remote []media.RemoteMeeting) error {
	reported := make(map[string]media.RemoteMeeting, len(remote))
	for _, m := range remote {
		reported[m.MeetingID] = m
	}

	for _, mt := range local {
		switch mt.State() {
		case model.MeetingRunning:
		case model.MeetingCreated:
			if r.now().Sub(mt.Start) >= r.opts.CreatedGrace {
				if err := r.endAbandoned(ctx, server, mt, reported); err != nil {
					return err
				}
			}
			continue
		default:
			// Detached meetings are not expected in the remote list.
			continue
		}
		rm, ok := reported[mt.ID]
		if !ok {
			r.log.Info("ghost meeting ended",
				logger.String("meeting_id", mt.ID),
				logger.String("server_id", server.ID))
			metrics.Default().IncCounter("fleet_ghost_meetings_total", nil)
			if err := r.meetings.End(ctx, mt.ID); err != nil {
				return err
			}
			continue
		}
		if err := r.updateMeeting(ctx, mt, rm); err != nil {
			return err
		}
	}
	return nil
}

// endAbandoned ends a meeting whose start never completed. If the server has
// it, it is ended there first; an unreachable end is retried next tick.
func (r *Reconciler) endAbandoned(ctx context.Context, server model.Server, mt model.Meeting, reported map[string]media.RemoteMeeting) error {
	r.log.Warn("abandoned start ended",
		logger.String("meeting_id", mt.ID),
		logger.String("server_id", server.ID),
		logger.Bool("remote", hasMeeting(reported, mt.ID)))
	if !hasMeeting(reported, mt.ID) {
		return r.meetings.End(ctx, mt.ID)
	}
	if err := r.meetings.Terminate(ctx, mt, server); err != nil {
		r.log.Warn("abandoned meeting not ended remotely",
			logger.String("meeting_id", mt.ID),
			logger.Error(err))
	}
	return nil
}

func hasMeeting(reported map[string]media.RemoteMeeting, id string) bool {
	_, ok := reported[id]
	return ok
}

func (r *Reconciler) updateMeeting(ctx context.Context, mt model.Meeting, rm media.RemoteMeeting) error {
	usage := model.Usage{
		ParticipantCount:      rm.ParticipantCount,
		ListenerCount:         rm.ListenerCount,
		VoiceParticipantCount: rm.VoiceParticipantCount,
		VideoCount:            rm.VideoCount,
	}
	if err := r.store.UpdateRoomUsage(ctx, mt.RoomID, mt.ID, usage); err != nil {
		return fmt.Errorf("update room usage: %w", err)
	}
	if r.opts.MeetingStats {
		if err := r.store.InsertMeetingStat(ctx, model.MeetingStat{MeetingID: mt.ID, Usage: usage, CreatedAt: r.now()}); err != nil {
			return fmt.Errorf("insert meeting stat: %w", err)
		}
	}
	if mt.RecordAttendance {
		if err := r.syncAttendance(ctx, mt, rm.Attendees); err != nil {
			return fmt.Errorf("sync attendance of %s: %w", mt.ID, err)
		}
	}
	return nil
}

// syncAttendance opens an interval for every newly listed identity and
// closes the intervals of identities no longer listed.
func (r *Reconciler) syncAttendance(ctx context.Context, mt model.Meeting, listed []media.RemoteAttendee) error {
	open, err := r.store.ListOpenAttendees(ctx, mt.ID)
	if err != nil {
		return err
	}
	openByIdentity := make(map[string]model.Attendee, len(open))
	for _, a := range open {
		openByIdentity[a.Identity()] = a
	}

	now := r.now()
	seen := make(map[string]struct{}, len(listed))
	var joined []model.Attendee
	for _, ra := range listed {
		a, ok := parseIdentity(ra)
		if !ok {
			continue
		}
		id := a.Identity()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, already := openByIdentity[id]; already {
			continue
		}
		a.MeetingID = mt.ID
		a.Join = now
		joined = append(joined, a)
	}

	var left []int64
	for id, a := range openByIdentity {
		if _, still := seen[id]; !still {
			left = append(left, a.ID)
		}
	}

	if len(joined) > 0 {
		if err := r.store.AddAttendees(ctx, joined); err != nil {
			return err
		}
	}
	if len(left) > 0 {
		if err := r.store.CloseAttendees(ctx, left, now); err != nil {
			return err
		}
	}
	return nil
}

// parseIdentity maps the remote user id back to a user or guest session.
// Participants joined outside this system are not tracked.
func parseIdentity(ra media.RemoteAttendee) (model.Attendee, bool) {
	kind, value, ok := strings.Cut(ra.UserID, ":")
	if !ok || value == "" {
		return model.Attendee{}, false
	}
	a := model.Attendee{Name: ra.FullName}
	switch kind {
	case "user":
		a.UserID = &value
	case "session":
		a.SessionID = &value
	default:
		return model.Attendee{}, false
	}
	return a, true
}
