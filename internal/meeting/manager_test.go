package meeting

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemyapp/fleet-control-plane/internal/health"
	"github.com/telemyapp/fleet-control-plane/internal/media"
	"github.com/telemyapp/fleet-control-plane/internal/model"
	"github.com/telemyapp/fleet-control-plane/internal/store"
	"github.com/telemyapp/fleet-control-plane/internal/store/memstore"
)

type fixture struct {
	store   *memstore.Store
	client  *media.FakeClient
	tracker *health.Tracker
	mgr     *Manager
	server  model.Server
	room    model.Room
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	client := media.NewFakeClient()
	tracker := health.NewTracker(st, health.Thresholds{Online: 3, Offline: 3}, nil)
	mgr := NewManager(st, client, tracker, Options{CallbackBaseURL: "https://fleet.example", CompensateTimeout: time.Second}, nil)

	server := model.Server{ID: "srv_1", Name: "media-1", BaseURL: "https://media-1.example/bigbluebutton/", Secret: "s3cr3t", Strength: 1, Status: model.ServerOnline, Health: model.HealthOnline}
	st.PutServer(server)
	room := model.Room{ID: "room_1", Name: "Physics", OwnerID: "u_owner", RecordAttendance: true, WelcomeMessage: "hi", LobbyEnabled: true}
	st.PutRoom(room)
	t.Cleanup(mgr.Wait)
	return &fixture{store: st, client: client, tracker: tracker, mgr: mgr, server: server, room: room}
}

func (f *fixture) started(t *testing.T) *model.Meeting {
	t.Helper()
	ctx := context.Background()
	mt, err := f.mgr.Create(ctx, f.room, f.server)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(ctx, mt, f.room, f.server))
	return mt
}

func TestCreateCopiesRoomFlags(t *testing.T) {
	f := newFixture(t)
	mt, err := f.mgr.Create(context.Background(), f.room, f.server)
	require.NoError(t, err)
	assert.True(t, mt.RecordAttendance)
	assert.False(t, mt.Record)
	assert.Equal(t, model.MeetingCreated, mt.State())
	assert.NotEqual(t, mt.ModeratorPW, mt.AttendeePW)
	assert.Equal(t, "srv_1", mt.ServerID)
}

func TestStartMarksRunningAndSignsCallback(t *testing.T) {
	f := newFixture(t)
	mt := f.started(t)

	assert.Equal(t, model.MeetingRunning, mt.State())
	assert.True(t, f.client.HasMeeting(f.server.BaseURL, mt.ID))
	stored, err := f.store.GetMeeting(context.Background(), mt.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.RemoteCreatedAt)

	cb := f.mgr.endCallbackURL(mt.ID, f.server.Secret)
	require.True(t, strings.HasPrefix(cb, "https://fleet.example/api/v1/meetings/end-callback?"))
	u, err := url.Parse(cb)
	require.NoError(t, err)
	assert.True(t, ValidSalt(mt.ID, f.server.Secret, u.Query().Get("salt")))
}

func TestStartRejectedDeletesMeetingAndCountsFailure(t *testing.T) {
	f := newFixture(t)
	f.client.SetRejecting(f.server.BaseURL, "checksumError")
	ctx := context.Background()

	mt, err := f.mgr.Create(ctx, f.room, f.server)
	require.NoError(t, err)
	err = f.mgr.Start(ctx, mt, f.room, f.server)

	var serr *StartError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, RemoteRejected, serr.Kind)
	assert.True(t, serr.Auth)

	_, err = f.store.GetMeeting(ctx, mt.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	srv, _ := f.store.GetServer(ctx, f.server.ID)
	assert.Equal(t, 1, srv.ErrorCount)
}

func TestStartUnreachableIsCompensated(t *testing.T) {
	f := newFixture(t)
	f.client.SetUnreachable(f.server.BaseURL, true)
	ctx := context.Background()

	mt, err := f.mgr.Create(ctx, f.room, f.server)
	require.NoError(t, err)
	err = f.mgr.Start(ctx, mt, f.room, f.server)

	var serr *StartError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, Unreachable, serr.Kind)
	assert.False(t, serr.Auth)
	assert.Empty(t, f.store.RoomMeetings(f.room.ID))

	f.mgr.Wait()
	assert.Contains(t, f.client.Calls(), "end:"+f.server.BaseURL)
}

type markFailingStore struct {
	*memstore.Store
	failures int
}

func (s *markFailingStore) MarkMeetingRunning(ctx context.Context, id string, at time.Time) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("db blip")
	}
	return s.Store.MarkMeetingRunning(ctx, id, at)
}

func TestStartMarkFailureRollsBackBothSides(t *testing.T) {
	f := newFixture(t)
	st := &markFailingStore{Store: f.store, failures: 1}
	mgr := NewManager(st, f.client, f.tracker, Options{CallbackBaseURL: "https://fleet.example", CompensateTimeout: time.Second}, nil)
	ctx := context.Background()

	mt, err := mgr.Create(ctx, f.room, f.server)
	require.NoError(t, err)
	err = mgr.Start(ctx, mt, f.room, f.server)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark meeting running")

	mgr.Wait()
	assert.Empty(t, f.store.RoomMeetings(f.room.ID))
	assert.False(t, f.client.HasMeeting(f.server.BaseURL, mt.ID))

	again, err := mgr.Create(ctx, f.room, f.server)
	require.NoError(t, err, "room must not stay blocked")
	require.NoError(t, mgr.Start(ctx, again, f.room, f.server))
	assert.Equal(t, model.MeetingRunning, again.State())
}

func TestEndIsIdempotentAndClosesAttendance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mt := f.started(t)
	uid := "u_1"
	require.NoError(t, f.store.AddAttendees(ctx, []model.Attendee{{MeetingID: mt.ID, UserID: &uid, Join: time.Now()}}))

	require.NoError(t, f.mgr.End(ctx, mt.ID))
	first, err := f.store.GetMeeting(ctx, mt.ID)
	require.NoError(t, err)
	require.NoError(t, f.mgr.End(ctx, mt.ID))
	second, err := f.store.GetMeeting(ctx, mt.ID)
	require.NoError(t, err)

	assert.Equal(t, first.End, second.End)
	for _, a := range f.store.Attendees(mt.ID) {
		assert.NotNil(t, a.Leave)
	}
}

func TestIsRunning(t *testing.T) {
	ctx := context.Background()

	t.Run("running", func(t *testing.T) {
		f := newFixture(t)
		mt := f.started(t)
		assert.True(t, f.mgr.IsRunning(ctx, *mt, f.server))
	})

	t.Run("gone remotely ends locally", func(t *testing.T) {
		f := newFixture(t)
		mt := f.started(t)
		f.client.DropMeeting(f.server.BaseURL, mt.ID)
		assert.False(t, f.mgr.IsRunning(ctx, *mt, f.server))
		got, _ := f.store.GetMeeting(ctx, mt.ID)
		assert.Equal(t, model.MeetingEnded, got.State())
	})

	t.Run("unreachable ends locally and counts failure", func(t *testing.T) {
		f := newFixture(t)
		mt := f.started(t)
		f.client.SetUnreachable(f.server.BaseURL, true)
		assert.False(t, f.mgr.IsRunning(ctx, *mt, f.server))
		got, _ := f.store.GetMeeting(ctx, mt.ID)
		assert.Equal(t, model.MeetingEnded, got.State())
		srv, _ := f.store.GetServer(ctx, f.server.ID)
		assert.Equal(t, 1, srv.ErrorCount)
	})
}

func TestTerminate(t *testing.T) {
	ctx := context.Background()

	t.Run("not found remotely still ends", func(t *testing.T) {
		f := newFixture(t)
		mt := f.started(t)
		f.client.DropMeeting(f.server.BaseURL, mt.ID)
		require.NoError(t, f.mgr.Terminate(ctx, *mt, f.server))
		got, _ := f.store.GetMeeting(ctx, mt.ID)
		assert.Equal(t, model.MeetingEnded, got.State())
	})

	t.Run("unreachable keeps meeting open", func(t *testing.T) {
		f := newFixture(t)
		mt := f.started(t)
		f.client.SetUnreachable(f.server.BaseURL, true)
		require.Error(t, f.mgr.Terminate(ctx, *mt, f.server))
		got, _ := f.store.GetMeeting(ctx, mt.ID)
		assert.Equal(t, model.MeetingRunning, got.State())
	})
}

func TestDetachAllAndEndDetached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mt := f.started(t)

	n, err := f.mgr.DetachAll(ctx, f.server.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = f.mgr.DetachAll(ctx, f.server.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "already detached meetings keep their timestamp")

	f.client.SetUnreachable(f.server.BaseURL, true)
	ended, err := f.mgr.EndDetached(ctx, f.server)
	require.NoError(t, err)
	assert.Equal(t, 0, ended)

	f.client.SetUnreachable(f.server.BaseURL, false)
	ended, err = f.mgr.EndDetached(ctx, f.server)
	require.NoError(t, err)
	assert.Equal(t, 1, ended)
	got, _ := f.store.GetMeeting(ctx, mt.ID)
	assert.Equal(t, model.MeetingEnded, got.State())
	assert.NotNil(t, got.Detached)
}

func TestPanicServerReportsPartialSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := model.Room{ID: "room_2", Name: "Chemistry"}
	f.store.PutRoom(other)
	f.started(t)
	mt2, err := f.mgr.Create(ctx, other, f.server)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(ctx, mt2, other, f.server))
	f.client.DropMeeting(f.server.BaseURL, mt2.ID)

	total, succeeded, err := f.mgr.PanicServer(ctx, f.server.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, succeeded)

	srv, _ := f.store.GetServer(ctx, f.server.ID)
	assert.Equal(t, model.ServerDisabled, srv.Status)
	open, _ := f.store.ListOpenMeetings(ctx, f.server.ID)
	assert.Empty(t, open)
}

func TestPanicServerUnreachable(t *testing.T) {
	f := newFixture(t)
	f.started(t)
	f.client.SetUnreachable(f.server.BaseURL, true)

	total, succeeded, err := f.mgr.PanicServer(context.Background(), f.server.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, succeeded)
}

func TestVerifyCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mt := f.started(t)

	err := f.mgr.VerifyCallback(ctx, mt.ID, Salt(mt.ID, "wrong-secret"))
	assert.True(t, errors.Is(err, ErrInvalidCallback))
	got, _ := f.store.GetMeeting(ctx, mt.ID)
	assert.Equal(t, model.MeetingRunning, got.State())

	assert.ErrorIs(t, f.mgr.VerifyCallback(ctx, mt.ID, "not-hex"), ErrInvalidCallback)
	assert.ErrorIs(t, f.mgr.VerifyCallback(ctx, "missing", "00"), store.ErrNotFound)

	require.NoError(t, f.mgr.VerifyCallback(ctx, mt.ID, Salt(mt.ID, f.server.Secret)))
	got, _ = f.store.GetMeeting(ctx, mt.ID)
	assert.Equal(t, model.MeetingEnded, got.State())
}

func TestJoinURLUsesRolePassword(t *testing.T) {
	f := newFixture(t)
	mt := f.started(t)

	mod := f.mgr.JoinURL(*mt, f.server, Participant{UserID: "u_owner", Name: "Owner", Role: RoleModerator})
	att := f.mgr.JoinURL(*mt, f.server, Participant{SessionID: "abc", Name: "Guest", Role: RoleAttendee})

	assert.Contains(t, mod, "password="+mt.ModeratorPW)
	assert.Contains(t, att, "password="+mt.AttendeePW)
}
