package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemyapp/fleet-control-plane/internal/model"
	"github.com/telemyapp/fleet-control-plane/internal/store"
)

func strp(v string) *string { return &v }

func TestEndMeetingIsIdempotentAndClosesAttendees(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutMeeting(model.Meeting{ID: "m1", RoomID: "r1", ServerID: "srv_1", Start: time.Now()})
	require.NoError(t, s.AddAttendees(ctx, []model.Attendee{
		{MeetingID: "m1", UserID: strp("u1"), Join: time.Now()},
		{MeetingID: "m1", SessionID: strp("guest"), Join: time.Now()},
	}))

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ended, err := s.EndMeeting(ctx, "m1", at)
	require.NoError(t, err)
	assert.True(t, ended)

	ended, err = s.EndMeeting(ctx, "m1", at.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ended)

	m, err := s.GetMeeting(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, at, *m.End)
	for _, a := range s.Attendees("m1") {
		require.NotNil(t, a.Leave)
		assert.Equal(t, at, *a.Leave)
	}

	_, err = s.EndMeeting(ctx, "missing", at)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestCreateMeetingRejectsSecondOpenMeeting(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateMeeting(ctx, &model.Meeting{ID: "m1", RoomID: "r1"}))
	assert.ErrorIs(t, s.CreateMeeting(ctx, &model.Meeting{ID: "m2", RoomID: "r1"}), store.ErrRoomBusy)

	_, err := s.EndMeeting(ctx, "m1", time.Now())
	require.NoError(t, err)
	assert.NoError(t, s.CreateMeeting(ctx, &model.Meeting{ID: "m2", RoomID: "r1"}))
}

func TestOfflineHealthClearsUsageAndVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := s.PutServer(model.Server{Name: "a", Health: model.HealthOnline, Usage: &model.Usage{ParticipantCount: 4}, Version: strp("2.7")})

	_, _, err := s.UpdateServerHealth(ctx, id, func(model.HealthState) model.HealthState {
		return model.HealthState{Health: model.HealthOffline}
	})
	require.NoError(t, err)

	srv, err := s.GetServer(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, srv.Usage)
	assert.Nil(t, srv.Version)

	updated, err := s.UpdateServerUsage(ctx, id, model.Usage{ParticipantCount: 1}, nil)
	require.NoError(t, err)
	assert.False(t, updated, "offline servers must keep null counters")
}

func TestDrainedServerIsDisabledOnlyWhenIdle(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := s.PutServer(model.Server{Name: "a", Status: model.ServerDraining})
	s.PutMeeting(model.Meeting{ID: "m1", RoomID: "r1", ServerID: id})

	flipped, err := s.DisableDrainedServer(ctx, id)
	require.NoError(t, err)
	assert.False(t, flipped)

	_, err = s.EndMeeting(ctx, "m1", time.Now())
	require.NoError(t, err)
	flipped, err = s.DisableDrainedServer(ctx, id)
	require.NoError(t, err)
	assert.True(t, flipped)
	assert.NoError(t, s.DeleteServer(ctx, id))
}

func TestDeletePoolReferencedByRoomType(t *testing.T) {
	ctx := context.Background()
	s := New()
	rtID, err := s.UpsertRoomType(ctx, model.RoomTypeSpec{Name: "lecture", Pool: "default"})
	require.NoError(t, err)
	rt, err := s.GetRoomType(ctx, rtID)
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteServerPool(ctx, rt.ServerPoolID), store.ErrPoolInUse)
	assert.ErrorIs(t, s.DeleteServerPool(ctx, "pool_missing"), store.ErrNotFound)
}

func TestUpsertServerKeepsOperatorStatus(t *testing.T) {
	ctx := context.Background()
	s := New()
	spec := model.ServerSpec{Name: "a", BaseURL: "https://a.example/", Secret: "x", Strength: 1, Status: model.ServerOnline, Pools: []string{"default"}}
	id, err := s.UpsertServer(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, s.SetServerStatus(ctx, id, model.ServerDraining))

	spec.Secret = "rotated"
	again, err := s.UpsertServer(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	srv, err := s.GetServer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ServerDraining, srv.Status)
	assert.Equal(t, "rotated", srv.Secret)
}
