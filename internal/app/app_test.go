package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemyapp/fleet-control-plane/internal/auth"
	"github.com/telemyapp/fleet-control-plane/internal/config"
	"github.com/telemyapp/fleet-control-plane/internal/media"
	"github.com/telemyapp/fleet-control-plane/internal/model"
	"github.com/telemyapp/fleet-control-plane/internal/store/memstore"
)

func memoryConfig() config.Config {
	return config.Config{
		StoreBackend:      "memory",
		MediaBackend:      "fake",
		LockBackend:       "memory",
		JWTSecret:         "test-secret",
		AdminKey:          "admin-key",
		CallbackBaseURL:   "https://fleet.example",
		ConnectTimeout:    time.Second,
		ResponseTimeout:   time.Second,
		WeightVideo:       3,
		WeightVoice:       2,
		WeightParticipant: 1,
		OnlineThreshold:   2,
		OfflineThreshold:  2,
		ReconcileInterval: time.Minute,
		ReconcileWorkers:  2,
	}
}

func TestNewMemoryApp(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.IsType(t, &memstore.Store{}, a.Store)
	assert.IsType(t, &media.FakeClient{}, a.Media)
	assert.False(t, a.Inventory.Enabled())
	require.Len(t, a.Jobs(), 1)
	assert.Equal(t, "fleet_reconciliation", a.Jobs()[0].Name)
}

func TestNewSchedulesInventoryWhenFileConfigured(t *testing.T) {
	cfg := memoryConfig()
	cfg.InventoryFile = "/etc/fleet/inventory.yaml"
	cfg.InventoryInterval = time.Hour

	a, err := New(context.Background(), cfg, Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	jobs := a.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "inventory_sync", jobs[1].Name)
	assert.Equal(t, time.Hour, jobs[1].Interval)
}

func TestWeightsFromConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.WeightVoice = 1.5
	w := Weights(cfg)
	assert.Equal(t, 3.0, w.Video)
	assert.Equal(t, 1.5, w.Voice)
	assert.Equal(t, 1.0, w.Participant)
}

// A meeting started over HTTP is detached when its server goes offline and
// ended once the server is back.
func TestStartedMeetingFollowsServerHealth(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(), Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	st := a.Store.(*memstore.Store)
	fake := a.Media.(*media.FakeClient)
	baseURL := "https://media-1.example/bigbluebutton/"
	st.PutServer(model.Server{ID: "srv_1", Name: "media-1", BaseURL: baseURL, Secret: "s", Strength: 1,
		Status: model.ServerOnline, Health: model.HealthOnline, Usage: &model.Usage{}})
	st.PutPool(model.ServerPool{ID: "pool_1", Name: "default", ServerIDs: []string{"srv_1"}})
	st.PutRoomType(model.RoomType{ID: "rt_1", Name: "meeting", ServerPoolID: "pool_1"})
	st.PutRoom(model.Room{ID: "room_1", Name: "Standup", OwnerID: "u_owner", RoomTypeID: "rt_1"})

	token, err := auth.Sign("test-secret", "u_owner", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rooms/room_1/start", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var body struct {
		MeetingID string `json:"meeting_id"`
		ServerID  string `json:"server_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "srv_1", body.ServerID)
	require.True(t, fake.HasMeeting(baseURL, body.MeetingID))

	state := func() model.MeetingState {
		mt, err := st.GetMeeting(ctx, body.MeetingID)
		require.NoError(t, err)
		return mt.State()
	}
	assert.Equal(t, model.MeetingRunning, state())

	fake.SetUnreachable(baseURL, true)
	for i := 0; i < 2; i++ {
		res, err := a.Reconciler.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Servers)
	}
	assert.Equal(t, model.MeetingDetached, state())

	fake.SetUnreachable(baseURL, false)
	for i := 0; i < 2; i++ {
		_, err := a.Reconciler.Sweep(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, model.MeetingEnded, state())
	srv, err := st.GetServer(ctx, "srv_1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthOnline, srv.Health)
}

// A server that goes offline outside a sweep still loses the live
// counters of its rooms.
func TestOfflineOutsideSweepClearsRoomUsage(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(), Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	st := a.Store.(*memstore.Store)
	srv := model.Server{ID: "srv_1", Name: "media-1", BaseURL: "https://media-1.example/bigbluebutton/", Secret: "s", Strength: 1,
		Status: model.ServerOnline, Health: model.HealthOnline, Usage: &model.Usage{}}
	st.PutServer(srv)
	latest := "mtg_1"
	st.PutRoom(model.Room{ID: "room_1", Name: "Standup", LatestMeetingID: &latest, Usage: &model.Usage{ParticipantCount: 5}})
	created := time.Now().UTC()
	mt := model.Meeting{ID: "mtg_1", RoomID: "room_1", ServerID: "srv_1", Start: created, RemoteCreatedAt: &created}
	st.PutMeeting(mt)

	for i := 0; i < 2; i++ {
		_, _, err := a.Tracker.OnFailure(ctx, "srv_1")
		require.NoError(t, err)
	}

	room, err := st.GetRoom(ctx, "room_1")
	require.NoError(t, err)
	assert.Nil(t, room.Usage)
	got, err := st.GetServer(ctx, "srv_1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthOffline, got.Health)
	meetings := st.RoomMeetings("room_1")
	require.Len(t, meetings, 1)
	assert.Equal(t, model.MeetingDetached, meetings[0].State())
}
