package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemyapp/fleet-control-plane/internal/model"
	"github.com/telemyapp/fleet-control-plane/internal/store/memstore"
)

var th = Thresholds{Online: 3, Offline: 3}

func TestFailuresFlipOfflineExactlyOnce(t *testing.T) {
	s := model.HealthState{Health: model.HealthOnline}
	flips := 0
	for i := 0; i < 6; i++ {
		var tr Transition
		s, tr = Apply(s, Failure, th)
		if tr == WentOffline {
			flips++
			if i != 2 {
				t.Fatalf("flipped on failure %d, want the third", i+1)
			}
		}
	}
	if flips != 1 || s.Health != model.HealthOffline {
		t.Fatalf("flips=%d state=%+v", flips, s)
	}
}

func TestInterleavedSuccessResetsErrorCount(t *testing.T) {
	s := model.HealthState{Health: model.HealthOnline}
	s, _ = Apply(s, Failure, th)
	s, _ = Apply(s, Failure, th)
	s, tr := Apply(s, Success, th)
	if tr != NoChange || s.ErrorCount != 0 || s.Health != model.HealthOnline {
		t.Fatalf("unexpected state after success: %+v %v", s, tr)
	}
	s, _ = Apply(s, Failure, th)
	s, tr = Apply(s, Failure, th)
	if tr != NoChange || s.Health != model.HealthOnline {
		t.Fatalf("two failures after reset must not flip: %+v", s)
	}
}

func TestRecoveryNeedsConsecutiveSuccesses(t *testing.T) {
	s := model.HealthState{Health: model.HealthOffline, ErrorCount: 3}
	s, _ = Apply(s, Success, th)
	s, _ = Apply(s, Success, th)
	s, _ = Apply(s, Failure, th)
	if s.RecoverCount != 0 || s.Health != model.HealthOffline {
		t.Fatalf("failure must restart recovery: %+v", s)
	}
	var tr Transition
	for i := 0; i < 3; i++ {
		s, tr = Apply(s, Success, th)
	}
	if tr != WentOnline {
		t.Fatalf("expected WentOnline, got %v", tr)
	}
	assert.Equal(t, model.HealthState{Health: model.HealthOnline}, s)
}

func TestTrackerFiresHooksAfterTransitions(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	usage := &model.Usage{ParticipantCount: 5}
	id := st.PutServer(model.Server{Name: "a", Health: model.HealthOnline, Usage: usage})

	var offline, online []string
	tracker := NewTracker(st, th, nil)
	tracker.SetOnOffline(func(_ context.Context, serverID string) error {
		offline = append(offline, serverID)
		return nil
	})
	tracker.SetOnOnline(func(_ context.Context, serverID string) error {
		online = append(online, serverID)
		return nil
	})

	for i := 0; i < 3; i++ {
		_, _, err := tracker.OnFailure(ctx, id)
		require.NoError(t, err)
	}
	require.Equal(t, []string{id}, offline)
	srv, err := st.GetServer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.HealthOffline, srv.Health)
	assert.Nil(t, srv.Usage)

	_, _, err = tracker.OnFailure(ctx, id)
	require.NoError(t, err)
	assert.Len(t, offline, 1, "already offline servers do not flip again")

	for i := 0; i < 3; i++ {
		_, _, err := tracker.OnSuccess(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{id}, online)
	srv, err = st.GetServer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.HealthState{Health: model.HealthOnline}, srv.HealthState())
}

func TestTrackerUnknownServer(t *testing.T) {
	tracker := NewTracker(memstore.New(), th, nil)
	_, _, err := tracker.OnFailure(context.Background(), "srv_missing")
	assert.Error(t, err)
}
