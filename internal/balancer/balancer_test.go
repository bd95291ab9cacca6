package balancer

import (
	"math/rand"
	"testing"

	"github.com/telemyapp/fleet-control-plane/internal/model"
)

func server(id string, strength int, health model.ServerHealth, u *model.Usage) model.Server {
	return model.Server{ID: id, Strength: strength, Health: health, Usage: u}
}

func TestSelectServerPicksLowestWeightedScore(t *testing.T) {
	servers := []model.Server{
		server("a", 1, model.HealthOnline, &model.Usage{ParticipantCount: 10, VoiceParticipantCount: 2, VideoCount: 1}),
		server("b", 1, model.HealthOnline, &model.Usage{ParticipantCount: 4, VoiceParticipantCount: 4, VideoCount: 2}), 
		server("c", 1, model.HealthOffline, nil),
	}
	got, ok := SelectServer(servers, DefaultWeights())
	if !ok || got.ID != "b" {
		t.Fatalf("expected b, got %q ok=%v", got.ID, ok)
	}
}

func TestSelectServerNormalisesByStrength(t *testing.T) {
	servers := []model.Server{
		server("small", 1, model.HealthOnline, &model.Usage{ParticipantCount: 6}),
		server("large", 4, model.HealthOnline, &model.Usage{ParticipantCount: 20}),
	}
	got, ok := SelectServer(servers, DefaultWeights())
	if !ok || got.ID != "large" {
		t.Fatalf("expected large (20/4 < 6/1), got %q", got.ID)
	}
}

func TestSelectServerTieKeepsInputOrder(t *testing.T) {
	servers := []model.Server{
		server("first", 1, model.HealthOnline, &model.Usage{}),
		server("second", 1, model.HealthOnline, nil),
	}
	got, _ := SelectServer(servers, DefaultWeights())
	if got.ID != "first" {
		t.Fatalf("expected first on tie, got %q", got.ID)
	}
}

func TestSelectServerNoneOnline(t *testing.T) {
	servers := []model.Server{
		server("a", 1, model.HealthOffline, nil),
		server("b", 2, model.HealthOffline, nil),
	}
	if _, ok := SelectServer(servers, DefaultWeights()); ok {
		t.Fatal("expected no server")
	}
	if _, ok := SelectServer(nil, DefaultWeights()); ok {
		t.Fatal("expected no server for empty pool")
	}
}

func TestSelectServerUsesConfiguredWeights(t *testing.T) {
	servers := []model.Server{
		server("video", 1, model.HealthOnline, &model.Usage{ParticipantCount: 1, VideoCount: 1}),
		server("crowd", 1, model.HealthOnline, &model.Usage{ParticipantCount: 3}),
	}
	if got, _ := SelectServer(servers, DefaultWeights()); got.ID != "crowd" {
		t.Fatalf("default weights: expected crowd (3 < 4), got %q", got.ID)
	}
	if got, _ := SelectServer(servers, Weights{Video: 0, Voice: 2, Participant: 1}); got.ID != "video" {
		t.Fatalf("video weight zero: expected video (1 < 3), got %q", got.ID)
	}
}

func TestSelectServerMatchesRankOnRandomPools(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := rng.Intn(6)
		servers := make([]model.Server, 0, n)
		for j := 0; j < n; j++ {
			health := model.HealthOnline
			if rng.Intn(3) == 0 {
				health = model.HealthOffline
			}
			voice := rng.Intn(5)
			servers = append(servers, server(string(rune('a'+j)), 1+rng.Intn(4), health, &model.Usage{
				ParticipantCount:      voice + rng.Intn(20),
				VoiceParticipantCount: voice,
				VideoCount:            rng.Intn(6),
			}))
		}

		got, ok := SelectServer(servers, DefaultWeights())
		ranked := Rank(servers, DefaultWeights())
		if ok != (len(ranked) > 0) {
			t.Fatalf("pool %d: ok=%v but %d online candidates", i, ok, len(ranked))
		}
		if !ok {
			continue
		}
		if got.ID != ranked[0].Server.ID {
			t.Fatalf("pool %d: SelectServer=%s Rank[0]=%s", i, got.ID, ranked[0].Server.ID)
		}
		for _, c := range ranked {
			if c.Score < Score(got, DefaultWeights()) {
				t.Fatalf("pool %d: %s scores lower than selected %s", i, c.Server.ID, got.ID)
			}
		}
	}
}
