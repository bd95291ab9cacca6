package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("FLEET_DATABASE_URL", "postgres://fleet@localhost/fleet")
	t.Setenv("FLEET_JWT_SECRET", "jwt-secret")
	t.Setenv("FLEET_ADMIN_KEY", "admin-key")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv returned err: %v", err)
	}
	if cfg.WeightVideo != 3 || cfg.WeightVoice != 2 || cfg.WeightParticipant != 1 {
		t.Fatalf("unexpected default weights: %v/%v/%v", cfg.WeightVideo, cfg.WeightVoice, cfg.WeightParticipant)
	}
	if cfg.OnlineThreshold != 3 || cfg.OfflineThreshold != 3 {
		t.Fatalf("unexpected default thresholds: %d/%d", cfg.OnlineThreshold, cfg.OfflineThreshold)
	}
	if got := cfg.LockWait(); got != 30*time.Second {
		t.Fatalf("expected lock wait 30s, got %s", got)
	}
	if cfg.StoreBackend != "postgres" || cfg.LockBackend != "redis" || cfg.MediaBackend != "http" {
		t.Fatalf("unexpected backends: %s/%s/%s", cfg.StoreBackend, cfg.LockBackend, cfg.MediaBackend)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("FLEET_CONNECT_TIMEOUT", "2s")
	t.Setenv("FLEET_RESPONSE_TIMEOUT", "3s")
	t.Setenv("FLEET_LB_WEIGHT_VIDEO", "5")
	t.Setenv("FLEET_LB_WEIGHT_VOICE", "0.5")
	t.Setenv("FLEET_LB_WEIGHT_PARTICIPANT", "0")
	t.Setenv("FLEET_SERVER_OFFLINE_THRESHOLD", "not-a-number")
	t.Setenv("FLEET_EC2_REGIONS", "us-east-1, eu-west-1,")
	t.Setenv("FLEET_CALLBACK_BASE_URL", "https://fleet.example.org/")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv returned err: %v", err)
	}
	if cfg.LockWait() != 5*time.Second {
		t.Fatalf("expected 5s lock wait, got %s", cfg.LockWait())
	}
	if cfg.WeightVideo != 5 {
		t.Fatalf("expected video weight 5, got %v", cfg.WeightVideo)
	}
	if cfg.WeightVoice != 0.5 || cfg.WeightParticipant != 0 {
		t.Fatalf("expected fractional and zero weights, got %v/%v", cfg.WeightVoice, cfg.WeightParticipant)
	}
	if cfg.OfflineThreshold != 3 {
		t.Fatalf("invalid threshold should fall back to default, got %d", cfg.OfflineThreshold)
	}
	if len(cfg.EC2Regions) != 2 || cfg.EC2Regions[1] != "eu-west-1" {
		t.Fatalf("unexpected regions: %v", cfg.EC2Regions)
	}
	if cfg.CallbackBaseURL != "https://fleet.example.org" {
		t.Fatalf("expected trailing slash trimmed, got %s", cfg.CallbackBaseURL)
	}
}

func TestLoadFromEnv_InvalidWeightsFallBack(t *testing.T) {
	setRequired(t)
	t.Setenv("FLEET_LB_WEIGHT_VIDEO", "-1")
	t.Setenv("FLEET_LB_WEIGHT_VOICE", "heavy")
	t.Setenv("FLEET_LB_WEIGHT_PARTICIPANT", "NaN")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv returned err: %v", err)
	}
	if cfg.WeightVideo != 3 || cfg.WeightVoice != 2 || cfg.WeightParticipant != 1 {
		t.Fatalf("invalid weights should fall back to defaults, got %v/%v/%v", cfg.WeightVideo, cfg.WeightVoice, cfg.WeightParticipant)
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing database url", env: map[string]string{"FLEET_DATABASE_URL": ""}},
		{name: "bad store backend", env: map[string]string{"FLEET_STORE": "mysql"}},
		{name: "bad lock backend", env: map[string]string{"FLEET_LOCK_BACKEND": "etcd"}},
		{name: "bad media backend", env: map[string]string{"FLEET_MEDIA_BACKEND": "grpc"}},
		{name: "missing admin key", env: map[string]string{"FLEET_ADMIN_KEY": ""}},
		{name: "bad url template", env: map[string]string{"FLEET_EC2_URL_TEMPLATE": "https://static/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadFromEnv(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadFromEnv_MemoryStoreNeedsNoDatabase(t *testing.T) {
	setRequired(t)
	t.Setenv("FLEET_DATABASE_URL", "")
	t.Setenv("FLEET_STORE", "memory")
	if _, err := LoadFromEnv(); err != nil {
		t.Fatalf("expected memory store without database url to load, got %v", err)
	}
}
