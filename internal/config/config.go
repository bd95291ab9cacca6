package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr      string
	DatabaseURL     string
	StoreBackend    string
	JWTSecret       string
	AdminKey        string
	CallbackBaseURL string

	LogLevel  string
	PrettyLog bool

	MediaBackend    string
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration

	LockBackend   string
	RedisAddr     string
	RedisUser     string
	RedisPassword string
	RedisDB       int

	WeightVideo       float64
	WeightVoice       float64
	WeightParticipant float64

	OnlineThreshold  int
	OfflineThreshold int

	ReconcileInterval time.Duration
	ReconcileWorkers  int
	ServerStats       bool
	MeetingStats      bool

	InventoryFile     string
	EC2Regions        []string
	EC2TagKey         string
	EC2TagValue       string
	EC2SecretTag      string
	EC2URLTemplate    string
	InventoryInterval time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:      envOrDefault("FLEET_LISTEN_ADDR", ":8080"),
		DatabaseURL:     os.Getenv("FLEET_DATABASE_URL"),
		StoreBackend:    envOrDefault("FLEET_STORE", "postgres"),
		JWTSecret:       os.Getenv("FLEET_JWT_SECRET"),
		AdminKey:        os.Getenv("FLEET_ADMIN_KEY"),
		CallbackBaseURL: strings.TrimRight(envOrDefault("FLEET_CALLBACK_BASE_URL", "http://localhost:8080"), "/"),

		LogLevel:  envOrDefault("FLEET_LOG_LEVEL", "info"),
		PrettyLog: parseBoolEnv("FLEET_PRETTY_LOG", false),

		MediaBackend:    envOrDefault("FLEET_MEDIA_BACKEND", "http"),
		ConnectTimeout:  parseDurationEnv("FLEET_CONNECT_TIMEOUT", 20*time.Second),
		ResponseTimeout: parseDurationEnv("FLEET_RESPONSE_TIMEOUT", 10*time.Second),

		LockBackend:   envOrDefault("FLEET_LOCK_BACKEND", "redis"),
		RedisAddr:     envOrDefault("FLEET_REDIS_ADDR", "localhost:6379"),
		RedisUser:     os.Getenv("FLEET_REDIS_USERNAME"),
		RedisPassword: os.Getenv("FLEET_REDIS_PASSWORD"),
		RedisDB:       parseNonNegativeIntEnv("FLEET_REDIS_DB", 0),

		WeightVideo:       parseNonNegativeFloatEnv("FLEET_LB_WEIGHT_VIDEO", 3),
		WeightVoice:       parseNonNegativeFloatEnv("FLEET_LB_WEIGHT_VOICE", 2),
		WeightParticipant: parseNonNegativeFloatEnv("FLEET_LB_WEIGHT_PARTICIPANT", 1),

		OnlineThreshold:  ParsePositiveIntEnv("FLEET_SERVER_ONLINE_THRESHOLD", 3),
		OfflineThreshold: ParsePositiveIntEnv("FLEET_SERVER_OFFLINE_THRESHOLD", 3),

		ReconcileInterval: parseDurationEnv("FLEET_RECONCILE_INTERVAL", time.Minute),
		ReconcileWorkers:  ParsePositiveIntEnv("FLEET_RECONCILE_WORKERS", 4),
		ServerStats:       parseBoolEnv("FLEET_STATS_SERVERS", true),
		MeetingStats:      parseBoolEnv("FLEET_STATS_MEETINGS", true),

		InventoryFile:     os.Getenv("FLEET_INVENTORY_FILE"),
		EC2Regions:        splitCSV(os.Getenv("FLEET_EC2_REGIONS")),
		EC2TagKey:         envOrDefault("FLEET_EC2_TAG_KEY", "ManagedBy"),
		EC2TagValue:       envOrDefault("FLEET_EC2_TAG_VALUE", "fleet-control-plane"),
		EC2SecretTag:      envOrDefault("FLEET_EC2_SECRET_TAG", "FleetMediaSecret"),
		EC2URLTemplate:    envOrDefault("FLEET_EC2_URL_TEMPLATE", "https://%s/bigbluebutton/"),
		InventoryInterval: parseDurationEnv("FLEET_INVENTORY_INTERVAL", 10*time.Minute),
	}

	if cfg.StoreBackend != "postgres" && cfg.StoreBackend != "memory" {
		return Config{}, fmt.Errorf("FLEET_STORE must be one of postgres|memory")
	}
	if cfg.StoreBackend == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("FLEET_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("FLEET_JWT_SECRET is required")
	}
	if cfg.AdminKey == "" {
		return Config{}, fmt.Errorf("FLEET_ADMIN_KEY is required")
	}
	if cfg.MediaBackend != "http" && cfg.MediaBackend != "fake" {
		return Config{}, fmt.Errorf("FLEET_MEDIA_BACKEND must be one of http|fake")
	}
	if cfg.LockBackend != "redis" && cfg.LockBackend != "memory" {
		return Config{}, fmt.Errorf("FLEET_LOCK_BACKEND must be one of redis|memory")
	}
	if cfg.ConnectTimeout <= 0 || cfg.ResponseTimeout <= 0 {
		return Config{}, fmt.Errorf("FLEET_CONNECT_TIMEOUT and FLEET_RESPONSE_TIMEOUT must be positive")
	}
	if cfg.ReconcileInterval <= 0 {
		return Config{}, fmt.Errorf("FLEET_RECONCILE_INTERVAL must be positive")
	}
	if !strings.Contains(cfg.EC2URLTemplate, "%s") {
		return Config{}, fmt.Errorf("FLEET_EC2_URL_TEMPLATE must contain %%s for the host")
	}
	return cfg, nil
}

// LockWait bounds the wait for a room lock: one remote connect plus one
// remote response.
func (c Config) LockWait() time.Duration {
	return c.ConnectTimeout + c.ResponseTimeout
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func ParsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func parseNonNegativeIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return d
	}
	return n
}

// parseNonNegativeFloatEnv accepts zero so a dimension can be left out of
// the load score.
func parseNonNegativeFloatEnv(k string, d float64) float64 {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return d
	}
	return f
}

func parseBoolEnv(k string, d bool) bool {
	if raw := os.Getenv(k); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	}
	return d
}

func parseDurationEnv(k string, d time.Duration) time.Duration {
	if raw := os.Getenv(k); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			return v
		}
	}
	return d
}
