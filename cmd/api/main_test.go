package main

import (
	"errors"
	"testing"

	"github.com/spf13/pflag"

	"github.com/telemyapp/fleet-control-plane/internal/config"
)

func TestParseFlagsOverridesEnvironmentConfig(t *testing.T) {
	cfg := config.Config{ListenAddr: ":8080", LogLevel: "info", InventoryFile: "/etc/fleet/inventory.yaml"}

	opts, err := parseFlags([]string{"--listen", "127.0.0.1:9090", "--log-level=debug", "--migrate"}, &cfg)
	if err != nil {
		t.Fatalf("parseFlags returned err: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9090" || cfg.LogLevel != "debug" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.InventoryFile != "/etc/fleet/inventory.yaml" {
		t.Fatalf("unset flag should keep env value, got %q", cfg.InventoryFile)
	}
	if !opts.migrate || opts.syncInventory {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

func TestParseFlagsRejectsPositionalArgs(t *testing.T) {
	cfg := config.Config{}
	if _, err := parseFlags([]string{"serve"}, &cfg); err == nil {
		t.Fatal("expected error for positional argument")
	}
}

func TestParseFlagsHelp(t *testing.T) {
	cfg := config.Config{}
	if _, err := parseFlags([]string{"--help"}, &cfg); !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("expected pflag.ErrHelp, got %v", err)
	}
}
