package logger

import (
	"errors"
	"testing"
)

func TestNewBuildsForAnyLevel(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", "bogus"} {
		l, err := New(lvl, false)
		if err != nil {
			t.Fatalf("New(%q) returned err: %v", lvl, err)
		}
		l.With(String("component", "test")).Info("hello", Int("n", 1), Error(errors.New("x")))
	}
}

func TestParseLevel(t *testing.T) {
	if _, ok := parseLevel("warn"); !ok {
		t.Fatal("expected warn to parse")
	}
	if _, ok := parseLevel("verbose"); ok {
		t.Fatal("expected unknown level to be rejected")
	}
}
