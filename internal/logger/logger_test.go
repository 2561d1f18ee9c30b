package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTextLoggerWrites(t *testing.T) {
	var buf bytes.Buffer
	log := Text(&buf, slog.LevelInfo)
	log.Info("planner finalized", "arena_bytes", 4096)
	out := buf.String()
	if !strings.Contains(out, "planner finalized") || !strings.Contains(out, "arena_bytes=4096") {
		t.Fatalf("unexpected log output: %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := Text(&buf, slog.LevelWarn)
	log.Debug("hidden")
	log.Info("hidden too")
	log.Warn("visible")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("low-level records leaked: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Fatalf("warn record missing: %q", out)
	}
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	log := Text(&buf, slog.LevelInfo).With("component", "decode")
	ctx := WithContext(context.Background(), log)

	got := FromContext(ctx)
	got.Info("step")
	if !strings.Contains(buf.String(), "component=decode") {
		t.Fatalf("context logger lost attrs: %q", buf.String())
	}

	// Missing logger falls back to a usable default.
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil for empty context")
	}
}
