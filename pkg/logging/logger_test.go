package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_JSONCarriesServiceAttrs(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := New(Options{Service: "islandhouse", Level: "info", Format: "json", Output: &buf})
	logger.Info("registered", User("u1"), Err(errors.New("boom")))

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "islandhouse" {
		t.Errorf("Expected service attr, got %v", line["service"])
	}
	if line["user_id"] != "u1" {
		t.Errorf("Expected user_id attr, got %v", line["user_id"])
	}
	if line["error"] != "boom" {
		t.Errorf("Expected error attr, got %v", line["error"])
	}
}

func TestNew_LevelFiltersDebug(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := New(Options{Service: "islandhouse", Level: "warn", Format: "text", Output: &buf})
	logger.Debug("hidden")
	logger.Info("hidden too")
	if buf.Len() != 0 {
		t.Errorf("Expected no output below warn, got %q", buf.String())
	}
}

func TestContextCarriage(t *testing.T) {
	logger := Discard()
	ctx := WithContext(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Error("FromContext should return the stored logger")
	}
	if FromContext(context.Background()) != slog.Default() {
		t.Error("FromContext should fall back to slog.Default")
	}
	if OrDefault(nil) != slog.Default() {
		t.Error("OrDefault(nil) should be slog.Default")
	}
}

func TestFromContextOr(t *testing.T) {
	stored := Discard()
	fallback := Discard()

	if FromContextOr(WithContext(context.Background(), stored), fallback) != stored {
		t.Error("FromContextOr should prefer the stored logger")
	}
	if FromContextOr(context.Background(), fallback) != fallback {
		t.Error("FromContextOr should return the fallback")
	}
	if FromContextOr(context.Background(), nil) != slog.Default() {
		t.Error("FromContextOr with nil fallback should be slog.Default")
	}
}
