package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warning", zapcore.WarnLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", Output: &buf, Name: "test"})

	Component(l, "store").Info("saved", zap.Int("version", 3))
	l.Debug("hidden")
	_ = l.Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "saved" {
		t.Errorf("msg = %v, want saved", entry["msg"])
	}
	if entry["component"] != "store" {
		t.Errorf("component = %v, want store", entry["component"])
	}
	if entry["logger"] != "test" {
		t.Errorf("logger = %v, want test", entry["logger"])
	}
	if entry["version"] != float64(3) {
		t.Errorf("version = %v, want 3", entry["version"])
	}
}

func TestNewDevelopmentOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Development: true, Output: &buf})

	l.Debug("visible")
	_ = l.Sync()

	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("expected debug entry in %q", buf.String())
	}
}

func TestComponentNilLogger(t *testing.T) {
	Component(nil, "x").Info("dropped")
}
