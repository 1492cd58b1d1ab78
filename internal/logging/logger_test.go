package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readEntries(t *testing.T, dir string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "dirigent.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLoggerWritesJSON(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Info("mission started", "mission_id", "m-1")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := readEntries(t, dir)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0]["msg"] != "mission started" {
		t.Errorf("msg = %v", entries[0]["msg"])
	}
	if entries[0]["mission_id"] != "m-1" {
		t.Errorf("mission_id = %v", entries[0]["mission_id"])
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelWarn)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Debug("debug msg")
	logger.Info("info msg")
	logger.Warn("warn msg")
	logger.Error("error msg")
	logger.Close()

	entries := readEntries(t, dir)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries at WARN level, got %d", len(entries))
	}
}

func TestChildLoggers(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelDebug)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	child := logger.WithMission("m-7").WithTask("t-3").WithPhase("execution")
	child.Info("dispatching")

	// The parent must not inherit child attributes.
	logger.Info("plain")
	logger.Close()

	entries := readEntries(t, dir)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0]
	if first["mission_id"] != "m-7" || first["task_id"] != "t-3" || first["phase"] != "execution" {
		t.Errorf("child entry missing attributes: %v", first)
	}
	if _, ok := entries[1]["mission_id"]; ok {
		t.Error("parent logger should not carry child attributes")
	}
}

func TestWithOddArgs(t *testing.T) {
	logger := NopLogger()
	// Must not panic on odd or non-string keys.
	logger.With("key").Info("msg")
	logger.With(42, "value").Info("msg")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warn", LevelWarn},
		{"ERROR", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != parseLevel(tt.want) {
			t.Errorf("parseLevel(%q) = %v, want level of %q", tt.in, got, tt.want)
		}
	}
}

func TestNopLoggerClose(t *testing.T) {
	logger := NopLogger()
	logger.Info("discarded")
	if err := logger.Close(); err != nil {
		t.Errorf("Close on NopLogger: %v", err)
	}
}
