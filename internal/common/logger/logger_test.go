package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	log.WithSessionID("sess-1").WithCallID("call-9").Info("tool decision", zap.Bool("approved", true))
	_ = log.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := strings.TrimSpace(string(raw))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", line, err)
	}
	for _, key := range []string{"timestamp", "level", "msg", "session_id", "call_id", "approved"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("missing key %q in %v", key, entry)
		}
	}
	if entry["level"] != "info" {
		t.Errorf("expected lowercase level, got %v", entry["level"])
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	log, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", OutputPath: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	log.Info("dropped")
	log.Warn("kept")
	_ = log.Sync()

	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "dropped") {
		t.Error("info entry should be filtered at warn level")
	}
	if !strings.Contains(string(raw), "kept") {
		t.Error("warn entry should be written")
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel(" DEBUG ")
	if err != nil || lvl != zapcore.DebugLevel {
		t.Fatalf("expected debug, got %v (%v)", lvl, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestDetectFormat(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("CODEY_ENV", "production")
	if got := DetectFormat(); got != "json" {
		t.Errorf("expected json in production, got %s", got)
	}
	t.Setenv("CODEY_ENV", "")
	if got := DetectFormat(); got != "text" {
		t.Errorf("expected text by default, got %s", got)
	}
}

func TestFromZap_KeepsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := FromZap(zap.New(core)).WithAgentID(3).WithTurnID("t-1")
	log.Debug("event")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["agent_id"] != uint32(3) || fields["turn_id"] != "t-1" {
		t.Errorf("unexpected fields: %v", fields)
	}
}

func TestNewNop(t *testing.T) {
	log := NewNop()
	log.WithError(os.ErrClosed).Error("nothing happens")
}

func TestNewLogger_BadOutputPath(t *testing.T) {
	_, err := NewLogger(LoggingConfig{Level: "info", OutputPath: filepath.Join(t.TempDir(), "missing", "x.log")})
	if err == nil {
		t.Fatal("expected error for unwritable output path")
	}
}

func TestNewLogger_UnknownLevelDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	log, err := NewLogger(LoggingConfig{Level: "loud", Format: "json", OutputPath: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	log.Debug("hidden")
	log.Info("shown")
	_ = log.Sync()

	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "hidden") || !strings.Contains(string(raw), "shown") {
		t.Errorf("unexpected output %q", raw)
	}
}
