package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", FormatQuiet)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "session_id", "s-1")

	logPath := filepath.Join(home, "logs", "system.jsonl")
	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}

	required := []string{"timestamp", "level", "msg", "component", "trace_id"}
	for _, key := range required {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "agentq" {
		t.Fatalf("expected component=agentq, got %#v", entry["component"])
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-', got %#v", entry["trace_id"])
	}
	if entry["session_id"] != "s-1" {
		t.Fatalf("expected session_id propagation, got %#v", entry["session_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", FormatQuiet)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("security check",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
	)

	logPath := filepath.Join(home, "logs", "system.jsonl")
	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 {
		t.Fatalf("expected log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
}

func TestNewLogger_TextOnStdoutKeepsJSONFile(t *testing.T) {
	home := t.TempDir()
	out, err := os.Create(filepath.Join(home, "stdout.txt"))
	if err != nil {
		t.Fatalf("create stdout file: %v", err)
	}
	defer out.Close()

	logger, closer, err := newLogger(home, "info", FormatText, out)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()
	logger.Info("claim finished", "session_id", "s-9", "password", "hunter2")

	text, _ := os.ReadFile(out.Name())
	if !strings.Contains(string(text), "msg=\"claim finished\"") || !strings.Contains(string(text), "password=[REDACTED]") {
		t.Fatalf("stdout = %q", text)
	}
	raw, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry); err != nil {
		t.Fatalf("file line is not json: %v", err)
	}
	if entry["session_id"] != "s-9" {
		t.Fatalf("entry = %#v", entry)
	}
}

func TestResolveFormat(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	tests := []struct {
		in, want string
	}{
		{"json", FormatJSON},
		{" TEXT ", FormatText},
		{"quiet", FormatQuiet},
		{"auto", FormatJSON},
		{"", FormatJSON},
	}
	for _, tt := range tests {
		if got := resolveFormat(tt.in, f); got != tt.want {
			t.Fatalf("resolveFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
