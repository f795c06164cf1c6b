package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/agentq/internal/shared"
)

// Log formats accepted by NewLogger. FormatAuto uses text on a terminal and
// JSON otherwise; FormatQuiet writes only to the log file.
const (
	FormatAuto  = "auto"
	FormatJSON  = "json"
	FormatText  = "text"
	FormatQuiet = "quiet"
)

// NewLogger writes JSON lines to <home>/logs/system.jsonl and mirrors them to
// stdout in the requested format.
func NewLogger(homeDir, level, format string) (*slog.Logger, io.Closer, error) {
	return newLogger(homeDir, level, format, os.Stdout)
}

func newLogger(homeDir, level, format string, stdout *os.File) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level), ReplaceAttr: replaceAttr}
	var handler slog.Handler = slog.NewJSONHandler(file, opts)
	switch resolveFormat(format, stdout) {
	case FormatText:
		handler = fanout{handler, slog.NewTextHandler(stdout, opts)}
	case FormatJSON:
		handler = slog.NewJSONHandler(io.MultiWriter(stdout, file), opts)
	}
	logger := slog.New(handler).With("component", "agentq", "trace_id", "-")
	return logger, file, nil
}

func resolveFormat(format string, stdout *os.File) string {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case FormatJSON, FormatText, FormatQuiet:
		return f
	}
	if stdout != nil && (isatty.IsTerminal(stdout.Fd()) || isatty.IsCygwinTerminal(stdout.Fd())) {
		return FormatText
	}
	return FormatJSON
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
