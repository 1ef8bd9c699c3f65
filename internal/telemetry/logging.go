// Package telemetry sets up structured logging. All log output is JSON, one
// line per record, written to ~/.taskdeck/logs/system.jsonl and optionally
// mirrored to stdout. Secret-bearing attributes are redacted before they hit
// the sink; chat messages carry passwords during login, so redaction here is
// load-bearing, not cosmetic.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// logLevel backs the handler so the level can change on config reload
// without rebuilding the logger.
var logLevel = new(slog.LevelVar)

// SetLevel adjusts the minimum level of loggers built by NewLogger.
func SetLevel(level string) {
	logLevel.Set(ParseLevel(level))
}

// secretPatterns matches secret-bearing substrings inside free-text values.
var secretPatterns = []*regexp.Regexp{
	// key=value style secrets
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer|password)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	// Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Telegram bot tokens (numeric id, colon, 35-char secret)
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{35}\b`),
}

// NewLogger builds the process logger. Records go to homeDir/logs/system.jsonl;
// unless quiet is set they are mirrored to stdout. The returned closer owns
// the log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	logLevel.Set(ParseLevel(level))
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, redactedPlaceholder)
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	logger := slog.New(handler).With("component", "taskdeck")
	return logger, file, nil
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
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return redactedPlaceholder, true
	}
	redacted := Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// Redact replaces secret-bearing patterns in the input with [REDACTED].
// Exported so error paths outside the logger can scrub strings before
// returning them to a chat channel.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
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
