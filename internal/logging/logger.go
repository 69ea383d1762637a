package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds the process-wide JSON logger. The service name ("tunesync-worker",
// "tunesync-api") rides on every record so the two processes can share a sink.
func New(level, service string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})

	logger := slog.New(h)
	if service != "" {
		logger = logger.With("service", service)
	}
	return logger
}

// MaskToken renders a credential safe for logs: first and last three
// characters around a fixed mask. Applied to Spotify access tokens at the
// refresh path; Slack tokens never reach a log line at all.
func MaskToken(tok string) string {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return ""
	}
	if len(tok) <= 8 {
		return "***"
	}
	return tok[:3] + "***" + tok[len(tok)-3:]
}
