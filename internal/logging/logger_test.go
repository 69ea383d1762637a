package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_LevelParsing(t *testing.T) {
	tests := []struct {
		level        string
		debugEnabled bool
		warnEnabled  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, true},
		{"error", false, false},
		{"", false, true},       // default info
		{"bogus", false, true},  // unknown falls back to info
		{" DEBUG ", true, true}, // case and padding tolerated
	}

	ctx := context.Background()
	for _, tt := range tests {
		l := New(tt.level, "")
		if got := l.Enabled(ctx, slog.LevelDebug); got != tt.debugEnabled {
			t.Errorf("level %q: debug enabled = %v, expected %v", tt.level, got, tt.debugEnabled)
		}
		if got := l.Enabled(ctx, slog.LevelWarn); got != tt.warnEnabled {
			t.Errorf("level %q: warn enabled = %v, expected %v", tt.level, got, tt.warnEnabled)
		}
	}
}

func TestMaskToken(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"", ""},
		{"   ", ""},
		{"short", "***"},
		{"12345678", "***"},
		{"BQDaccesstokenvalue", "BQD***lue"},
		{"  padded-token-value  ", "pad***lue"},
	}

	for _, tt := range tests {
		if got := MaskToken(tt.in); got != tt.expected {
			t.Errorf("MaskToken(%q) = %q, expected %q", tt.in, got, tt.expected)
		}
	}
}
