package sync

import (
	"context"
	"log/slog"
	"strings"

	"tunesync/internal/models"
)

// StatusReader is the chat-status-read capability the detector needs.
type StatusReader interface {
	GetStatus(ctx context.Context, token, userID string) (string, error)
}

// OverrideDetector decides whether the user edited their Slack status by
// hand since this service last wrote it.
type OverrideDetector struct {
	slack  StatusReader
	logger *slog.Logger
}

func NewOverrideDetector(logger *slog.Logger, slack StatusReader) *OverrideDetector {
	return &OverrideDetector{slack: slack, logger: logger}
}

// ManualChange compares the live status with the last text this service
// set. A failed live read answers false: automation must not stall on a
// transient Slack hiccup. A live status we never wrote counts as manual.
func (d *OverrideDetector) ManualChange(ctx context.Context, acct *models.Account) bool {
	live, err := d.slack.GetStatus(ctx, acct.SlackAccessToken, acct.SlackUserID)
	if err != nil {
		d.logger.Debug("live_status_read_failed", "slack_user_id", acct.SlackUserID, "error", err)
		return false
	}

	if acct.LastSetStatusText == nil {
		return live != ""
	}

	changed := NormalizeStatusText(live) != NormalizeStatusText(*acct.LastSetStatusText)
	if changed {
		d.logger.Info("manual_status_change_detected",
			"slack_user_id", acct.SlackUserID,
			"last_set", *acct.LastSetStatusText,
			"live", live,
		)
	}
	return changed
}

var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
)

// NormalizeStatusText trims and decodes the HTML entities Slack escapes in
// profile reads, so "Drum & Bass" compares equal to "Drum &amp; Bass".
// Comparison stays case-sensitive.
func NormalizeStatusText(s string) string {
	return entityReplacer.Replace(strings.TrimSpace(s))
}
