package sync

import (
	"context"
	"log/slog"
	"time"

	"tunesync/internal/models"
	"tunesync/internal/redis"
)

const reconnectMessage = ":warning: *Your music connection has been revoked*\n\n" +
	"Tunesync can no longer update your Slack status. " +
	"To resume automatic status updates, please reconnect your Spotify account."

// notification guard keys live long enough to survive restarts without
// re-spamming, short enough that a re-revocation months later notifies again
const notifyGuardTTL = 30 * 24 * time.Hour

// Messenger is the direct-message capability the notifier needs.
type Messenger interface {
	SendMessage(ctx context.Context, token, channel, text string) error
}

// ReconnectNotifier sends the one-shot "please reconnect" DM after a
// credential invalidation. Best effort: a failed send is logged and
// dropped, never retried. The Redis guard keeps one revocation to one
// message even across process restarts.
type ReconnectNotifier struct {
	slack  Messenger
	redis  *redis.Client
	logger *slog.Logger
}

func NewReconnectNotifier(logger *slog.Logger, slack Messenger, redisClient *redis.Client) *ReconnectNotifier {
	return &ReconnectNotifier{slack: slack, redis: redisClient, logger: logger}
}

func (n *ReconnectNotifier) NotifyInvalidated(ctx context.Context, acct *models.Account) {
	key := "reconnect_notified:" + acct.SlackUserID
	first, err := n.redis.SetNX(ctx, key, time.Now().Unix(), notifyGuardTTL)
	if err != nil {
		// guard unavailable; still try to notify, duplicate beats silence
		n.logger.Warn("notify_guard_unavailable", "slack_user_id", acct.SlackUserID, "error", err)
	} else if !first {
		n.logger.Debug("reconnect_notification_already_sent", "slack_user_id", acct.SlackUserID)
		return
	}

	if err := n.slack.SendMessage(ctx, acct.SlackAccessToken, acct.SlackUserID, reconnectMessage); err != nil {
		n.logger.Warn("reconnect_notification_failed", "slack_user_id", acct.SlackUserID, "error", err)
		return
	}
	n.logger.Info("reconnect_notification_sent", "slack_user_id", acct.SlackUserID)
}
