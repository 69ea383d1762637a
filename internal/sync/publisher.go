package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tunesync/internal/models"
	"tunesync/internal/slack"
)

// ErrStatusInvalidated means the Slack token was rejected as dead while
// pushing a status. The account is already flagged when this surfaces.
var ErrStatusInvalidated = errors.New("status publish: credential invalidated")

// StatusWriter is the chat-status-write capability the publisher wraps.
type StatusWriter interface {
	SetStatus(ctx context.Context, token, text, emoji string, expiresAtUnix int64) error
	ClearStatus(ctx context.Context, token string) error
}

// AccountFlagger marks an account as needing reauthorization.
type AccountFlagger interface {
	MarkReauthRequired(ctx context.Context, id int64, reason string) error
}

// InvalidationNotifier delivers the best-effort reconnect message.
type InvalidationNotifier interface {
	NotifyInvalidated(ctx context.Context, acct *models.Account)
}

// StatusPublisher wraps the two mutating Slack calls in the bounded-retry
// policy. Invalidation errors are never retried: the account is flagged,
// the user notified once, and the cycle fails fast.
type StatusPublisher struct {
	slack    StatusWriter
	accounts AccountFlagger
	notifier InvalidationNotifier
	retry    RetryConfig
	logger   *slog.Logger

	// timer is swappable in tests so backoff does not slow them down
	timer func(time.Duration) <-chan time.Time
}

func NewStatusPublisher(logger *slog.Logger, writer StatusWriter, accounts AccountFlagger, notifier InvalidationNotifier, retry RetryConfig) *StatusPublisher {
	if retry.MaxAttempts < 1 {
		retry = DefaultRetryConfig()
	}
	return &StatusPublisher{
		slack:    writer,
		accounts: accounts,
		notifier: notifier,
		retry:    retry,
		logger:   logger,
		timer:    time.After,
	}
}

// Publish sets the status with retries.
func (p *StatusPublisher) Publish(ctx context.Context, acct *models.Account, text, emoji string, expiresAtUnix int64) error {
	return p.withRetries(ctx, acct, "set_status", func() error {
		return p.slack.SetStatus(ctx, acct.SlackAccessToken, text, emoji, expiresAtUnix)
	})
}

// Clear blanks the status with retries.
func (p *StatusPublisher) Clear(ctx context.Context, acct *models.Account) error {
	return p.withRetries(ctx, acct, "clear_status", func() error {
		return p.slack.ClearStatus(ctx, acct.SlackAccessToken)
	})
}

func (p *StatusPublisher) withRetries(ctx context.Context, acct *models.Account, op string, call func() error) error {
	var lastErr error

	for attempt := 0; attempt < p.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			var retryAfter time.Duration
			var apiErr *slack.APIError
			if errors.As(lastErr, &apiErr) {
				retryAfter = apiErr.RetryAfter
			}
			delay := CalculateBackoff(p.retry, attempt-1, retryAfter)
			p.logger.Debug("status_push_retry", "op", op, "slack_user_id", acct.SlackUserID, "attempt", attempt, "delay_ms", delay.Milliseconds())

			if err := ctx.Err(); err != nil {
				return err
			}
			// the wait itself is interruptible: a cancelled cycle must
			// not idle out a full backoff
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.timer(delay):
			}
		}

		err := call()
		if err == nil {
			return nil
		}

		switch slack.Classify(err) {
		case slack.KindInvalidated:
			return p.handleInvalidated(ctx, acct, err)
		default:
			// rate-limited and transient both fall through to the retry
			// loop; Retry-After stretches the next delay
			lastErr = err
		}
	}

	p.logger.Error("status_push_exhausted", "op", op, "slack_user_id", acct.SlackUserID, "attempts", p.retry.MaxAttempts, "error", lastErr)
	return fmt.Errorf("%s after %d attempts: %w", op, p.retry.MaxAttempts, lastErr)
}

// handleInvalidated runs the non-retryable path: flag the account, fire the
// one-shot notification, surface a distinguishable error.
func (p *StatusPublisher) handleInvalidated(ctx context.Context, acct *models.Account, cause error) error {
	p.logger.Warn("slack_token_invalidated", "slack_user_id", acct.SlackUserID, "error", cause)

	if err := p.accounts.MarkReauthRequired(ctx, acct.ID, cause.Error()); err != nil {
		p.logger.Error("mark_reauth_failed", "account_id", acct.ID, "error", err)
	}
	acct.ReauthRequired = true

	if p.notifier != nil {
		p.notifier.NotifyInvalidated(ctx, acct)
	}

	return fmt.Errorf("%w: %v", ErrStatusInvalidated, cause)
}
