package spotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tunesync/internal/logging"
	"tunesync/internal/models"
	"tunesync/internal/security"
)

var (
	// ErrNotConnected: the account has no stored Spotify credential.
	ErrNotConnected = errors.New("spotify: account not connected")

	// ErrReauthRequired: the refresh token is confirmed revoked (or access
	// was rejected as invalid). The account is flagged and skipped until
	// the user reauthorizes.
	ErrReauthRequired = errors.New("spotify: reauthorization required")
)

// CredentialStore persists refreshed tokens and reauthorization flags.
type CredentialStore interface {
	UpdateSpotifyTokens(ctx context.Context, id int64, accessEnc, refreshEnc string, expiresAt time.Time) error
	MarkReauthRequired(ctx context.Context, id int64, reason string) error
}

// TokenLifecycle keeps an account's Spotify access token fresh around each
// remote call: expiry check, refresh, persistence of rotated tokens, and
// revocation flagging.
type TokenLifecycle struct {
	client   *Client
	accounts CredentialStore
	key      []byte // AES-256 key for token encryption at rest
	now      func() time.Time
	logger   *slog.Logger
}

func NewTokenLifecycle(logger *slog.Logger, client *Client, accounts CredentialStore, encryptionKey []byte) (*TokenLifecycle, error) {
	if len(encryptionKey) != security.KeySize {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	return &TokenLifecycle{
		client:   client,
		accounts: accounts,
		key:      encryptionKey,
		now:      time.Now,
		logger:   logger,
	}, nil
}

// WithClock overrides the clock; tests only.
func (t *TokenLifecycle) WithClock(now func() time.Time) *TokenLifecycle {
	t.now = now
	return t
}

// expired treats an absent expiry as expired: refreshing once too often is
// cheaper than one rejected call per cycle.
func (t *TokenLifecycle) expired(acct *models.Account) bool {
	if acct.SpotifyTokenExpiresAt == nil {
		return true
	}
	return t.now().After(*acct.SpotifyTokenExpiresAt)
}

// WithFreshToken decrypts the account's access token, refreshing it first
// if expired, and invokes op with the plaintext token. The token never
// leaves this call chain. A revoked refresh grant flags the account and
// returns ErrReauthRequired.
func (t *TokenLifecycle) WithFreshToken(ctx context.Context, acct *models.Account, op func(accessToken string) error) error {
	if !acct.Connected() {
		return ErrNotConnected
	}

	if t.expired(acct) {
		if err := t.refresh(ctx, acct); err != nil {
			return err
		}
	}

	accessToken, err := security.DecryptToken(*acct.SpotifyAccessTokenEnc, t.key)
	if err != nil {
		return fmt.Errorf("decrypt access token: %w", err)
	}

	return op(accessToken)
}

func (t *TokenLifecycle) refresh(ctx context.Context, acct *models.Account) error {
	if acct.SpotifyRefreshTokenEnc == nil {
		return ErrNotConnected
	}

	refreshToken, err := security.DecryptToken(*acct.SpotifyRefreshTokenEnc, t.key)
	if err != nil {
		return fmt.Errorf("decrypt refresh token: %w", err)
	}

	grant, err := t.client.Refresh(ctx, refreshToken)
	if err != nil {
		switch Classify(err) {
		case KindRevoked, KindUnauthorized:
			t.logger.Warn("token_refresh_rejected",
				"account_id", acct.ID,
				"slack_user_id", acct.SlackUserID,
				"error", err,
			)
			if markErr := t.accounts.MarkReauthRequired(ctx, acct.ID, err.Error()); markErr != nil {
				t.logger.Error("mark_reauth_failed", "account_id", acct.ID, "error", markErr)
			}
			acct.ReauthRequired = true
			return fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		return fmt.Errorf("refresh token: %w", err)
	}

	// Spotify only sometimes rotates the refresh token; keep the old one
	// when it does not.
	newRefresh := refreshToken
	if grant.RefreshToken != nil && *grant.RefreshToken != "" {
		newRefresh = *grant.RefreshToken
	}

	accessEnc, err := security.EncryptToken(grant.AccessToken, t.key)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, err := security.EncryptToken(newRefresh, t.key)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	expiresAt := t.now().Add(time.Duration(grant.ExpiresIn) * time.Second)
	if err := t.accounts.UpdateSpotifyTokens(ctx, acct.ID, accessEnc, refreshEnc, expiresAt); err != nil {
		return fmt.Errorf("persist refreshed tokens: %w", err)
	}

	acct.SpotifyAccessTokenEnc = &accessEnc
	acct.SpotifyRefreshTokenEnc = &refreshEnc
	acct.SpotifyTokenExpiresAt = &expiresAt

	t.logger.Debug("token_refreshed",
		"account_id", acct.ID,
		"access_token", logging.MaskToken(grant.AccessToken),
		"expires_in_s", grant.ExpiresIn,
	)
	return nil
}

// CurrentlyPlaying wraps the playback fetch in the token lifecycle. An
// access token rejected mid-flight (not just at refresh) also flags the
// account: Spotify invalidates both tokens when the user revokes the app.
func (t *TokenLifecycle) CurrentlyPlaying(ctx context.Context, acct *models.Account) (*models.TrackSnapshot, error) {
	var snap *models.TrackSnapshot
	err := t.WithFreshToken(ctx, acct, func(accessToken string) error {
		s, err := t.client.CurrentlyPlaying(ctx, accessToken)
		if err != nil {
			return err
		}
		snap = s
		return nil
	})
	if err != nil {
		if Classify(err) == KindUnauthorized && !errors.Is(err, ErrReauthRequired) {
			if markErr := t.accounts.MarkReauthRequired(ctx, acct.ID, err.Error()); markErr != nil {
				t.logger.Error("mark_reauth_failed", "account_id", acct.ID, "error", markErr)
			}
			acct.ReauthRequired = true
			return nil, fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		return nil, err
	}
	return snap, nil
}

// ListDevices wraps the device listing in the token lifecycle.
func (t *TokenLifecycle) ListDevices(ctx context.Context, acct *models.Account) ([]models.Device, error) {
	var devices []models.Device
	err := t.WithFreshToken(ctx, acct, func(accessToken string) error {
		d, err := t.client.ListDevices(ctx, accessToken)
		if err != nil {
			return err
		}
		devices = d
		return nil
	})
	return devices, err
}
