package models

import "time"

// Account is one linked Slack/Spotify identity pair. Optional fields are
// pointers: nil means absent, and every consumer must handle absence
// explicitly. The three current-track fields are all nil or all set.
type Account struct {
	ID          int64  `json:"id"`
	SlackUserID string `json:"slack_user_id"`
	SlackTeamID string `json:"slack_team_id"`

	// Slack user token; stored as-is, required for every status call.
	SlackAccessToken string `json:"-"`

	SpotifyUserID *string `json:"spotify_user_id,omitempty"`

	// AES-256-GCM encrypted Spotify tokens. Decrypted values never leave
	// the token lifecycle path.
	SpotifyAccessTokenEnc  *string    `json:"-"`
	SpotifyRefreshTokenEnc *string    `json:"-"`
	SpotifyTokenExpiresAt  *time.Time `json:"spotify_token_expires_at,omitempty"`

	CurrentTrackID     *string `json:"current_track_id,omitempty"`
	CurrentTrackTitle  *string `json:"current_track_title,omitempty"`
	CurrentTrackArtist *string `json:"current_track_artist,omitempty"`

	// Last status text this service set. Used to detect manual edits.
	LastSetStatusText *string `json:"last_set_status_text,omitempty"`

	// True while the user has overwritten their status by hand; automation
	// stays paused until the track changes.
	ManualOverride bool `json:"manual_override"`

	// True once the Spotify refresh token is confirmed revoked. Cleared
	// only by a fresh OAuth authorization.
	ReauthRequired bool `json:"reauth_required"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Connected reports whether the account has a stored Spotify credential.
func (a *Account) Connected() bool {
	return a.SpotifyAccessTokenEnc != nil
}

// SyncSettings is the per-account sync policy, edited through the API.
type SyncSettings struct {
	AccountID      int64  `json:"account_id"`
	SyncEnabled    bool   `json:"sync_enabled"`
	StatusEmoji    string `json:"status_emoji"`
	StatusTemplate string `json:"status_template"`
	ShowTitle      bool   `json:"show_title"`
	ShowArtist     bool   `json:"show_artist"`

	// Optional UTC working-hours window, hours encoded as HHMM ints
	// (e.g. 930 = 09:30). Nil start/end with the window enabled means
	// always allowed.
	WorkingHoursEnabled bool `json:"working_hours_enabled"`
	WorkingHoursStart   *int `json:"working_hours_start,omitempty"`
	WorkingHoursEnd     *int `json:"working_hours_end,omitempty"`

	// Device allow-list; empty means all devices sync.
	AllowedDeviceIDs []string `json:"allowed_device_ids"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Default template/emoji applied when an account is first linked.
const (
	DefaultStatusEmoji    = ":musical_note:"
	DefaultStatusTemplate = "{emoji} {title} - {artist}"
)

// DefaultSyncSettings returns the settings seeded for a new account.
func DefaultSyncSettings(accountID int64) SyncSettings {
	return SyncSettings{
		AccountID:      accountID,
		SyncEnabled:    true,
		StatusEmoji:    DefaultStatusEmoji,
		StatusTemplate: DefaultStatusTemplate,
		ShowTitle:      true,
		ShowArtist:     true,
	}
}

// TrackSnapshot is the ephemeral result of one "currently playing" fetch.
// Never persisted as-is; the reconciler folds its identity into the
// account's current-track fields on acceptance.
type TrackSnapshot struct {
	TrackID    string
	Title      string
	Artist     string
	IsPlaying  bool
	DurationMs *int
	ProgressMs *int
	DeviceID   *string
	DeviceName *string
}

// Device is one entry from the Spotify device listing.
type Device struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Active bool   `json:"active"`
}
