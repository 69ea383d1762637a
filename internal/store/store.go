package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"tunesync/internal/db"
	"tunesync/internal/models"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrSettingsNotFound = errors.New("sync settings not found")
)

// Store is the persistence collaborator for accounts and their sync
// settings. All updates are field-level; no cross-account transactions.
type Store struct {
	db  *db.DB
	log *slog.Logger
}

func New(log *slog.Logger, dbConn *db.DB) *Store {
	return &Store{db: dbConn, log: log}
}

const accountColumns = `id, slack_user_id, slack_team_id, slack_access_token,
	spotify_user_id, spotify_access_token_enc, spotify_refresh_token_enc, spotify_token_expires_at,
	current_track_id, current_track_title, current_track_artist,
	last_set_status_text, manual_override, reauth_required, active, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.ID, &a.SlackUserID, &a.SlackTeamID, &a.SlackAccessToken,
		&a.SpotifyUserID, &a.SpotifyAccessTokenEnc, &a.SpotifyRefreshTokenEnc, &a.SpotifyTokenExpiresAt,
		&a.CurrentTrackID, &a.CurrentTrackTitle, &a.CurrentTrackArtist,
		&a.LastSetStatusText, &a.ManualOverride, &a.ReauthRequired, &a.Active, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *Store) GetBySlackUserID(ctx context.Context, slackUserID string) (*models.Account, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE slack_user_id = $1`,
		slackUserID,
	)
	return scanAccount(row)
}

func (s *Store) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`,
		id,
	)
	return scanAccount(row)
}

// ListActive returns every account participating in the sync cycle.
func (s *Store) ListActive(ctx context.Context) ([]*models.Account, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE active = TRUE ORDER BY id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]*models.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			s.log.Warn("failed_to_scan_account", "error", err)
			continue
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateSpotifyTokens persists a refreshed (already encrypted) token pair
// and its expiry.
func (s *Store) UpdateSpotifyTokens(ctx context.Context, id int64, accessEnc, refreshEnc string, expiresAt time.Time) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE accounts
		 SET spotify_access_token_enc = $1,
		     spotify_refresh_token_enc = $2,
		     spotify_token_expires_at = $3,
		     updated_at = NOW()
		 WHERE id = $4`,
		accessEnc, refreshEnc, expiresAt, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateCurrentTrack records the accepted track identity. Persisted as soon
// as a track change is detected, independent of whether the status push
// succeeds, so a transient push failure never re-announces a stale track.
func (s *Store) UpdateCurrentTrack(ctx context.Context, id int64, trackID, title, artist string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE accounts
		 SET current_track_id = $1,
		     current_track_title = $2,
		     current_track_artist = $3,
		     updated_at = NOW()
		 WHERE id = $4`,
		trackID, title, artist, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *Store) ClearCurrentTrack(ctx context.Context, id int64) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE accounts
		 SET current_track_id = NULL,
		     current_track_title = NULL,
		     current_track_artist = NULL,
		     updated_at = NOW()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateLastSetStatus records the status text this service just wrote and
// drops the manual-override flag: once we set a status, the live status is
// ours again.
func (s *Store) UpdateLastSetStatus(ctx context.Context, id int64, text string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE accounts
		 SET last_set_status_text = $1,
		     manual_override = FALSE,
		     updated_at = NOW()
		 WHERE id = $2`,
		text, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *Store) SetManualOverride(ctx context.Context, id int64, on bool) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE accounts SET manual_override = $1, updated_at = NOW() WHERE id = $2`,
		on, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// MarkReauthRequired flags the account after a confirmed credential
// revocation. Every later cycle skips the account until a new
// authorization clears the flag.
func (s *Store) MarkReauthRequired(ctx context.Context, id int64, reason string) error {
	s.log.Warn("account_reauth_required", "account_id", id, "reason", reason)
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE accounts SET reauth_required = TRUE, updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *Store) Settings(ctx context.Context, accountID int64) (*models.SyncSettings, error) {
	var st models.SyncSettings
	err := s.db.Pool.QueryRow(ctx,
		`SELECT account_id, sync_enabled, status_emoji, status_template,
		        show_title, show_artist,
		        working_hours_enabled, working_hours_start, working_hours_end,
		        allowed_device_ids, created_at, updated_at
		 FROM sync_settings WHERE account_id = $1`,
		accountID,
	).Scan(
		&st.AccountID, &st.SyncEnabled, &st.StatusEmoji, &st.StatusTemplate,
		&st.ShowTitle, &st.ShowArtist,
		&st.WorkingHoursEnabled, &st.WorkingHoursStart, &st.WorkingHoursEnd,
		&st.AllowedDeviceIDs, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettingsNotFound
		}
		return nil, err
	}
	if st.AllowedDeviceIDs == nil {
		st.AllowedDeviceIDs = []string{}
	}
	return &st, nil
}

// UpsertSettings writes the full settings row; used by the API surface and
// by account-creation glue seeding defaults.
func (s *Store) UpsertSettings(ctx context.Context, st *models.SyncSettings) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO sync_settings
		   (account_id, sync_enabled, status_emoji, status_template,
		    show_title, show_artist,
		    working_hours_enabled, working_hours_start, working_hours_end,
		    allowed_device_ids, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		 ON CONFLICT (account_id) DO UPDATE SET
		   sync_enabled = EXCLUDED.sync_enabled,
		   status_emoji = EXCLUDED.status_emoji,
		   status_template = EXCLUDED.status_template,
		   show_title = EXCLUDED.show_title,
		   show_artist = EXCLUDED.show_artist,
		   working_hours_enabled = EXCLUDED.working_hours_enabled,
		   working_hours_start = EXCLUDED.working_hours_start,
		   working_hours_end = EXCLUDED.working_hours_end,
		   allowed_device_ids = EXCLUDED.allowed_device_ids,
		   updated_at = NOW()`,
		st.AccountID, st.SyncEnabled, st.StatusEmoji, st.StatusTemplate,
		st.ShowTitle, st.ShowArtist,
		st.WorkingHoursEnabled, st.WorkingHoursStart, st.WorkingHoursEnd,
		st.AllowedDeviceIDs,
	)
	return err
}
