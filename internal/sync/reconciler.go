package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tunesync/internal/models"
	"tunesync/internal/store"
)

// OutcomeKind is the terminal result of one reconciliation cycle.
type OutcomeKind int

const (
	OutcomeSkipped OutcomeKind = iota
	OutcomeStatusSet
	OutcomeStatusCleared
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeStatusSet:
		return "status_set"
	case OutcomeStatusCleared:
		return "status_cleared"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Skip / clear reasons surfaced in logs and the manual-sync API response.
const (
	ReasonNotConnected   = "not_connected"
	ReasonReauthRequired = "needs_reconnection"
	ReasonSyncDisabled   = "sync_disabled"
	ReasonOutsideWindow  = "outside_working_hours"
	ReasonNothingPlaying = "nothing_playing"
	ReasonDeviceFiltered = "device_filtered"
	ReasonUnchanged      = "unchanged"
	ReasonManualOverride = "manual_override"
)

// Outcome reports what one cycle did for one account.
type Outcome struct {
	Kind   OutcomeKind
	Reason string // set for skips and clears
	Err    error  // set when Kind == OutcomeFailed
}

func skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: reason}
}

func failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// AccountStore is the slice of persistence the reconciler mutates.
type AccountStore interface {
	Settings(ctx context.Context, accountID int64) (*models.SyncSettings, error)
	UpdateCurrentTrack(ctx context.Context, id int64, trackID, title, artist string) error
	ClearCurrentTrack(ctx context.Context, id int64) error
	UpdateLastSetStatus(ctx context.Context, id int64, text string) error
	SetManualOverride(ctx context.Context, id int64, on bool) error
}

// NowPlayingSource fetches the playback snapshot with a fresh credential.
type NowPlayingSource interface {
	CurrentlyPlaying(ctx context.Context, acct *models.Account) (*models.TrackSnapshot, error)
}

// Publisher pushes and clears the remote status.
type Publisher interface {
	Publish(ctx context.Context, acct *models.Account, text, emoji string, expiresAtUnix int64) error
	Clear(ctx context.Context, acct *models.Account) error
}

// OverrideChecker answers whether the live status was edited by hand.
type OverrideChecker interface {
	ManualChange(ctx context.Context, acct *models.Account) bool
}

// Reconciler runs the per-account decision sequence: gate, fetch, compare,
// override-check, publish, persist. One call is one cycle; side effects
// are idempotent within a cycle.
type Reconciler struct {
	accounts  AccountStore
	playback  NowPlayingSource
	overrides OverrideChecker
	publisher Publisher
	policy    ExpirationPolicy
	now       func() time.Time
	logger    *slog.Logger
}

func NewReconciler(logger *slog.Logger, accounts AccountStore, playback NowPlayingSource, overrides OverrideChecker, publisher Publisher, policy ExpirationPolicy) *Reconciler {
	return &Reconciler{
		accounts:  accounts,
		playback:  playback,
		overrides: overrides,
		publisher: publisher,
		policy:    policy,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock overrides the clock; tests only.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile performs one cycle for one account. The account struct is
// updated in place alongside every persisted field so a caller holding it
// across cycles observes the same state the store does.
func (r *Reconciler) Reconcile(ctx context.Context, acct *models.Account) Outcome {
	if !acct.Connected() {
		return skipped(ReasonNotConnected)
	}
	if acct.ReauthRequired {
		return skipped(ReasonReauthRequired)
	}

	settings, err := r.accounts.Settings(ctx, acct.ID)
	if err != nil {
		if errors.Is(err, store.ErrSettingsNotFound) {
			// account without a policy record is a configuration error,
			// not a skip: it should never happen and must be visible
			return failed(fmt.Errorf("account %d: %w", acct.ID, err))
		}
		return failed(fmt.Errorf("load settings: %w", err))
	}

	if !settings.SyncEnabled {
		return skipped(ReasonSyncDisabled)
	}
	if !WithinWorkingHours(settings, r.now()) {
		return skipped(ReasonOutsideWindow)
	}

	snap, err := r.playback.CurrentlyPlaying(ctx, acct)
	if err != nil {
		return failed(fmt.Errorf("fetch playback: %w", err))
	}

	if snap == nil || !snap.IsPlaying {
		return r.handleNothingPlaying(ctx, acct, ReasonNothingPlaying)
	}

	// a disallowed device is treated exactly like silence
	if !DeviceAllowed(settings, snap.DeviceID) {
		return r.handleNothingPlaying(ctx, acct, ReasonDeviceFiltered)
	}

	trackChanged := acct.CurrentTrackID == nil || *acct.CurrentTrackID != snap.TrackID
	needsRefresh := r.policy.NeedsRefresh(snap.DurationMs, snap.ProgressMs)

	if !trackChanged && !needsRefresh {
		return skipped(ReasonUnchanged)
	}

	if !acct.ManualOverride && r.overrides.ManualChange(ctx, acct) {
		if err := r.accounts.SetManualOverride(ctx, acct.ID, true); err != nil {
			return failed(fmt.Errorf("set manual override: %w", err))
		}
		acct.ManualOverride = true
		return skipped(ReasonManualOverride)
	}

	if acct.ManualOverride {
		if !trackChanged {
			return skipped(ReasonManualOverride)
		}
		// a new track always resumes automation
		if err := r.accounts.SetManualOverride(ctx, acct.ID, false); err != nil {
			return failed(fmt.Errorf("clear manual override: %w", err))
		}
		acct.ManualOverride = false
		r.logger.Info("manual_override_released", "slack_user_id", acct.SlackUserID, "track_id", snap.TrackID)
	}

	if trackChanged {
		// persisted before the push so a transient publish failure cannot
		// re-announce a stale track forever
		if err := r.accounts.UpdateCurrentTrack(ctx, acct.ID, snap.TrackID, snap.Title, snap.Artist); err != nil {
			return failed(fmt.Errorf("persist current track: %w", err))
		}
		acct.CurrentTrackID = &snap.TrackID
		acct.CurrentTrackTitle = &snap.Title
		acct.CurrentTrackArtist = &snap.Artist
		r.logger.Info("track_changed",
			"slack_user_id", acct.SlackUserID,
			"track_id", snap.TrackID,
			"title", snap.Title,
			"artist", snap.Artist,
		)
	}

	text := BuildStatusText(settings, snap.Title, snap.Artist)
	expiresAt := r.policy.ExpiryUnix(r.now(), snap.DurationMs, snap.ProgressMs)

	if err := r.publisher.Publish(ctx, acct, text, settings.StatusEmoji, expiresAt); err != nil {
		return failed(fmt.Errorf("publish status: %w", err))
	}

	if err := r.accounts.UpdateLastSetStatus(ctx, acct.ID, text); err != nil {
		return failed(fmt.Errorf("persist last set status: %w", err))
	}
	acct.LastSetStatusText = &text
	acct.ManualOverride = false

	return Outcome{Kind: OutcomeStatusSet}
}

// handleNothingPlaying clears the remote status iff this service believes
// one of its own statuses is showing; otherwise the cycle is a no-op.
func (r *Reconciler) handleNothingPlaying(ctx context.Context, acct *models.Account, reason string) Outcome {
	if acct.CurrentTrackID == nil {
		return skipped(reason)
	}

	if err := r.publisher.Clear(ctx, acct); err != nil {
		return failed(fmt.Errorf("clear status: %w", err))
	}

	if err := r.accounts.ClearCurrentTrack(ctx, acct.ID); err != nil {
		return failed(fmt.Errorf("clear current track: %w", err))
	}
	acct.CurrentTrackID = nil
	acct.CurrentTrackTitle = nil
	acct.CurrentTrackArtist = nil

	// record the blank as ours so the next live read does not look like a
	// manual edit
	if err := r.accounts.UpdateLastSetStatus(ctx, acct.ID, ""); err != nil {
		return failed(fmt.Errorf("persist last set status: %w", err))
	}
	empty := ""
	acct.LastSetStatusText = &empty
	acct.ManualOverride = false

	r.logger.Info("status_cleared", "slack_user_id", acct.SlackUserID, "reason", reason)
	return Outcome{Kind: OutcomeStatusCleared, Reason: reason}
}
