package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"tunesync/internal/models"
	"tunesync/internal/store"
)

type fakeAccountStore struct {
	settings    *models.SyncSettings
	settingsErr error

	trackUpdates int
	trackClears  int
	lastSet      []string
	overrideSets []bool
	updateErr    error
}

func (f *fakeAccountStore) Settings(ctx context.Context, accountID int64) (*models.SyncSettings, error) {
	if f.settingsErr != nil {
		return nil, f.settingsErr
	}
	return f.settings, nil
}

func (f *fakeAccountStore) UpdateCurrentTrack(ctx context.Context, id int64, trackID, title, artist string) error {
	f.trackUpdates++
	return f.updateErr
}

func (f *fakeAccountStore) ClearCurrentTrack(ctx context.Context, id int64) error {
	f.trackClears++
	return nil
}

func (f *fakeAccountStore) UpdateLastSetStatus(ctx context.Context, id int64, text string) error {
	f.lastSet = append(f.lastSet, text)
	return nil
}

func (f *fakeAccountStore) SetManualOverride(ctx context.Context, id int64, on bool) error {
	f.overrideSets = append(f.overrideSets, on)
	return nil
}

type fakePlayback struct {
	snap  *models.TrackSnapshot
	err   error
	calls int
}

func (f *fakePlayback) CurrentlyPlaying(ctx context.Context, acct *models.Account) (*models.TrackSnapshot, error) {
	f.calls++
	return f.snap, f.err
}

type publishCall struct {
	text      string
	emoji     string
	expiresAt int64
}

type fakePublisher struct {
	published  []publishCall
	clears     int
	publishErr error
	clearErr   error
}

func (f *fakePublisher) Publish(ctx context.Context, acct *models.Account, text, emoji string, expiresAtUnix int64) error {
	f.published = append(f.published, publishCall{text, emoji, expiresAtUnix})
	return f.publishErr
}

func (f *fakePublisher) Clear(ctx context.Context, acct *models.Account) error {
	f.clears++
	return f.clearErr
}

type fakeOverrideChecker struct {
	manual bool
	calls  int
}

func (f *fakeOverrideChecker) ManualChange(ctx context.Context, acct *models.Account) bool {
	f.calls++
	return f.manual
}

var fixedNow = time.Unix(1_700_000_000, 0)

func newTestReconciler(accounts *fakeAccountStore, playback NowPlayingSource, overrides *fakeOverrideChecker, publisher *fakePublisher) *Reconciler {
	policy := ExpirationPolicy{PollInterval: 10 * time.Second, Overhead: 120 * time.Second}
	return NewReconciler(testLogger(), accounts, playback, overrides, publisher, policy).
		WithClock(func() time.Time { return fixedNow })
}

func connectedAccount() *models.Account {
	enc := "encrypted-access"
	renc := "encrypted-refresh"
	exp := fixedNow.Add(time.Hour)
	return &models.Account{
		ID:                     1,
		SlackUserID:            "U1",
		SlackAccessToken:       "xoxp-test",
		SpotifyAccessTokenEnc:  &enc,
		SpotifyRefreshTokenEnc: &renc,
		SpotifyTokenExpiresAt:  &exp,
		Active:                 true,
	}
}

func playingSnapshot(trackID string, durationMs, progressMs int) *models.TrackSnapshot {
	return &models.TrackSnapshot{
		TrackID:    trackID,
		Title:      "Song A",
		Artist:     "Artist A",
		IsPlaying:  true,
		DurationMs: intp(durationMs),
		ProgressMs: intp(progressMs),
	}
}

func TestReconcile_SkipsNotConnected(t *testing.T) {
	playback := &fakePlayback{}
	r := newTestReconciler(&fakeAccountStore{}, playback, &fakeOverrideChecker{}, &fakePublisher{})

	acct := &models.Account{ID: 1, SlackUserID: "U1", SlackAccessToken: "xoxp"}
	out := r.Reconcile(context.Background(), acct)

	if out.Kind != OutcomeSkipped || out.Reason != ReasonNotConnected {
		t.Errorf("expected skip/not_connected, got %s/%s", out.Kind, out.Reason)
	}
	if playback.calls != 0 {
		t.Error("disconnected account must not hit the playback API")
	}
}

func TestReconcile_SkipsReauthRequired(t *testing.T) {
	playback := &fakePlayback{}
	r := newTestReconciler(&fakeAccountStore{}, playback, &fakeOverrideChecker{}, &fakePublisher{})

	acct := connectedAccount()
	acct.ReauthRequired = true
	out := r.Reconcile(context.Background(), acct)

	if out.Kind != OutcomeSkipped || out.Reason != ReasonReauthRequired {
		t.Errorf("expected skip/needs_reconnection, got %s/%s", out.Kind, out.Reason)
	}
	if playback.calls != 0 {
		t.Error("flagged account must not hit the playback API")
	}
}

func TestReconcile_MissingSettingsIsHardFailure(t *testing.T) {
	accounts := &fakeAccountStore{settingsErr: store.ErrSettingsNotFound}
	r := newTestReconciler(accounts, &fakePlayback{}, &fakeOverrideChecker{}, &fakePublisher{})

	out := r.Reconcile(context.Background(), connectedAccount())

	if out.Kind != OutcomeFailed {
		t.Fatalf("expected failure, got %s", out.Kind)
	}
	if !errors.Is(out.Err, store.ErrSettingsNotFound) {
		t.Errorf("expected wrapped ErrSettingsNotFound, got %v", out.Err)
	}
}

func TestReconcile_SkipsSyncDisabled(t *testing.T) {
	settings := models.DefaultSyncSettings(1)
	settings.SyncEnabled = false
	playback := &fakePlayback{}
	r := newTestReconciler(&fakeAccountStore{settings: &settings}, playback, &fakeOverrideChecker{}, &fakePublisher{})

	out := r.Reconcile(context.Background(), connectedAccount())

	if out.Kind != OutcomeSkipped || out.Reason != ReasonSyncDisabled {
		t.Errorf("expected skip/sync_disabled, got %s/%s", out.Kind, out.Reason)
	}
	if playback.calls != 0 {
		t.Error("disabled sync must not hit the playback API")
	}
}

func TestReconcile_SkipsOutsideWorkingHours(t *testing.T) {
	settings := models.DefaultSyncSettings(1)
	settings.WorkingHoursEnabled = true
	// fixedNow falls in the evening UTC; window 09:00-17:00
	settings.WorkingHoursStart = intp(900)
	settings.WorkingHoursEnd = intp(1700)

	utcNow := fixedNow.UTC()
	if hm := utcNow.Hour()*100 + utcNow.Minute(); hm >= 900 && hm < 1700 {
		t.Fatalf("fixture clock %04d fell inside the window", hm)
	}

	r := newTestReconciler(&fakeAccountStore{settings: &settings}, &fakePlayback{}, &fakeOverrideChecker{}, &fakePublisher{})
	out := r.Reconcile(context.Background(), connectedAccount())

	if out.Kind != OutcomeSkipped || out.Reason != ReasonOutsideWindow {
		t.Errorf("expected skip/outside_working_hours, got %s/%s", out.Kind, out.Reason)
	}
}

func TestReconcile_NothingPlayingNoStoredTrack(t *testing.T) {
	settings := models.DefaultSyncSettings(1)
	publisher := &fakePublisher{}
	r := newTestReconciler(&fakeAccountStore{settings: &settings}, &fakePlayback{snap: nil}, &fakeOverrideChecker{}, publisher)

	out := r.Reconcile(context.Background(), connectedAccount())

	if out.Kind != OutcomeSkipped || out.Reason != ReasonNothingPlaying {
		t.Errorf("expected skip/nothing_playing, got %s/%s", out.Kind, out.Reason)
	}
	if publisher.clears != 0 {
		t.Error("nothing to clear when no track was stored")
	}
}

func TestReconcile_NothingPlayingClearsStoredTrack(t *testing.T) {
	settings := models.DefaultSyncSettings(1)
	accounts := &fakeAccountStore{settings: &settings}
	publisher := &fakePublisher{}
	r := newTestReconciler(accounts, &fakePlayback{snap: nil}, &fakeOverrideChecker{}, publisher)

	acct := connectedAccount()
	acct.CurrentTrackID = strp("track-1")
	acct.CurrentTrackTitle = strp("Song A")
	acct.CurrentTrackArtist = strp("Artist A")
	acct.LastSetStatusText = strp("Song A - Artist A")

	out := r.Reconcile(context.Background(), acct)

	if out.Kind != OutcomeStatusCleared || out.Reason != ReasonNothingPlaying {
		t.Fatalf("expected cleared/nothing_playing, got %s/%s", out.Kind, out.Reason)
	}
	if publisher.clears != 1 {
		t.Errorf("expected 1 clear, got %d", publisher.clears)
	}
	if accounts.trackClears != 1 {
		t.Errorf("expected stored track cleared once, got %d", accounts.trackClears)
	}
	if acct.CurrentTrackID != nil {
		t.Error("expected in-memory track cleared")
	}
	// the blank is recorded as ours so the next cycle's live read does
	// not look like a manual edit
	if len(accounts.lastSet) != 1 || accounts.lastSet[0] != "" {
		t.Errorf("expected last-set recorded as empty, got %v", accounts.lastSet)
	}
}

func TestReconcile_PausedPlaybackTreatedAsSilence(t *testing.T) {
	settings := models.DefaultSyncSettings(1)
	snap := playingSnapshot("track-1", 180000, 5000)
	snap.IsPlaying = false
	publisher := &fakePublisher{}
	r := newTestReconciler(&fakeAccountStore{settings: &settings}, &fakePlayback{snap: snap}, &fakeOverrideChecker{}, publisher)

	out := r.Reconcile(context.Background(), connectedAccount())

	if out.Kind != OutcomeSkipped || out.Reason != ReasonNothingPlaying {
		t.Errorf("expected skip/nothing_playing for paused playback, got %s/%s", out.Kind, out.Reason)
	}
	if len(publisher.published) != 0 {
		t.Error("paused playback must not publish")
	}
}

func TestReconcile_DisallowedDeviceClears(t *testing.T) {
	settings := models.DefaultSyncSettings(1)
	settings.AllowedDeviceIDs = []string{"dev-allowed"}

	snap := playingSnapshot("track-2", 180000, 5000)
	snap.DeviceID = strp("dev-other")

	accounts := &fakeAccountStore{settings: &settings}
	publisher := &fakePublisher{}
	r := newTestReconciler(accounts, &fakePlayback{snap: snap}, &fakeOverrideChecker{}, publisher)

	acct := connectedAccount()
	acct.CurrentTrackID = strp("track-1")

	out := r.Reconcile(context.Background(), acct)

	if out.Kind != OutcomeStatusCleared || out.Reason != ReasonDeviceFiltered {
		t.Fatalf("expected cleared/device_filtered, got %s/%s", out.Kind, out.Reason)
	}
	if publisher.clears != 1 || len(publisher.published) != 0 {
		t.Errorf("expected clear only, got %d clears %d publishes", publisher.clears, len(publisher.published))
	}
}

func TestReconcile_NewTrackPublishesStatus(t *testing.T) {
	settings := models.DefaultSyncSettings(1)
	accounts := &fakeAccountStore{settings: &settings}
	publisher := &fakePublisher{}
	overrides := &fakeOverrideChecker{}
	// 180s track, 5s in
	r := newTestReconciler(accounts, &fakePlayback{snap: playingSnapshot("track-1", 180000, 5000)}, overrides, publisher)

	acct := connectedAccount()
	out := r.Reconcile(context.Background(), acct)

	if out.Kind != OutcomeStatusSet {
		t.Fatalf("expected status_set, got %s (%v)", out.Kind, out.Err)
	}
	if len(publisher.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(publisher.published))
	}

	got := publisher.published[0]
	if got.text != "Song A - Artist A" {
		t.Errorf("expected 'Song A - Artist A', got %q", got.text)
	}
	if got.emoji != models.DefaultStatusEmoji {
		t.Errorf("expected default emoji, got %q", got.emoji)
	}
	// 175s left + 120s overhead
	if got.expiresAt != fixedNow.Unix()+295 {
		t.Errorf("expected expiration %d, got %d", fixedNow.Unix()+295, got.expiresAt)
	}

	if accounts.trackUpdates != 1 {
		t.Errorf("expected track persisted once, got %d", accounts.trackUpdates)
	}
	if acct.CurrentTrackID == nil || *acct.CurrentTrackID != "track-1" {
		t.Error("expected in-memory track updated")
	}
	if acct.LastSetStatusText == nil || *acct.LastSetStatusText != "Song A - Artist A" {
		t.Error("expected last-set text recorded")
	}
	if overrides.calls != 1 {
		t.Errorf("expected one live-status check, got %d", overrides.calls)
	}
}

func TestReconcile_SecondCycleSameTrackIsNoop(t *testing.T) {
	settings := models.DefaultSyncSettings(1)
	accounts := &fakeAccountStore{settings: &settings}
	publisher := &fakePublisher{}
	// 290s remaining keeps the second cycle clear of the refresh threshold
	playback := &fakePlayback{snap: playingSnapshot("track-1", 300000, 10000)}
	r := newTestReconciler(accounts, playback, &fakeOverrideChecker{}, publisher)

	acct := connectedAccount()

	first := r.Reconcile(context.Background(), acct)
	if first.Kind != OutcomeStatusSet {
		t.Fatalf("expected status_set on the first cycle, got %s (%v)", first.Kind, first.Err)
	}

	second := r.Reconcile(context.Background(), acct)
	if second.Kind != OutcomeSkipped || second.Reason != ReasonUnchanged {
		t.Fatalf("expected skip/unchanged on the second cycle, got %s/%s", second.Kind, second.Reason)
	}

	if len(publisher.published) != 1 {
		t.Errorf("expected exactly 1 publish across both cycles, got %d", len(publisher.published))
	}
	if accounts.trackUpdates != 1 {
		t.Errorf("expected the track persisted once, got %d", accounts.trackUpdates)
	}
}

func TestReconcile_SameTrackFreshExpirySkips(t *testing.T) {
	settings := models.DefaultSyncSettings(1)
	publisher := &fakePublisher{}
	overrides := &fakeOverrideChecker{}
	// 290s remaining, well outside the 150s threshold
	r := newTestReconciler(&fakeAccountStore{settings: &settings}, &fakePlayback{snap: playingSnapshot("track-1", 300000, 10000)}, overrides, publisher)

	acct := connectedAccount()
	acct.CurrentTrackID = strp("track-1")
	acct.LastSetStatusText = strp("Song A - Artist A")

	out := r.Reconcile(context.Background(), acct)

	if out.Kind != OutcomeSkipped || out.Reason != ReasonUnchanged {
		t.Errorf("expected skip/unchanged, got %s/%s", out.Kind, out.Reason)
	}
	if len(publisher.published) != 0 {
		t.Error("unchanged track must not re-publish")
	}
	if overrides.calls != 0 {
		t.Error("unchanged track must not read the live status")
	}
}

func TestReconcile_SameTrackNearExpiryRepushes(t *testing.T) {
	settings := models.DefaultSyncSettings(1)
	publisher := &fakePublisher{}
	// 140s remaining, inside the 150s threshold
	r := newTestReconciler(&fakeAccountStore{settings: &settings}, &fakePlayback{snap: playingSnapshot("track-1", 200000, 60000)}, &fakeOverrideChecker{}, publisher)

	acct := connectedAccount()
	acct.CurrentTrackID = strp("track-1")
	acct.LastSetStatusText = strp("Song A - Artist A")

	out := r.Reconcile(context.Background(), acct)

	if out.Kind != OutcomeStatusSet {
		t.Fatalf("expected status_set repush, got %s", out.Kind)
	}
	if len(publisher.published) != 1 {
		t.Errorf("expected 1 publish, got %d", len(publisher.published))
	}
}

func TestReconcile_ManualEditPausesAutomation(t *testing.T) {
	settings := models.DefaultSyncSettings(1)
	accounts := &fakeAccountStore{settings: &settings}
	publisher := &fakePublisher{}
	r := newTestReconciler(accounts, &fakePlayback{snap: playingSnapshot("track-2", 180000, 5000)}, &fakeOverrideChecker{manual: true}, publisher)

	acct := connectedAccount()
	acct.CurrentTrackID = strp("track-1")
	acct.LastSetStatusText = strp("Song A - Artist A")

	out := r.Reconcile(context.Background(), acct)

	if out.Kind != OutcomeSkipped || out.Reason != ReasonManualOverride {
		t.Fatalf("expected skip/manual_override, got %s/%s", out.Kind, out.Reason)
	}
	if len(publisher.published) != 0 {
		t.Error("manual edit must suppress the publish")
	}
	if len(accounts.overrideSets) != 1 || !accounts.overrideSets[0] {
		t.Errorf("expected override persisted as true, got %v", accounts.overrideSets)
	}
	if !acct.ManualOverride {
		t.Error("expected in-memory override flag set")
	}
}

func TestReconcile_OverrideHeldWhileTrackUnchanged(t *testing.T) {
	settings := models.DefaultSyncSettings(1)
	accounts := &fakeAccountStore{settings: &settings}
	publisher := &fakePublisher{}
	overrides := &fakeOverrideChecker{}
	// same track, 140s remaining would normally repush
	r := newTestReconciler(accounts, &fakePlayback{snap: playingSnapshot("track-1", 200000, 60000)}, overrides, publisher)

	acct := connectedAccount()
	acct.CurrentTrackID = strp("track-1")
	acct.ManualOverride = true

	out := r.Reconcile(context.Background(), acct)

	if out.Kind != OutcomeSkipped || out.Reason != ReasonManualOverride {
		t.Fatalf("expected skip/manual_override, got %s/%s", out.Kind, out.Reason)
	}
	if len(publisher.published) != 0 {
		t.Error("held override must suppress the repush")
	}
	if len(accounts.overrideSets) != 0 {
		t.Errorf("override flag must not be touched, got %v", accounts.overrideSets)
	}
}

func TestReconcile_TrackChangeReleasesOverride(t *testing.T) {
	settings := models.DefaultSyncSettings(1)
	accounts := &fakeAccountStore{settings: &settings}
	publisher := &fakePublisher{}
	r := newTestReconciler(accounts, &fakePlayback{snap: playingSnapshot("track-2", 180000, 5000)}, &fakeOverrideChecker{}, publisher)

	acct := connectedAccount()
	acct.CurrentTrackID = strp("track-1")
	acct.ManualOverride = true

	out := r.Reconcile(context.Background(), acct)

	if out.Kind != OutcomeStatusSet {
		t.Fatalf("expected status_set after release, got %s (%v)", out.Kind, out.Err)
	}
	if len(accounts.overrideSets) != 1 || accounts.overrideSets[0] {
		t.Errorf("expected override persisted as false, got %v", accounts.overrideSets)
	}
	if acct.ManualOverride {
		t.Error("expected in-memory override flag cleared")
	}
	if len(publisher.published) != 1 {
		t.Errorf("expected 1 publish, got %d", len(publisher.published))
	}
}

func TestReconcile_TrackPersistedBeforeFailedPublish(t *testing.T) {
	settings := models.DefaultSyncSettings(1)
	accounts := &fakeAccountStore{settings: &settings}
	publisher := &fakePublisher{publishErr: errors.New("slack down")}
	r := newTestReconciler(accounts, &fakePlayback{snap: playingSnapshot("track-1", 180000, 5000)}, &fakeOverrideChecker{}, publisher)

	acct := connectedAccount()
	out := r.Reconcile(context.Background(), acct)

	if out.Kind != OutcomeFailed {
		t.Fatalf("expected failure, got %s", out.Kind)
	}
	// track identity must already be durable so a transient publish
	// failure cannot replay the change forever
	if accounts.trackUpdates != 1 {
		t.Errorf("expected track persisted before publish, got %d updates", accounts.trackUpdates)
	}
	if len(accounts.lastSet) != 0 {
		t.Errorf("failed publish must not record a last-set text, got %v", accounts.lastSet)
	}
}

func TestReconcile_PlaybackFetchFailure(t *testing.T) {
	settings := models.DefaultSyncSettings(1)
	r := newTestReconciler(&fakeAccountStore{settings: &settings}, &fakePlayback{err: errors.New("spotify down")}, &fakeOverrideChecker{}, &fakePublisher{})

	out := r.Reconcile(context.Background(), connectedAccount())

	if out.Kind != OutcomeFailed {
		t.Fatalf("expected failure, got %s", out.Kind)
	}
}
