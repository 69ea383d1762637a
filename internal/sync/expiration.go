package sync

import "time"

// ExpirationPolicy decides when a still-playing track's status must be
// re-pushed so its Slack-side expiration never lapses mid-track.
type ExpirationPolicy struct {
	PollInterval time.Duration
	Overhead     time.Duration
}

// NeedsRefresh reports whether the status expiration is close enough that
// this cycle must push again. Unknown duration or progress always
// refreshes: over-refreshing beats a status silently expiring.
//
// The 3x interval in the threshold absorbs scheduling jitter and still
// leaves at least one more cycle before natural expiry.
func (p ExpirationPolicy) NeedsRefresh(durationMs, progressMs *int) bool {
	if durationMs == nil || progressMs == nil {
		return true
	}

	remaining := time.Duration(*durationMs-*progressMs) * time.Millisecond
	threshold := 3*p.PollInterval + p.Overhead
	return remaining <= threshold
}

// ExpiryUnix computes the status_expiration timestamp in whole seconds:
// now + remaining track time + overhead. Returns 0 (no expiration) when
// the duration is unknown; negative or unknown progress counts as 0.
func (p ExpirationPolicy) ExpiryUnix(now time.Time, durationMs, progressMs *int) int64 {
	if durationMs == nil || *durationMs <= 0 {
		return 0
	}

	progress := 0
	if progressMs != nil && *progressMs > 0 {
		progress = *progressMs
	}

	remaining := time.Duration(*durationMs-progress)*time.Millisecond + p.Overhead
	return now.Unix() + int64(remaining/time.Second)
}
