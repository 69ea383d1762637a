package sync

import (
	"time"

	"tunesync/internal/models"
)

// WithinWorkingHours reports whether the configured UTC window allows
// syncing right now. A disabled window, or an enabled one missing its
// start or end, always allows (fail open).
//
// Windows may wrap midnight: start 2200, end 0600 covers the night hours.
func WithinWorkingHours(settings *models.SyncSettings, now time.Time) bool {
	if !settings.WorkingHoursEnabled {
		return true
	}
	if settings.WorkingHoursStart == nil || settings.WorkingHoursEnd == nil {
		return true
	}

	start := *settings.WorkingHoursStart
	end := *settings.WorkingHoursEnd
	if start == end {
		return true
	}

	utc := now.UTC()
	current := utc.Hour()*100 + utc.Minute()

	if start < end {
		return current >= start && current < end
	}
	// wrapped window
	return current >= start || current < end
}

// DeviceAllowed applies the device allow-list. An empty list allows every
// device; an unknown device id cannot be filtered and is allowed.
func DeviceAllowed(settings *models.SyncSettings, deviceID *string) bool {
	if len(settings.AllowedDeviceIDs) == 0 {
		return true
	}
	if deviceID == nil {
		return true
	}
	for _, id := range settings.AllowedDeviceIDs {
		if id == *deviceID {
			return true
		}
	}
	return false
}
