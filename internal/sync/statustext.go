package sync

import (
	"regexp"
	"strings"

	"tunesync/internal/models"
)

// Template placeholders. The emoji is carried in Slack's separate
// status_emoji field, so its placeholder is always substituted away.
const (
	placeholderEmoji  = "{emoji}"
	placeholderTitle  = "{title}"
	placeholderArtist = "{artist}"
)

var (
	leadingSeparator  = regexp.MustCompile(`^\s+-\s+`)
	trailingSeparator = regexp.MustCompile(`\s+-\s+$`)
	multiSpace        = regexp.MustCompile(`\s{2,}`)
)

// BuildStatusText renders the status template for a track. Fields switched
// off in the settings are substituted empty, then the dangling " - "
// separator and doubled whitespace they leave behind are stripped.
func BuildStatusText(settings *models.SyncSettings, title, artist string) string {
	if !settings.ShowTitle {
		title = ""
	}
	if !settings.ShowArtist {
		artist = ""
	}

	text := settings.StatusTemplate
	text = strings.ReplaceAll(text, placeholderEmoji, "")
	text = strings.ReplaceAll(text, placeholderTitle, title)
	text = strings.ReplaceAll(text, placeholderArtist, artist)

	text = trailingSeparator.ReplaceAllString(text, "")
	text = leadingSeparator.ReplaceAllString(text, "")
	text = multiSpace.ReplaceAllString(text, " ")

	return strings.TrimSpace(text)
}
