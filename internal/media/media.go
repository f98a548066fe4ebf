// Package media defines the media item value type shared by the fetcher,
// offline loader, scheduler, and cleanup worker.
package media

import (
	"os"
	"path/filepath"
	"strings"
)

// Item is one playable entry. Immutable once built: playlists are replaced
// wholesale, never edited in place.
type Item struct {
	URL          string `json:"url"`
	DurationMS   int64  `json:"duration_ms"`
	Path         string `json:"path"`
	CampaignID   string `json:"campaign_id"`
	CampaignName string `json:"campaign_name"`
}

// MinDurationMS is the floor applied to every item duration when computing
// cycle timing. Anything shorter would make the player flap.
const MinDurationMS = 1000

// EffectiveDurationMS clamps d to at least MinDurationMS.
func EffectiveDurationMS(d int64) int64 {
	if d < MinDurationMS {
		return MinDurationMS
	}
	return d
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".m4v": true, ".mov": true, ".mkv": true,
	".webm": true, ".avi": true, ".mpeg": true, ".mpg": true,
}

// IsImage reports whether path has an image extension. Images loop forever in
// the player, so stall detection does not apply to them.
func IsImage(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// SupportedExt reports whether ext (with leading dot, any case) is a playable
// media extension. ".bin" is only acceptable when a real source URL is known,
// which the caller must check separately.
func SupportedExt(ext string) bool {
	ext = strings.ToLower(ext)
	return imageExts[ext] || videoExts[ext]
}

// ValidFile reports whether path points to a regular file of positive size
// with a playable extension. url is the item's source URL: a ".bin" file is
// accepted only when url is a real remote URL (not empty, not synthetic).
func ValidFile(path, url string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".bin" {
		if url == "" || strings.HasPrefix(url, "cache://") {
			return false
		}
	} else if !SupportedExt(ext) {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() || fi.Size() <= 0 {
		return false
	}
	return true
}
