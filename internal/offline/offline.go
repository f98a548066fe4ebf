// Package offline reconstructs a playable playlist at boot when the remote
// API is unreachable, from the persisted snapshot or the raw cache directory.
package offline

import (
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/doohkit/kioskd/internal/cacheindex"
	"github.com/doohkit/kioskd/internal/config"
	"github.com/doohkit/kioskd/internal/media"
	"github.com/doohkit/kioskd/internal/playlist"
)

// ItemsFromSaved resolves the persisted snapshot records into media items.
// Paths resolve as absolute, then relative to cache_dir, then by basename
// within cache_dir. Records whose file is missing, empty, or of an
// unsupported type are dropped. Records without a URL get a synthetic
// cache:// URL so downstream identity stays stable.
func ItemsFromSaved(cfg config.Config, records []media.Item) []media.Item {
	var items []media.Item
	for _, rec := range records {
		path := resolvePath(cfg.CacheDir, rec.Path)
		if path == "" {
			continue
		}
		url := rec.URL
		if url == "" {
			url = "cache://" + filepath.Base(path)
		}
		if !media.ValidFile(path, url) {
			continue
		}
		duration := rec.DurationMS
		if duration <= 0 {
			duration = cfg.DefaultDurationMS
		}
		items = append(items, media.Item{
			URL:          url,
			DurationMS:   duration,
			Path:         path,
			CampaignID:   rec.CampaignID,
			CampaignName: rec.CampaignName,
		})
	}
	return items
}

// ItemsFromCache enumerates cache_dir directly, preferring metadata from the
// cache index when available. Files sort by (last_used, path) ascending so
// playback order is deterministic across boots. idx may be nil.
func ItemsFromCache(cfg config.Config, idx *cacheindex.Index) []media.Item {
	entries, err := os.ReadDir(cfg.CacheDir)
	if err != nil {
		return nil
	}
	var known map[string]cacheindex.Entry
	if idx != nil {
		known = idx.Snapshot()
	}

	type candidate struct {
		item     media.Item
		lastUsed time.Time
	}
	var cands []candidate
	for _, de := range entries {
		if !de.Type().IsRegular() {
			continue
		}
		path := filepath.Join(cfg.CacheDir, de.Name())
		if strings.HasSuffix(path, ".tmp") {
			continue
		}
		item := media.Item{
			URL:        "cache://" + de.Name(),
			DurationMS: cfg.DefaultDurationMS,
			Path:       path,
		}
		var lastUsed time.Time
		if meta, ok := known[path]; ok {
			if meta.URL != "" {
				item.URL = meta.URL
			}
			if meta.DurationMS > 0 {
				item.DurationMS = meta.DurationMS
			}
			item.CampaignID = meta.CampaignID
			item.CampaignName = meta.CampaignName
			lastUsed = meta.LastUsedTime()
		}
		if !media.ValidFile(path, item.URL) {
			continue
		}
		cands = append(cands, candidate{item: item, lastUsed: lastUsed})
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].lastUsed.Equal(cands[j].lastUsed) {
			return cands[i].lastUsed.Before(cands[j].lastUsed)
		}
		return cands[i].item.Path < cands[j].item.Path
	})
	items := make([]media.Item, 0, len(cands))
	for _, c := range cands {
		items = append(items, c.item)
	}
	return items
}

func resolvePath(cacheDir, p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	direct := filepath.Join(cacheDir, p)
	if _, err := os.Stat(direct); err == nil {
		return direct
	}
	return filepath.Join(cacheDir, filepath.Base(p))
}

// PlaylistAllowed applies the snapshot age policy: a stale snapshot is
// declined unless the no-network override is set and the API is genuinely
// unreachable. savedAt is the snapshot timestamp (zero means unknown and is
// treated as stale).
func PlaylistAllowed(cfg config.Config, savedAt time.Time, networkAvailable bool) bool {
	if cfg.OfflineMaxAgeHours <= 0 {
		return true
	}
	maxAge := time.Duration(cfg.OfflineMaxAgeHours) * time.Hour
	if !savedAt.IsZero() && time.Since(savedAt) <= maxAge {
		return true
	}
	if cfg.OfflineIgnoreMaxAgeWhenNoNet && !networkAvailable {
		return true
	}
	return false
}

// NetworkAvailable probes the API endpoint's host:port with a short TCP
// dial. It deliberately does not speak HTTP: the question is reachability,
// not API health.
func NetworkAvailable(apiURL string) bool {
	u, err := url.Parse(apiURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	conn, err := net.DialTimeout("tcp", host, 3*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// LoadAtBoot builds the boot playlist when offline fallback is enabled.
// Snapshot records win; the raw cache directory is the fallback. Returns the
// items plus the fingerprint to seed the store with (the snapshot's own
// fingerprint when it was usable, a synthetic one otherwise).
func LoadAtBoot(cfg config.Config, idx *cacheindex.Index, lastSuccess time.Time) ([]media.Item, string) {
	if !cfg.OfflineFallback {
		return nil, ""
	}
	networkUp := NetworkAvailable(cfg.APIURL)

	snap, err := playlist.LoadSnapshot(cfg.StateDir)
	if err == nil {
		savedAt := snap.SavedAtTime()
		if !lastSuccess.IsZero() {
			savedAt = lastSuccess
		}
		if !PlaylistAllowed(cfg, savedAt, networkUp) {
			log.Printf("offline: snapshot older than %dh and network is up; declining", cfg.OfflineMaxAgeHours)
			return nil, ""
		}
		if items := ItemsFromSaved(cfg, snap.Playlist); len(items) > 0 {
			log.Printf("offline: restored %d items from playlist snapshot", len(items))
			return items, snap.Fingerprint
		}
	}

	if !PlaylistAllowed(cfg, lastSuccess, networkUp) {
		return nil, ""
	}
	items := ItemsFromCache(cfg, idx)
	if len(items) == 0 {
		return nil, ""
	}
	log.Printf("offline: reconstructed %d items from cache directory", len(items))
	return items, "offline:" + playlist.Signature(items)
}
