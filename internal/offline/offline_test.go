package offline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/doohkit/kioskd/internal/cacheindex"
	"github.com/doohkit/kioskd/internal/config"
	"github.com/doohkit/kioskd/internal/media"
)

func testCfg(cacheDir string) config.Config {
	cfg := config.Defaults()
	cfg.CacheDir = cacheDir
	cfg.DefaultDurationMS = 9000
	return cfg
}

func write(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestItemsFromSavedAbsolutePathAndSyntheticURL(t *testing.T) {
	dir := t.TempDir()
	mediaPath := filepath.Join(dir, "video.mp4")
	write(t, mediaPath, []byte("test"))

	items := ItemsFromSaved(testCfg(dir), []media.Item{
		{Path: mediaPath, DurationMS: 5000, CampaignName: "Offline"},
	})
	if len(items) != 1 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].Path != mediaPath {
		t.Errorf("absolute path must resolve unchanged, got %q", items[0].Path)
	}
	if items[0].DurationMS != 5000 {
		t.Errorf("duration = %d", items[0].DurationMS)
	}
	if items[0].URL != "cache://video.mp4" {
		t.Errorf("url = %q, want synthetic cache:// URL", items[0].URL)
	}
}

func TestItemsFromSavedRelativePathResolvesUnderCacheDir(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "clip.mp4"), []byte("x"))

	items := ItemsFromSaved(testCfg(dir), []media.Item{
		{Path: "clip.mp4", DurationMS: 2000},
	})
	if len(items) != 1 || items[0].Path != filepath.Join(dir, "clip.mp4") {
		t.Fatalf("items = %+v", items)
	}
}

func TestItemsFromSavedDropsInvalidRecords(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.mp4")
	write(t, empty, nil)
	bin := filepath.Join(dir, "blob.bin")
	write(t, bin, []byte("x"))

	items := ItemsFromSaved(testCfg(dir), []media.Item{
		{Path: filepath.Join(dir, "missing.mp4"), DurationMS: 2000},
		{Path: empty, DurationMS: 2000},
		{Path: bin, DurationMS: 2000}, // .bin without a real URL
	})
	if len(items) != 0 {
		t.Fatalf("items = %+v, want none", items)
	}

	// The same .bin is fine when a real source URL accompanies it.
	items = ItemsFromSaved(testCfg(dir), []media.Item{
		{Path: bin, URL: "http://cdn/blob.bin", DurationMS: 2000},
	})
	if len(items) != 1 {
		t.Fatalf(".bin with URL should resolve, got %+v", items)
	}
}

func TestItemsFromCacheWithoutIndex(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "a.mp4"), []byte("1"))
	write(t, filepath.Join(dir, "b.png"), []byte("2"))
	write(t, filepath.Join(dir, "note.txt"), []byte("skip"))
	write(t, filepath.Join(dir, "empty.mp4"), nil)
	write(t, filepath.Join(dir, "partial.tmp"), []byte("ignore"))

	items := ItemsFromCache(testCfg(dir), nil)
	got := map[string]bool{}
	for _, it := range items {
		got[filepath.Base(it.Path)] = true
		if it.DurationMS != 9000 {
			t.Errorf("%s duration = %d, want default 9000", it.Path, it.DurationMS)
		}
	}
	if len(got) != 2 || !got["a.mp4"] || !got["b.png"] {
		t.Fatalf("items = %v", got)
	}
}

func TestItemsFromCachePrefersIndexOrderAndMetadata(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "z-old.mp4")
	newer := filepath.Join(dir, "a-new.mp4")
	write(t, older, []byte("1"))
	write(t, newer, []byte("2"))

	idx := cacheindex.Load(dir)
	idx.Touch(older, cacheindex.Entry{
		URL: "http://cdn/old.mp4", DurationMS: 4000,
		LastUsed: "2026-01-01T00:00:00Z", Size: 1,
	})
	idx.Touch(newer, cacheindex.Entry{
		URL: "http://cdn/new.mp4", DurationMS: 6000,
		LastUsed: "2026-06-01T00:00:00Z", Size: 1,
	})

	items := ItemsFromCache(testCfg(dir), idx)
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].Path != older || items[1].Path != newer {
		t.Errorf("order = %q, %q; want last_used ascending", items[0].Path, items[1].Path)
	}
	if items[0].URL != "http://cdn/old.mp4" || items[0].DurationMS != 4000 {
		t.Errorf("metadata not applied: %+v", items[0])
	}
}

func TestPlaylistAllowedAgePolicy(t *testing.T) {
	cfg := config.Defaults()
	cfg.OfflineMaxAgeHours = 1
	cfg.OfflineIgnoreMaxAgeWhenNoNet = true
	stale := time.Now().Add(-6 * 30 * 24 * time.Hour)

	if !PlaylistAllowed(cfg, stale, false) {
		t.Error("stale snapshot must be allowed when the network is down")
	}
	if PlaylistAllowed(cfg, stale, true) {
		t.Error("stale snapshot must be rejected when the network is up")
	}
	if !PlaylistAllowed(cfg, time.Now().Add(-30*time.Minute), true) {
		t.Error("fresh snapshot must be allowed")
	}

	cfg.OfflineIgnoreMaxAgeWhenNoNet = false
	if PlaylistAllowed(cfg, stale, false) {
		t.Error("without the override, stale is stale regardless of network")
	}

	cfg.OfflineMaxAgeHours = 0
	if !PlaylistAllowed(cfg, stale, true) {
		t.Error("age limit disabled: everything allowed")
	}
}

func TestNetworkAvailableFalseForUnreachable(t *testing.T) {
	if NetworkAvailable("http://127.0.0.1:1") {
		t.Error("port 1 should not be reachable")
	}
	if NetworkAvailable("not a url") {
		t.Error("garbage URL should report unavailable")
	}
}
