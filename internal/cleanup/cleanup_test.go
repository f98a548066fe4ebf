package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/doohkit/kioskd/internal/cacheindex"
	"github.com/doohkit/kioskd/internal/config"
	"github.com/doohkit/kioskd/internal/media"
	"github.com/doohkit/kioskd/internal/playlist"
	"github.com/doohkit/kioskd/internal/status"
)

func write(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
}

func fixture(t *testing.T, mut func(*config.Config)) (*Worker, config.Config, *playlist.Store, *status.Registry) {
	t.Helper()
	cfg := config.Defaults()
	cfg.CacheDir = t.TempDir()
	cfg.StateDir = t.TempDir()
	if mut != nil {
		mut(&cfg)
	}
	store := playlist.NewStore()
	reg := status.NewRegistry(prometheus.NewRegistry())
	reg.Update(func(s *status.Snapshot) { s.LastPollSuccess = "2026-02-08T00:00:00Z" })
	w := New(func() config.Config { return cfg }, store, reg, nil)
	return w, cfg, store, reg
}

func TestSweepRemovesAllNonKeepWithoutLimits(t *testing.T) {
	w, cfg, store, reg := fixture(t, nil)
	live := filepath.Join(cfg.CacheDir, "live.mp4")
	current := filepath.Join(cfg.CacheDir, "current.mp4")
	next := filepath.Join(cfg.CacheDir, "next.mp4")
	snapped := filepath.Join(cfg.CacheDir, "snapshot.mp4")
	orphan := filepath.Join(cfg.CacheDir, "orphan.mp4")
	for _, p := range []string{live, current, next, snapped, orphan} {
		write(t, p, 10)
	}

	store.Update([]media.Item{{URL: "u", Path: live, DurationMS: 1000}}, "fp")
	if err := playlist.SaveSnapshot(cfg.StateDir, []media.Item{{URL: "s", Path: snapped, DurationMS: 1000}}, "fp"); err != nil {
		t.Fatal(err)
	}
	reg.Update(func(s *status.Snapshot) {
		s.CurrentItem = &status.ItemRef{Path: current}
		s.NextItem = &status.ItemRef{Path: next}
	})

	removed := w.Sweep(cfg)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan should be gone")
	}
	for _, p := range []string{live, current, next, snapped} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("keep-path %s was removed", p)
		}
	}
}

func TestSweepEvictsOldestUntilLimitsSatisfied(t *testing.T) {
	idxDir := t.TempDir()
	idx := cacheindex.Load(idxDir)
	w, cfg, _, _ := fixture(t, func(c *config.Config) {
		c.CacheMaxFiles = 2
	})
	w.idx = idx

	old := filepath.Join(cfg.CacheDir, "old.mp4")
	mid := filepath.Join(cfg.CacheDir, "mid.mp4")
	fresh := filepath.Join(cfg.CacheDir, "fresh.mp4")
	for _, p := range []string{old, mid, fresh} {
		write(t, p, 10)
	}
	idx.Touch(old, cacheindex.Entry{LastUsed: "2026-01-01T00:00:00Z", Size: 10})
	idx.Touch(mid, cacheindex.Entry{LastUsed: "2026-02-01T00:00:00Z", Size: 10})
	idx.Touch(fresh, cacheindex.Entry{LastUsed: "2026-03-01T00:00:00Z", Size: 10})

	removed := w.Sweep(cfg)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("oldest file should have been evicted")
	}
	for _, p := range []string{mid, fresh} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s evicted although limits were satisfied", p)
		}
	}
	if _, ok := idx.Get(old); ok {
		t.Error("evicted file still in the cache index")
	}
}

func TestSweepRemovesStaleTempFiles(t *testing.T) {
	w, cfg, _, _ := fixture(t, func(c *config.Config) {
		c.CacheMaxFiles = 100 // keep regular files out of the way
		c.TmpMaxAgeSec = 60
	})
	stale := filepath.Join(cfg.CacheDir, "download.mp4.tmp")
	write(t, stale, 5)
	if err := os.Chtimes(stale, time.Now().Add(-2*time.Hour), time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	freshTmp := filepath.Join(cfg.CacheDir, "inflight.mp4.tmp")
	write(t, freshTmp, 5)

	if removed := w.Sweep(cfg); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp file should be gone")
	}
	if _, err := os.Stat(freshTmp); err != nil {
		t.Error("in-flight temp file must survive")
	}
}

func TestSweepSkippedWhenOffline(t *testing.T) {
	w, cfg, _, reg := fixture(t, func(c *config.Config) {
		c.DisableCleanupWhenOffline = true
	})
	orphan := filepath.Join(cfg.CacheDir, "orphan.mp4")
	write(t, orphan, 10)
	reg.Update(func(s *status.Snapshot) { s.ConsecutiveFailures = 2 })

	if removed := w.Sweep(cfg); removed != -1 {
		t.Fatalf("removed = %d, want -1 (skipped)", removed)
	}
	if _, err := os.Stat(orphan); err != nil {
		t.Error("nothing may be deleted while offline")
	}
}
