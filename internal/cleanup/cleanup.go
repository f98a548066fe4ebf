// Package cleanup garbage-collects the media cache subject to the retention
// policy, never touching files any live component still references.
package cleanup

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/doohkit/kioskd/internal/cacheindex"
	"github.com/doohkit/kioskd/internal/config"
	"github.com/doohkit/kioskd/internal/playlist"
	"github.com/doohkit/kioskd/internal/status"
)

// Worker prunes the cache directory on a timer.
type Worker struct {
	cfg   func() config.Config
	store *playlist.Store
	reg   *status.Registry
	idx   *cacheindex.Index
}

// New builds a cleanup worker.
func New(cfg func() config.Config, store *playlist.Store, reg *status.Registry, idx *cacheindex.Index) *Worker {
	return &Worker{cfg: cfg, store: store, reg: reg, idx: idx}
}

// Run ticks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		cfg := w.cfg()
		interval := time.Duration(cfg.CleanupIntervalSec) * time.Second
		if interval <= 0 {
			sleepCtx(ctx, time.Second)
			continue
		}
		removed := w.Sweep(cfg)
		if removed >= 0 {
			w.reg.CountCleanupRemoved(removed)
			w.reg.Update(func(st *status.Snapshot) {
				st.LastCleanup = time.Now().UTC().Format(time.RFC3339)
				st.LastCleanupRemoved = removed
			})
		}
		sleepCtx(ctx, interval)
	}
}

// Sweep runs one cleanup pass and returns how many files were removed, or -1
// when the pass was skipped (offline guard). Keep set: the live playlist,
// the persisted snapshot, and the current/next playback slots.
func (w *Worker) Sweep(cfg config.Config) int {
	snap := w.reg.Snapshot()
	if cfg.DisableCleanupWhenOffline && (snap.ConsecutiveFailures > 0 || snap.LastPollSuccess == "") {
		log.Printf("cleanup: skipped, last poll did not succeed")
		return -1
	}

	keep := map[string]struct{}{}
	items, _ := w.store.Get()
	for _, it := range items {
		keep[it.Path] = struct{}{}
	}
	if doc, err := playlist.LoadSnapshot(cfg.StateDir); err == nil {
		for _, it := range doc.Playlist {
			keep[it.Path] = struct{}{}
		}
	}
	if snap.CurrentItem != nil && snap.CurrentItem.Path != "" {
		keep[snap.CurrentItem.Path] = struct{}{}
	}
	if snap.NextItem != nil && snap.NextItem.Path != "" {
		keep[snap.NextItem.Path] = struct{}{}
	}

	entries, err := os.ReadDir(cfg.CacheDir)
	if err != nil {
		return 0
	}

	type candidate struct {
		path     string
		size     int64
		lastUsed time.Time
	}
	var cands []candidate
	var keptFiles int
	var keptBytes int64
	removed := 0
	now := time.Now()

	for _, de := range entries {
		if !de.Type().IsRegular() {
			continue
		}
		path := filepath.Join(cfg.CacheDir, de.Name())
		fi, err := de.Info()
		if err != nil {
			continue
		}
		if strings.HasSuffix(de.Name(), ".tmp") {
			maxAge := time.Duration(cfg.TmpMaxAgeSec) * time.Second
			if maxAge > 0 && now.Sub(fi.ModTime()) > maxAge {
				if os.Remove(path) == nil {
					removed++
				}
			}
			continue
		}
		if _, ok := keep[path]; ok {
			keptFiles++
			keptBytes += fi.Size()
			continue
		}
		lastUsed := fi.ModTime()
		if w.idx != nil {
			if e, ok := w.idx.Get(path); ok && !e.LastUsedTime().IsZero() {
				lastUsed = e.LastUsedTime()
			}
		}
		cands = append(cands, candidate{path: path, size: fi.Size(), lastUsed: lastUsed})
	}

	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].lastUsed.Equal(cands[j].lastUsed) {
			return cands[i].lastUsed.Before(cands[j].lastUsed)
		}
		return cands[i].path < cands[j].path
	})

	noLimits := cfg.CacheMaxFiles <= 0 && cfg.CacheMaxBytes <= 0
	totalFiles := keptFiles + len(cands)
	totalBytes := keptBytes
	for _, c := range cands {
		totalBytes += c.size
	}

	for _, c := range cands {
		evict := noLimits ||
			(cfg.CacheMaxFiles > 0 && totalFiles > cfg.CacheMaxFiles) ||
			(cfg.CacheMaxBytes > 0 && totalBytes > cfg.CacheMaxBytes)
		if !evict {
			break
		}
		if err := os.Remove(c.path); err != nil {
			log.Printf("cleanup: remove %s: %v", c.path, err)
			continue
		}
		if w.idx != nil {
			w.idx.Remove(c.path)
		}
		removed++
		totalFiles--
		totalBytes -= c.size
	}
	if removed > 0 {
		log.Printf("cleanup: removed %d cache file(s)", removed)
	}
	return removed
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
