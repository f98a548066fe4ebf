// Package watchdog keeps the media player alive: liveness pings, a playing-
// the-wrong-file probe, and a stalled-decoder probe, each ending in a player
// restart.
package watchdog

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/doohkit/kioskd/internal/config"
	"github.com/doohkit/kioskd/internal/media"
	"github.com/doohkit/kioskd/internal/status"
)

// Player is the slice of the controller the watchdog needs.
type Player interface {
	EnsureRunning() bool
	IsRunning() bool
	Ping() bool
	Restart() bool
	GetProperty(name string, timeout time.Duration) (any, bool)
}

// Watchdog probes the player every interval and restarts it on trouble.
type Watchdog struct {
	cfg    func() config.Config
	player Player
	reg    *status.Registry

	now func() time.Time

	mismatchSince time.Time
	lastTimePos   float64
	timePosValid  bool
	stallSince    time.Time
}

// New builds a watchdog.
func New(cfg func() config.Config, p Player, reg *status.Registry) *Watchdog {
	return &Watchdog{cfg: cfg, player: p, reg: reg, now: time.Now}
}

// Run probes until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	for ctx.Err() == nil {
		cfg := w.cfg()
		w.tick(cfg)
		interval := time.Duration(cfg.WatchdogIntervalSec) * time.Second
		if interval <= 0 {
			interval = 10 * time.Second
		}
		sleepCtx(ctx, interval)
	}
}

// tick runs one probe round.
func (w *Watchdog) tick(cfg config.Config) {
	w.player.EnsureRunning()
	if !w.player.Ping() {
		log.Printf("watchdog: player IPC unresponsive, restarting")
		w.restart()
		return
	}

	snap := w.reg.Snapshot()
	if snap.PlaybackState == status.StatePlaying && snap.CurrentItem != nil {
		if w.checkPathMismatch(cfg, snap) {
			return
		}
		w.checkStall(cfg, snap)
	} else {
		w.mismatchSince = time.Time{}
		w.resetStall()
	}

	w.reg.Update(func(st *status.Snapshot) {
		st.PlayerRunning = w.player.IsRunning()
		st.PlayerLastOK = w.now().UTC().Format(time.RFC3339)
	})
}

// checkPathMismatch restarts the player when it reports a path that matches
// neither the current nor the next slot for longer than the configured
// window. Returns true when a restart happened.
func (w *Watchdog) checkPathMismatch(cfg config.Config, snap status.Snapshot) bool {
	limit := time.Duration(cfg.PlaybackMismatchSec) * time.Second
	if limit <= 0 {
		return false
	}
	v, ok := w.player.GetProperty("path", 2*time.Second)
	if !ok {
		return false
	}
	playing, _ := v.(string)
	if playing == "" {
		return false
	}
	expected := []string{snap.CurrentItem.Path}
	if snap.NextItem != nil {
		expected = append(expected, snap.NextItem.Path)
	}
	if matchesAny(playing, expected) {
		w.mismatchSince = time.Time{}
		return false
	}
	now := w.now()
	if w.mismatchSince.IsZero() {
		w.mismatchSince = now
		return false
	}
	if now.Sub(w.mismatchSince) < limit {
		return false
	}
	log.Printf("watchdog: player path %q matches neither current nor next for %s, restarting", playing, limit)
	w.restart()
	return true
}

// checkStall restarts the player when time-pos freezes on a non-image item.
// Images legitimately never advance, so they are exempt.
func (w *Watchdog) checkStall(cfg config.Config, snap status.Snapshot) {
	limit := time.Duration(cfg.PlaybackStallSec) * time.Second
	if limit <= 0 {
		return
	}
	if media.IsImage(snap.CurrentItem.Path) {
		w.resetStall()
		return
	}
	v, ok := w.player.GetProperty("time-pos", 2*time.Second)
	if !ok {
		return
	}
	pos, ok := v.(float64)
	if !ok {
		return
	}
	now := w.now()
	if !w.timePosValid || pos != w.lastTimePos {
		w.lastTimePos = pos
		w.timePosValid = true
		w.stallSince = now
		return
	}
	if now.Sub(w.stallSince) >= limit {
		log.Printf("watchdog: time-pos stuck at %.2f for %s, restarting", pos, limit)
		w.restart()
	}
}

func (w *Watchdog) restart() {
	w.player.Restart()
	w.mismatchSince = time.Time{}
	w.resetStall()
	w.reg.Update(func(st *status.Snapshot) {
		st.PlayerRunning = w.player.IsRunning()
	})
}

func (w *Watchdog) resetStall() {
	w.timePosValid = false
	w.stallSince = time.Time{}
}

// matchesAny compares by cleaned absolute path so the player reporting
// "./cache/a.mp4" still matches "/kiosk/cache/a.mp4".
func matchesAny(playing string, expected []string) bool {
	p := normalize(playing)
	for _, e := range expected {
		if normalize(e) == p {
			return true
		}
	}
	return false
}

func normalize(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return filepath.Clean(abs)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
