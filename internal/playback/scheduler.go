package playback

import (
	"context"
	"log"
	"os/exec"
	"runtime"
	"time"

	"github.com/doohkit/kioskd/internal/config"
	"github.com/doohkit/kioskd/internal/media"
	"github.com/doohkit/kioskd/internal/playlist"
	"github.com/doohkit/kioskd/internal/status"
)

// Player is the slice of the IPC controller the scheduler drives. A fake
// implementation stands in for the real player in tests.
type Player interface {
	EnsureRunning() bool
	Restart() bool
	Generation() int64
	LoadFile(path string) bool
	AppendFile(path string) bool
	PlaylistNext() bool
	PlaylistRemove(index int) bool
	SeekAbsolute(seconds float64) bool
}

// pollGranularity is how often the inner wait wakes to observe stop, version
// changes, and sync triggers.
const pollGranularity = 200 * time.Millisecond

// waitOutcome says why an item wait ended.
type waitOutcome int

const (
	waitCompleted waitOutcome = iota
	waitStopped
	waitVersionChanged
	waitHardJump
)

// Scheduler walks the live playlist forever, phase-locked to the fleet's
// daily UTC anchor.
type Scheduler struct {
	cfg    func() config.Config
	store  *playlist.Store
	reg    *status.Registry
	player Player

	// now is swappable for tests.
	now func() time.Time

	idx       int
	offsetMS  int64
	lastVer   int64
	lastGen   int64
	preloaded string

	pendingSoft      bool
	cool             cooldowns
	bootCheckAt      time.Time
	bootChecked      bool
	nextCheckpoint   time.Time
	nextDailyZero    time.Time
	dailyZeroApplied bool
}

// New builds a scheduler over the given collaborators. cfg is called per
// iteration so config-UI changes apply without restart.
func New(cfg func() config.Config, store *playlist.Store, reg *status.Registry, p Player) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		reg:     reg,
		player:  p,
		now:     time.Now,
		cool:    newCooldowns(),
		lastVer: -1,
	}
}

// Run drives playback until ctx is cancelled. It never returns early: every
// failure downgrades to a status report plus a short sleep.
func (s *Scheduler) Run(ctx context.Context) {
	cfg := s.cfg()
	now := s.now()
	s.bootCheckAt = now.Add(time.Duration(cfg.SyncBootHardCheckSec) * time.Second)
	s.nextCheckpoint = NextHourCheckpointUTC(now, cfg.SyncCheckpointInterval)
	s.nextDailyZero = NextDailyAnchorUTC(now)

	if cfg.SyncEnabled && InPrepWindowUTC(now) {
		s.runPrep(ctx, cfg)
	}

	for ctx.Err() == nil {
		s.step(ctx)
	}
}

// runPrep handles a boot that lands inside the PREP window: nudge the clock,
// then either hold for the anchor or start playing with a pending daily-zero.
func (s *Scheduler) runPrep(ctx context.Context, cfg config.Config) {
	runNTPNudge(cfg.SyncNTPCommand)
	switch cfg.SyncPrepMode {
	case "wait", "wait_until_anchor", "hold_until_anchor":
		anchor := NextDailyAnchorUTC(s.now())
		log.Printf("playback: inside PREP window, holding for anchor %s", anchor.Format(time.RFC3339))
		s.reg.Update(func(st *status.Snapshot) {
			st.PlaybackState = status.StateWaitingAnchor
			st.PlaybackReason = ""
		})
		for ctx.Err() == nil && s.now().Before(anchor) {
			sleepCtx(ctx, pollGranularity)
		}
		if ctx.Err() != nil {
			return
		}
		s.applyDailyZero()
	default: // play_then_resync
		log.Printf("playback: inside PREP window, playing until anchor %s", s.nextDailyZero.Format(time.RFC3339))
	}
}

// applyDailyZero forces position (0, 0) exactly at the anchor crossing.
func (s *Scheduler) applyDailyZero() {
	s.idx = 0
	s.offsetMS = 0
	s.preloaded = ""
	s.pendingSoft = false
	s.dailyZeroApplied = true
	s.nextDailyZero = NextDailyAnchorUTC(s.now().Add(time.Minute))
	s.reg.Update(func(st *status.Snapshot) { st.DailyZeroApplied = true })
}

// step runs one outer scheduler iteration: observe playlist/generation
// changes, pick the current item, load it, wait out its duration.
func (s *Scheduler) step(ctx context.Context) {
	cfg := s.cfg()
	items, version := s.store.Get()

	resync := false
	if version != s.lastVer {
		s.lastVer = version
		s.preloaded = ""
		s.pendingSoft = false
		s.idx, s.offsetMS = 0, 0
		resync = cfg.SyncEnabled
		s.reg.Update(func(st *status.Snapshot) {
			st.PlaylistVersion = version
			st.PlaylistSize = len(items)
		})
	}
	if g := s.player.Generation(); g != s.lastGen {
		s.lastGen = g
		s.preloaded = ""
		s.reg.Update(func(st *status.Snapshot) { st.PlayerGeneration = g })
	}

	if len(items) == 0 {
		s.report(status.StateWaitingForMedia, "playlist_empty")
		sleepCtx(ctx, time.Second)
		return
	}

	durations := EffectiveDurations(items, cfg.DefaultDurationMS)
	starts, total := cycleStarts(durations)
	if total <= 0 {
		s.report(status.StateWaitingForMedia, "invalid_timeline")
		sleepCtx(ctx, time.Second)
		return
	}
	if resync {
		if pos, ok := ComputeCyclePosition(s.now(), durations); ok {
			s.idx, s.offsetMS = pos.Index, pos.OffsetMS
		}
	}
	if s.idx >= len(items) {
		s.idx, s.offsetMS = 0, 0
	}

	// Skip paths still cooling down from load failures.
	sel := -1
	for i := 0; i < len(items); i++ {
		cand := (s.idx + i) % len(items)
		if s.cool.blocked(items[cand].Path, s.now()) {
			continue
		}
		sel = cand
		break
	}
	if sel < 0 {
		s.report(status.StateWaitingForMedia, "all_media_temporarily_blocked")
		sleepCtx(ctx, time.Second)
		return
	}
	if sel != s.idx {
		s.idx, s.offsetMS = sel, 0
	}

	item := items[s.idx]
	var next *media.Item
	nextIdx := (s.idx + 1) % len(items)
	if cfg.PreloadNext && len(items) > 1 {
		next = &items[nextIdx]
	}

	s.player.EnsureRunning()
	if s.preloaded != item.Path {
		if !s.loadWithRecovery(cfg, item.Path) {
			s.advance(len(items))
			return
		}
	}
	s.preloaded = ""
	s.cool.clear(item.Path)
	if s.offsetMS > 0 && !media.IsImage(item.Path) {
		s.player.SeekAbsolute(float64(s.offsetMS) / 1000.0)
	}
	if next != nil {
		s.player.AppendFile(next.Path)
	}

	s.reportPlaying(items, next)
	log.Printf("playback: playing %s (%d ms, index %d)", item.URL, durations[s.idx], s.idx)

	remaining := time.Duration(durations[s.idx]-s.offsetMS) * time.Millisecond
	if remaining < 0 {
		remaining = 0
	}
	outcome := s.waitItem(ctx, cfg, remaining, durations, starts, total)

	switch outcome {
	case waitStopped, waitVersionChanged, waitHardJump:
		return
	case waitCompleted:
		if s.pendingSoft && cfg.SyncEnabled {
			s.pendingSoft = false
			if pos, ok := ComputeCyclePosition(s.now(), durations); ok {
				s.idx, s.offsetMS = pos.Index, pos.OffsetMS
				s.preloaded = ""
				s.reg.CountSoftResync()
				log.Printf("playback: soft resync to index %d offset %d ms", s.idx, s.offsetMS)
				return
			}
		}
		if next != nil && s.player.PlaylistNext() {
			s.player.PlaylistRemove(0)
			s.preloaded = next.Path
			s.idx, s.offsetMS = nextIdx, 0
			return
		}
		s.advance(len(items))
	}
}

// loadWithRecovery loads path, restarting the player once before giving the
// path a cooldown.
func (s *Scheduler) loadWithRecovery(cfg config.Config, path string) bool {
	if s.player.LoadFile(path) {
		return true
	}
	log.Printf("playback: load failed for %s, restarting player", path)
	s.report(status.StateRecovering, "media_load_failed")
	s.player.Restart()
	if s.player.LoadFile(path) {
		return true
	}
	cd := time.Duration(cfg.MediaLoadRetryCooldownSec) * time.Second
	s.cool.block(path, s.now(), cd)
	log.Printf("playback: load failed twice for %s, cooling down", path)
	return false
}

func (s *Scheduler) advance(n int) {
	if n <= 0 {
		return
	}
	s.idx = (s.idx + 1) % n
	s.offsetMS = 0
}

// waitItem sleeps out the item's remaining duration in 200 ms increments,
// watching the stop flag, playlist version, and sync triggers.
func (s *Scheduler) waitItem(ctx context.Context, cfg config.Config, remaining time.Duration, durations, starts []int64, total int64) waitOutcome {
	itemStart := s.now()
	end := itemStart.Add(remaining)
	for {
		if ctx.Err() != nil {
			return waitStopped
		}
		now := s.now()
		if !now.Before(end) {
			return waitCompleted
		}
		if s.store.Version() != s.lastVer {
			return waitVersionChanged
		}
		if cfg.SyncEnabled {
			if out, fired := s.checkSyncTriggers(cfg, now, itemStart, durations, starts, total); fired {
				return out
			}
		}
		d := time.Until(end)
		if d > pollGranularity {
			d = pollGranularity
		}
		sleepCtx(ctx, d)
	}
}

// checkSyncTriggers fires due checkpoints. Returns (outcome, true) when the
// wait must break (hard jump); soft drift is queued and the wait continues.
func (s *Scheduler) checkSyncTriggers(cfg config.Config, now, itemStart time.Time, durations, starts []int64, total int64) (waitOutcome, bool) {
	if !now.Before(s.nextDailyZero) {
		log.Printf("playback: daily zero crossing at %s", now.UTC().Format(time.RFC3339))
		s.applyDailyZero()
		s.reg.CountHardResync()
		s.reg.Update(func(st *status.Snapshot) {
			st.LastSyncCheck = now.UTC().Format(time.RFC3339)
			st.LastSyncAction = DriftHardResync
		})
		return waitHardJump, true
	}

	trigger := false
	if !s.bootChecked && !now.Before(s.bootCheckAt) {
		s.bootChecked = true
		trigger = true
	}
	if !now.Before(s.nextCheckpoint) {
		s.nextCheckpoint = NextHourCheckpointUTC(now, cfg.SyncCheckpointInterval)
		trigger = true
	}
	if !trigger {
		return waitCompleted, false
	}

	elapsedItem := now.Sub(itemStart).Milliseconds()
	actual := (starts[s.idx] + s.offsetMS + elapsedItem) % total
	pos, ok := ComputeCyclePosition(now, durations)
	if !ok {
		return waitCompleted, false
	}
	delta := SignedCycleDeltaMS(pos.CyclePosMS, actual, total)
	action := ClassifyDriftAction(delta, cfg.SyncDriftThresholdMS, cfg.SyncHardResyncMS)
	s.reg.Update(func(st *status.Snapshot) {
		st.LastSyncCheck = now.UTC().Format(time.RFC3339)
		st.LastDriftMS = delta
		st.LastSyncAction = action
	})
	switch action {
	case DriftHardResync:
		s.idx, s.offsetMS = pos.Index, pos.OffsetMS
		s.preloaded = ""
		s.pendingSoft = false
		s.reg.CountHardResync()
		log.Printf("playback: hard resync, drift %d ms, jumping to index %d offset %d ms", delta, s.idx, s.offsetMS)
		return waitHardJump, true
	case DriftSoftResync:
		s.pendingSoft = true
		log.Printf("playback: soft resync queued, drift %d ms", delta)
	}
	return waitCompleted, false
}

func (s *Scheduler) report(state, reason string) {
	s.reg.Update(func(st *status.Snapshot) {
		st.PlaybackState = state
		st.PlaybackReason = reason
	})
}

func (s *Scheduler) reportPlaying(items []media.Item, next *media.Item) {
	item := items[s.idx]
	cur := &status.ItemRef{
		URL:          item.URL,
		Path:         item.Path,
		DurationMS:   item.DurationMS,
		CampaignID:   item.CampaignID,
		CampaignName: item.CampaignName,
		StartedAt:    s.now().UTC().Format(time.RFC3339),
	}
	var nx *status.ItemRef
	if next != nil {
		nx = &status.ItemRef{
			URL:          next.URL,
			Path:         next.Path,
			DurationMS:   next.DurationMS,
			CampaignID:   next.CampaignID,
			CampaignName: next.CampaignName,
		}
	}
	idx := s.idx
	size := len(items)
	s.reg.Update(func(st *status.Snapshot) {
		st.PlaybackState = status.StatePlaying
		st.PlaybackReason = ""
		st.CurrentIndex = idx
		st.PlaylistSize = size
		st.CurrentItem = cur
		st.NextItem = nx
	})
}

// runNTPNudge best-effort executes the configured clock-sync command inside
// the PREP window. Failures are logged and otherwise ignored.
func runNTPNudge(cmdline string) {
	if cmdline == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/c", cmdline)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", cmdline)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Printf("playback: ntp nudge failed: %v (%s)", err, out)
	} else {
		log.Printf("playback: ntp nudge ran")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
