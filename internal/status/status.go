// Package status keeps the live agent status snapshot that the status file
// writer, telemetry worker, and config UI read. Key figures are mirrored into
// prometheus metrics served on the config UI listener.
package status

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ItemRef identifies a playlist slot for observers (current / next).
type ItemRef struct {
	URL          string `json:"url"`
	Path         string `json:"path"`
	DurationMS   int64  `json:"duration_ms"`
	CampaignID   string `json:"campaign_id"`
	CampaignName string `json:"campaign_name"`
	StartedAt    string `json:"started_at,omitempty"`
}

// Snapshot is one point-in-time copy of the registry.
type Snapshot struct {
	StartedAt           string   `json:"started_at"`
	LastPollSuccess     string   `json:"last_poll_success,omitempty"`
	LastPollError       string   `json:"last_poll_error,omitempty"`
	PlaylistSize        int      `json:"playlist_size"`
	PlaylistVersion     int64    `json:"playlist_version"`
	CurrentIndex        int      `json:"current_index"`
	CurrentItem         *ItemRef `json:"current_item,omitempty"`
	NextItem            *ItemRef `json:"next_item,omitempty"`
	PlayerRunning       bool     `json:"player_running"`
	PlayerLastOK        string   `json:"player_last_ok,omitempty"`
	PlayerGeneration    int64    `json:"player_generation"`
	PlaybackState       string   `json:"playback_state"`
	PlaybackReason      string   `json:"playback_reason,omitempty"`
	LastCleanup         string   `json:"last_cleanup,omitempty"`
	LastCleanupRemoved  int      `json:"last_cleanup_removed"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	LastTelemetryError  string   `json:"last_telemetry_error,omitempty"`
	LastSyncCheck       string   `json:"last_sync_check,omitempty"`
	LastDriftMS         int64    `json:"last_drift_ms"`
	LastSyncAction      string   `json:"last_sync_action,omitempty"`
	DailyZeroApplied    bool     `json:"daily_zero_applied"`
	UptimeSec           int64    `json:"uptime_sec"`
}

// Playback states reported by the scheduler.
const (
	StateStarting        = "starting"
	StatePlaying         = "playing"
	StateRecovering      = "recovering"
	StateWaitingForMedia = "waiting_for_media"
	StateWaitingAnchor   = "waiting_sync_anchor"
)

// Registry is the thread-safe live status. One per process.
type Registry struct {
	mu    sync.Mutex
	data  Snapshot
	start time.Time

	playlistSize  prometheus.Gauge
	playlistVer   prometheus.Gauge
	playerUp      prometheus.Gauge
	pollFailures  prometheus.Gauge
	driftMS       prometheus.Gauge
	hardResyncs   prometheus.Counter
	softResyncs   prometheus.Counter
	playerSpawns  prometheus.Counter
	cleanupRemovd prometheus.Counter
}

// NewRegistry builds a registry and registers its metrics with reg (use
// prometheus.DefaultRegisterer in the binary, a fresh registry in tests).
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		start: time.Now(),
		data: Snapshot{
			StartedAt:     time.Now().UTC().Format(time.RFC3339),
			PlaybackState: StateStarting,
			CurrentIndex:  -1,
		},
		playlistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kioskd_playlist_size", Help: "Items in the live playlist."}),
		playlistVer: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kioskd_playlist_version", Help: "Monotonic playlist version."}),
		playerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kioskd_player_running", Help: "1 when the media player child is alive."}),
		pollFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kioskd_poll_consecutive_failures", Help: "Consecutive remote poll failures."}),
		driftMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kioskd_sync_drift_ms", Help: "Signed drift at the last sync checkpoint."}),
		hardResyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kioskd_sync_hard_resyncs_total", Help: "Hard resync jumps applied."}),
		softResyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kioskd_sync_soft_resyncs_total", Help: "Soft resyncs applied on item completion."}),
		playerSpawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kioskd_player_spawns_total", Help: "Successful media player spawns."}),
		cleanupRemovd: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kioskd_cleanup_removed_total", Help: "Cache files removed by the cleanup worker."}),
	}
	if reg != nil {
		reg.MustRegister(r.playlistSize, r.playlistVer, r.playerUp, r.pollFailures,
			r.driftMS, r.hardResyncs, r.softResyncs, r.playerSpawns, r.cleanupRemovd)
	}
	return r
}

// Update applies fn to the live snapshot under the lock.
func (r *Registry) Update(fn func(*Snapshot)) {
	r.mu.Lock()
	fn(&r.data)
	r.playlistSize.Set(float64(r.data.PlaylistSize))
	r.playlistVer.Set(float64(r.data.PlaylistVersion))
	if r.data.PlayerRunning {
		r.playerUp.Set(1)
	} else {
		r.playerUp.Set(0)
	}
	r.pollFailures.Set(float64(r.data.ConsecutiveFailures))
	r.driftMS.Set(float64(r.data.LastDriftMS))
	r.mu.Unlock()
}

// Snapshot returns a copy with uptime filled in. Item refs are deep-copied
// so observers can hold a snapshot across scheduler updates.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.data
	if out.CurrentItem != nil {
		cur := *out.CurrentItem
		out.CurrentItem = &cur
	}
	if out.NextItem != nil {
		next := *out.NextItem
		out.NextItem = &next
	}
	out.UptimeSec = int64(time.Since(r.start).Seconds())
	return out
}

// UptimeSec returns whole seconds since the registry was created.
func (r *Registry) UptimeSec() int64 { return int64(time.Since(r.start).Seconds()) }

// CountHardResync increments the hard resync counter.
func (r *Registry) CountHardResync() { r.hardResyncs.Inc() }

// CountSoftResync increments the soft resync counter.
func (r *Registry) CountSoftResync() { r.softResyncs.Inc() }

// CountPlayerSpawn increments the player spawn counter.
func (r *Registry) CountPlayerSpawn() { r.playerSpawns.Inc() }

// CountCleanupRemoved adds n to the cleanup removal counter.
func (r *Registry) CountCleanupRemoved(n int) { r.cleanupRemovd.Add(float64(n)) }
