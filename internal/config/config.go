// Package config loads kioskd settings from a JSON config file merged over
// defaults, with a few environment overrides for fleet provisioning.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds every setting the agent consumes. Field names mirror the
// config.json keys the fleet provisioning tooling writes.
type Config struct {
	// Remote API
	APIURL             string `json:"api_url"`
	APIKey             string `json:"api_key"`
	EnvironmentID      string `json:"environment_id"`
	OnlyStandby        bool   `json:"only_standby"`
	SearchIn           string `json:"search_in"`
	IncludeDescendants bool   `json:"include_descendants"`
	Limit              int    `json:"limit"`
	PollIntervalSec    int    `json:"poll_interval_sec"`
	RequestTimeoutSec  int    `json:"request_timeout_sec"`
	DefaultDurationMS  int64  `json:"default_duration_ms"`

	// Paths
	CacheDir   string `json:"cache_dir"`
	StateDir   string `json:"state_dir"`
	LogFile    string `json:"log_file"`
	StatusFile string `json:"status_file"`

	// Cache retention
	CacheMaxFiles      int   `json:"cache_max_files"`
	CacheMaxBytes      int64 `json:"cache_max_bytes"`
	TmpMaxAgeSec       int   `json:"tmp_max_age_sec"`
	CleanupIntervalSec int   `json:"cleanup_interval_sec"`

	// Player
	PlayerPath      string `json:"player_path"`
	IPCPath         string `json:"ipc_path"`
	RotationDeg     int    `json:"rotation_deg"`
	HotkeysEnabled  bool   `json:"hotkeys_enabled"`
	HotkeyOpenKey   string `json:"hotkey_open_key"`
	LowResourceMode bool   `json:"low_resource_mode"`
	Mute            bool   `json:"mute"`
	LockInput       bool   `json:"lock_input"`
	HWDec           string `json:"hwdec"`

	// Playback policy
	PreloadNext                   bool `json:"preload_next"`
	RequireFullDownloadBeforeSwap bool `json:"require_full_download_before_switch"`
	AllowEmptyPlaylistFromAPI     bool `json:"allow_empty_playlist_from_api"`
	MediaLoadRetryCooldownSec     int  `json:"media_load_retry_cooldown_sec"`

	// Offline fallback
	OfflineFallback              bool `json:"offline_fallback"`
	OfflineMaxAgeHours           int  `json:"offline_max_age_hours"`
	OfflineIgnoreMaxAgeWhenNoNet bool `json:"offline_ignore_max_age_when_no_network"`
	DisableCleanupWhenOffline    bool `json:"disable_cleanup_when_offline"`

	// Fleet cycle sync
	SyncEnabled            bool   `json:"sync_enabled"`
	SyncDriftThresholdMS   int64  `json:"sync_drift_threshold_ms"`
	SyncHardResyncMS       int64  `json:"sync_hard_resync_ms"`
	SyncCheckpointInterval int    `json:"sync_checkpoint_interval_sec"`
	SyncBootHardCheckSec   int    `json:"sync_boot_hard_check_sec"`
	SyncPrepMode           string `json:"sync_prep_mode"`
	SyncNTPCommand         string `json:"sync_ntp_command"`

	// Watchdog
	WatchdogIntervalSec int `json:"watchdog_interval_sec"`
	PlaybackStallSec    int `json:"playback_stall_sec"`
	PlaybackMismatchSec int `json:"playback_mismatch_sec"`

	// Config UI
	ConfigUIEnabled bool   `json:"config_ui_enabled"`
	ConfigUIBind    string `json:"config_ui_bind"`
	ConfigUIPort    int    `json:"config_ui_port"`

	// Telemetry
	TelemetryEnabled     bool   `json:"telemetry_enabled"`
	TelemetryURL         string `json:"telemetry_url"`
	TelemetryToken       string `json:"telemetry_token"`
	TelemetryIntervalSec int    `json:"telemetry_interval_sec"`
	TelemetryTimeoutSec  int    `json:"telemetry_timeout_sec"`
	StationID            string `json:"station_id"`

	// Logging
	LogMaxBytes    int64 `json:"log_max_bytes"`
	LogBackupCount int   `json:"log_backup_count"`

	// Status file
	StatusIntervalSec int `json:"status_interval_sec"`
}

// DefaultIPCPath returns the platform default player IPC endpoint: a named
// pipe on Windows, a socket under the temp dir elsewhere.
func DefaultIPCPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\kioskd-player`
	}
	return filepath.Join(os.TempDir(), "kioskd-player.sock")
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		OnlyStandby:        true,
		SearchIn:           "campaign",
		IncludeDescendants: true,
		Limit:              20,
		PollIntervalSec:    1800,
		RequestTimeoutSec:  15,
		DefaultDurationMS:  10000,
		CacheDir:           "./media_cache",
		StateDir:           "./state",
		TmpMaxAgeSec:       3600,
		CleanupIntervalSec: 1800,

		PlayerPath:     "mpv",
		IPCPath:        DefaultIPCPath(),
		HotkeysEnabled: true,
		HotkeyOpenKey:  "Ctrl+s",
		LockInput:      true,
		HWDec:          "auto",

		PreloadNext:               true,
		MediaLoadRetryCooldownSec: 30,

		OfflineFallback:              true,
		OfflineIgnoreMaxAgeWhenNoNet: true,

		SyncEnabled:            true,
		SyncDriftThresholdMS:   300,
		SyncHardResyncMS:       1200,
		SyncCheckpointInterval: 3600,
		SyncBootHardCheckSec:   300,
		SyncPrepMode:           "play_then_resync",

		WatchdogIntervalSec: 10,
		PlaybackStallSec:    25,
		PlaybackMismatchSec: 20,

		ConfigUIEnabled: true,
		ConfigUIBind:    "127.0.0.1",
		ConfigUIPort:    8765,

		TelemetryEnabled:     true,
		TelemetryIntervalSec: 300,
		TelemetryTimeoutSec:  10,

		LogMaxBytes:    5_000_000,
		LogBackupCount: 3,

		StatusIntervalSec: 5,
	}
}

// Load reads path, merges it over Defaults, applies env overrides, and
// resolves relative paths against the config file's directory so the agent
// behaves the same regardless of its working directory.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	if cfg.IPCPath == "" {
		cfg.IPCPath = DefaultIPCPath()
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Config{}, fmt.Errorf("config: resolve dir: %w", err)
	}
	for _, p := range []*string{&cfg.CacheDir, &cfg.StateDir, &cfg.LogFile, &cfg.StatusFile} {
		*p = resolvePath(base, *p)
	}
	// The IPC endpoint is a filesystem path too, except for named pipes.
	if !strings.HasPrefix(cfg.IPCPath, `\\.\pipe\`) {
		cfg.IPCPath = resolvePath(base, cfg.IPCPath)
	}
	return cfg, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func applyEnvOverrides(cfg *Config) {
	cfg.APIURL = getEnv("KIOSKD_API_URL", cfg.APIURL)
	cfg.APIKey = getEnv("KIOSKD_API_KEY", cfg.APIKey)
	cfg.EnvironmentID = getEnv("KIOSKD_ENVIRONMENT_ID", cfg.EnvironmentID)
	cfg.StationID = getEnv("KIOSKD_STATION_ID", cfg.StationID)
	cfg.PlayerPath = getEnv("KIOSKD_PLAYER_PATH", cfg.PlayerPath)
	cfg.PollIntervalSec = getEnvInt("KIOSKD_POLL_INTERVAL_SEC", cfg.PollIntervalSec)
	cfg.SyncEnabled = getEnvBool("KIOSKD_SYNC_ENABLED", cfg.SyncEnabled)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

// RequestTimeout returns the remote API timeout as a duration.
func (c Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// Store guards the live config. Workers take snapshot copies and never hold
// the lock across I/O.
type Store struct {
	mu   sync.Mutex
	path string
	cfg  Config
}

// NewStore wraps cfg loaded from path.
func NewStore(path string, cfg Config) *Store {
	return &Store{path: path, cfg: cfg}
}

// Snapshot returns a copy of the current config.
func (s *Store) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Update applies fn under the lock and persists the result atomically.
// The write happens outside the lock so a slow disk cannot stall readers.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	fn(&s.cfg)
	cfg := s.cfg
	path := s.path
	s.mu.Unlock()
	return writeConfig(path, cfg)
}

func writeConfig(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}
