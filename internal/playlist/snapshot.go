package playlist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/doohkit/kioskd/internal/media"
)

const snapshotName = "playlist_last.json"

// Snapshot is the persisted playlist document. It is either a complete valid
// document on disk or absent; writes go through temp+rename.
type Snapshot struct {
	Version     int          `json:"version"`
	SavedAt     string       `json:"saved_at"`
	Fingerprint string       `json:"fingerprint"`
	Playlist    []media.Item `json:"playlist"`
}

// SnapshotPath returns the snapshot location under stateDir.
func SnapshotPath(stateDir string) string {
	return filepath.Join(stateDir, snapshotName)
}

// SaveSnapshot atomically writes the current playlist to stateDir so the
// offline loader can rebuild it after a reboot without network.
func SaveSnapshot(stateDir string, items []media.Item, fingerprint string) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("playlist: state dir: %w", err)
	}
	doc := Snapshot{
		Version:     1,
		SavedAt:     time.Now().UTC().Format(time.RFC3339),
		Fingerprint: fingerprint,
		Playlist:    items,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	path := SnapshotPath(stateDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("playlist: write snapshot temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("playlist: rename snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the persisted playlist. Returns os.ErrNotExist (wrapped)
// when no snapshot has ever been saved.
func LoadSnapshot(stateDir string) (Snapshot, error) {
	data, err := os.ReadFile(SnapshotPath(stateDir))
	if err != nil {
		return Snapshot{}, err
	}
	var doc Snapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("playlist: parse snapshot: %w", err)
	}
	return doc, nil
}

// SavedAtTime parses the snapshot timestamp; zero time when absent or bad.
func (s Snapshot) SavedAtTime() time.Time {
	t, err := time.Parse(time.RFC3339, s.SavedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}
