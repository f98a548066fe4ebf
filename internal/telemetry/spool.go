package telemetry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const spoolName = "telemetry_spool.db"

// maxSpooled caps the spool so a long outage cannot eat the disk; oldest
// rows are dropped first.
const maxSpooled = 1000

// Spool buffers undeliverable heartbeats in a local sqlite database.
type Spool struct {
	db *sql.DB
}

// SpooledEvent is one buffered heartbeat row.
type SpooledEvent struct {
	ID      int64
	Payload []byte
}

// OpenSpool opens (creating if needed) the spool under stateDir.
func OpenSpool(stateDir string) (*Spool, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(stateDir, spoolName))
	if err != nil {
		return nil, fmt.Errorf("telemetry: open spool: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TEXT NOT NULL,
		payload TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: init spool: %w", err)
	}
	return &Spool{db: db}, nil
}

// Close releases the database handle.
func (s *Spool) Close() error { return s.db.Close() }

// Add buffers one payload, evicting the oldest rows past the cap.
func (s *Spool) Add(payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(
		`INSERT INTO events (created_at, payload) VALUES (?, ?)`,
		time.Now().UTC().Format(time.RFC3339), string(data),
	); err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM events WHERE id NOT IN (
		SELECT id FROM events ORDER BY id DESC LIMIT ?)`, maxSpooled)
	return err
}

// Count returns the number of buffered heartbeats.
func (s *Spool) Count() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Peek returns up to limit oldest events without removing them.
func (s *Spool) Peek(limit int) ([]SpooledEvent, error) {
	rows, err := s.db.Query(`SELECT id, payload FROM events ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SpooledEvent
	for rows.Next() {
		var ev SpooledEvent
		var payload string
		if err := rows.Scan(&ev.ID, &payload); err != nil {
			return nil, err
		}
		ev.Payload = []byte(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Delete removes one delivered event.
func (s *Spool) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM events WHERE id = ?`, id)
	return err
}
