// Package playlist holds the live campaign playlist and its persisted
// snapshot. The playlist is replaced wholesale on update; items are never
// mutated in place.
package playlist

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/doohkit/kioskd/internal/media"
)

// Store guards the current item sequence. Version increases by one on every
// accepted replacement and never goes backwards.
type Store struct {
	mu          sync.Mutex
	items       []media.Item
	version     int64
	fingerprint string
	signature   string
}

// NewStore returns an empty store at version 0.
func NewStore() *Store { return &Store{} }

// Get returns a defensive copy of the items plus the current version.
func (s *Store) Get() ([]media.Item, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]media.Item, len(s.items))
	copy(out, s.items)
	return out, s.version
}

// Update replaces the sequence iff either the API fingerprint or the
// recomputed path signature differs from what is stored. Returns whether the
// replacement happened; an unchanged playlist is a no-op and does not bump
// the version.
func (s *Store) Update(items []media.Item, fingerprint string) bool {
	sig := Signature(items)
	s.mu.Lock()
	defer s.mu.Unlock()
	if fingerprint == s.fingerprint && sig == s.signature {
		return false
	}
	s.items = make([]media.Item, len(items))
	copy(s.items, items)
	s.version++
	s.fingerprint = fingerprint
	s.signature = sig
	return true
}

// Version returns the current version without copying the items.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Fingerprint returns the fingerprint of the last accepted replacement.
func (s *Store) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

// Signature hashes the ordered {path, duration_ms} projection of a resolved
// playlist. Two playlists with the same remote fingerprint but different
// local file resolution hash differently.
func Signature(items []media.Item) string {
	type entry struct {
		DurationMS int64  `json:"duration_ms"`
		Path       string `json:"path"`
	}
	entries := make([]entry, len(items))
	for i, it := range items {
		entries[i] = entry{DurationMS: it.DurationMS, Path: it.Path}
	}
	data, _ := json.Marshal(entries)
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
