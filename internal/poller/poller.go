// Package poller refreshes the playlist from the remote API on a timer with
// exponential backoff, and persists the state the offline loader needs.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/doohkit/kioskd/internal/cacheindex"
	"github.com/doohkit/kioskd/internal/config"
	"github.com/doohkit/kioskd/internal/fetch"
	"github.com/doohkit/kioskd/internal/httpclient"
	"github.com/doohkit/kioskd/internal/media"
	"github.com/doohkit/kioskd/internal/offline"
	"github.com/doohkit/kioskd/internal/playlist"
	"github.com/doohkit/kioskd/internal/status"
)

const (
	backoffInitial = 2 * time.Second
	backoffCap     = 300 * time.Second
)

const lastSuccessName = "last_success.json"

// Events receives poll outcomes; the telemetry worker implements it. A nil
// Events is ignored.
type Events interface {
	PlaylistUpdated(size int)
	FetchFailed(err error)
}

// Poller is the periodic remote refresh worker.
type Poller struct {
	cfg   func() config.Config
	store *playlist.Store
	reg   *status.Registry
	idx   *cacheindex.Index

	// PollNow wakes the worker before its interval elapses (config UI save).
	PollNow chan struct{}

	Events Events
}

// New builds a poller.
func New(cfg func() config.Config, store *playlist.Store, reg *status.Registry, idx *cacheindex.Index) *Poller {
	return &Poller{
		cfg:     cfg,
		store:   store,
		reg:     reg,
		idx:     idx,
		PollNow: make(chan struct{}, 1),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	backoff := backoffInitial
	failures := 0
	for ctx.Err() == nil {
		cfg := p.cfg()
		err := p.pollOnce(ctx, cfg)
		if err != nil {
			failures++
			log.Printf("poller: refresh failed: %v", err)
			p.reg.Update(func(st *status.Snapshot) {
				st.LastPollError = fmt.Sprintf("%s %v", time.Now().UTC().Format(time.RFC3339), err)
				st.ConsecutiveFailures = failures
			})
			if p.Events != nil {
				p.Events.FetchFailed(err)
			}
			sleepCtx(ctx, backoff)
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}
		failures = 0
		backoff = backoffInitial
		p.waitInterval(ctx, cfg)
	}
}

// pollOnce fetches, downloads, and (maybe) swaps the playlist.
func (p *Poller) pollOnce(ctx context.Context, cfg config.Config) error {
	client := httpclient.WithTimeout(cfg.RequestTimeout())
	raw, err := fetch.MediaList(ctx, client, cfg)
	if err != nil {
		return err
	}

	if len(raw) == 0 && !cfg.AllowEmptyPlaylistFromAPI {
		if items, _ := p.store.Get(); len(items) > 0 {
			log.Printf("poller: API returned no campaigns; keeping current playlist")
			p.markSuccess(cfg, len(items))
			return nil
		}
		// Nothing live yet: cache reconstruction beats a black screen.
		items := offline.ItemsFromCache(cfg, p.idx)
		if len(items) == 0 {
			return fmt.Errorf("API returned no campaigns and cache is empty")
		}
		fp := "offline:" + playlist.Signature(items)
		if p.store.Update(items, fp) {
			log.Printf("poller: adopted %d cache-derived items for empty API response", len(items))
			p.persistPlaylist(cfg, items, fp)
		}
		p.markSuccess(cfg, len(items))
		return nil
	}

	fingerprint := fetch.FingerprintItems(raw)
	d := fetch.NewDownloader(httpclient.ForDownloads(), p.idx)
	items := d.Download(ctx, cfg.CacheDir, raw)

	if cfg.RequireFullDownloadBeforeSwap && len(items) < len(raw) {
		log.Printf("poller: %d of %d items resolved; holding playlist switch", len(items), len(raw))
		p.markSuccess(cfg, -1)
		return nil
	}

	if p.store.Update(items, fingerprint) {
		log.Printf("poller: playlist updated, %d items", len(items))
		p.persistPlaylist(cfg, items, fingerprint)
		if p.Events != nil {
			p.Events.PlaylistUpdated(len(items))
		}
	}
	p.markSuccess(cfg, len(items))
	return nil
}

func (p *Poller) persistPlaylist(cfg config.Config, items []media.Item, fingerprint string) {
	if err := playlist.SaveSnapshot(cfg.StateDir, items, fingerprint); err != nil {
		log.Printf("poller: snapshot save failed: %v", err)
	}
}

// markSuccess records the successful poll in status and in the state dir.
// size < 0 keeps the current playlist size figure.
func (p *Poller) markSuccess(cfg config.Config, size int) {
	now := time.Now().UTC().Format(time.RFC3339)
	p.reg.Update(func(st *status.Snapshot) {
		st.LastPollSuccess = now
		st.LastPollError = ""
		st.ConsecutiveFailures = 0
		if size >= 0 {
			st.PlaylistSize = size
		}
	})
	if err := WriteLastSuccess(cfg.StateDir, time.Now()); err != nil {
		log.Printf("poller: last_success write failed: %v", err)
	}
}

func (p *Poller) waitInterval(ctx context.Context, cfg config.Config) {
	interval := time.Duration(cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	deadline := time.Now().Add(interval)
	for ctx.Err() == nil && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-p.PollNow:
			return
		case <-time.After(pollStep(deadline)):
		}
	}
}

func pollStep(deadline time.Time) time.Duration {
	d := time.Until(deadline)
	if d > 200*time.Millisecond {
		return 200 * time.Millisecond
	}
	if d < 0 {
		return 0
	}
	return d
}

// TriggerPoll requests an immediate refresh without blocking.
func (p *Poller) TriggerPoll() {
	select {
	case p.PollNow <- struct{}{}:
	default:
	}
}

type lastSuccessDoc struct {
	LastSuccess string `json:"last_success"`
}

// WriteLastSuccess atomically records when the API last answered.
func WriteLastSuccess(stateDir string, t time.Time) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(lastSuccessDoc{LastSuccess: t.UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	path := filepath.Join(stateDir, lastSuccessName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// ReadLastSuccess returns the recorded time, zero when absent or invalid.
func ReadLastSuccess(stateDir string) time.Time {
	data, err := os.ReadFile(filepath.Join(stateDir, lastSuccessName))
	if err != nil {
		return time.Time{}
	}
	var doc lastSuccessDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, doc.LastSuccess)
	if err != nil {
		return time.Time{}
	}
	return t
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
