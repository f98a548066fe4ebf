package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/doohkit/kioskd/internal/config"
	"github.com/doohkit/kioskd/internal/media"
	"github.com/doohkit/kioskd/internal/playlist"
	"github.com/doohkit/kioskd/internal/status"
)

func apiResponse(urls ...string) map[string]any {
	campaigns := []any{}
	for i, u := range urls {
		campaigns = append(campaigns, map[string]any{
			"id": i + 1, "name": "camp", "status": "active",
			"exposure_time_ms": 5000,
			"media_urls":       []string{u},
		})
	}
	return map[string]any{"units": []any{map[string]any{"campaigns": campaigns}}}
}

func fixture(t *testing.T, apiURL string, mut func(*config.Config)) (*Poller, config.Config, *playlist.Store, *status.Registry) {
	t.Helper()
	cfg := config.Defaults()
	cfg.APIURL = apiURL
	cfg.APIKey = "k"
	cfg.EnvironmentID = "e"
	cfg.CacheDir = t.TempDir()
	cfg.StateDir = t.TempDir()
	if mut != nil {
		mut(&cfg)
	}
	store := playlist.NewStore()
	reg := status.NewRegistry(prometheus.NewRegistry())
	p := New(func() config.Config { return cfg }, store, reg, nil)
	return p, cfg, store, reg
}

func TestPollOnceDownloadsAndSwapsPlaylist(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(apiResponse(srv.URL + "/media/a.mp4"))
	})
	mux.HandleFunc("/media/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	p, cfg, store, reg := fixture(t, srv.URL+"/api", nil)
	if err := p.pollOnce(context.Background(), cfg); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	items, version := store.Get()
	if version != 1 || len(items) != 1 {
		t.Fatalf("store = %d items v%d", len(items), version)
	}
	if _, err := os.Stat(items[0].Path); err != nil {
		t.Errorf("media not materialized: %v", err)
	}
	if _, err := playlist.LoadSnapshot(cfg.StateDir); err != nil {
		t.Errorf("snapshot not persisted: %v", err)
	}
	if ReadLastSuccess(cfg.StateDir).IsZero() {
		t.Error("last_success not recorded")
	}
	if reg.Snapshot().PlaylistSize != 1 {
		t.Errorf("status playlist_size = %d", reg.Snapshot().PlaylistSize)
	}

	// Unchanged fingerprint: second poll must not bump the version.
	if err := p.pollOnce(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if _, v := store.Get(); v != 1 {
		t.Errorf("version = %d after identical poll, want 1", v)
	}
}

func TestEmptyResponseRetainsCurrentPlaylist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"units": []any{}})
	}))
	defer srv.Close()

	p, cfg, store, _ := fixture(t, srv.URL, nil)
	store.Update([]media.Item{{URL: "u", Path: "/cache/keep.mp4", DurationMS: 1000}}, "fp")

	if err := p.pollOnce(context.Background(), cfg); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	items, v := store.Get()
	if v != 1 || len(items) != 1 {
		t.Errorf("playlist should be retained, got %d items v%d", len(items), v)
	}
}

func TestEmptyResponseAdoptsCacheWhenNoPlaylist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"units": []any{}})
	}))
	defer srv.Close()

	p, cfg, store, _ := fixture(t, srv.URL, nil)
	if err := os.WriteFile(filepath.Join(cfg.CacheDir, "cached.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := p.pollOnce(context.Background(), cfg); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	items, v := store.Get()
	if v != 1 || len(items) != 1 {
		t.Fatalf("cache reconstruction: %d items v%d", len(items), v)
	}
	if filepath.Base(items[0].Path) != "cached.mp4" {
		t.Errorf("item = %+v", items[0])
	}
}

func TestEmptyResponseNoCacheIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"units": []any{}})
	}))
	defer srv.Close()

	p, cfg, _, _ := fixture(t, srv.URL, nil)
	if err := p.pollOnce(context.Background(), cfg); err == nil {
		t.Fatal("want error when API is empty and cache has nothing")
	}
}

func TestRequireFullDownloadHoldsSwitch(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(apiResponse(srv.URL+"/media/good.mp4", srv.URL+"/media/bad.mp4"))
	})
	mux.HandleFunc("/media/good.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	})
	mux.HandleFunc("/media/bad.mp4", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	p, cfg, store, _ := fixture(t, srv.URL+"/api", func(c *config.Config) {
		c.RequireFullDownloadBeforeSwap = true
	})
	if err := p.pollOnce(context.Background(), cfg); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if _, v := store.Get(); v != 0 {
		t.Errorf("playlist switched despite incomplete download set (v%d)", v)
	}
}

func TestLastSuccessRoundTrip(t *testing.T) {
	dir := t.TempDir()
	stamp := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	if err := WriteLastSuccess(dir, stamp); err != nil {
		t.Fatal(err)
	}
	if got := ReadLastSuccess(dir); !got.Equal(stamp) {
		t.Errorf("ReadLastSuccess = %v, want %v", got, stamp)
	}
	if !ReadLastSuccess(t.TempDir()).IsZero() {
		t.Error("missing file should read as zero time")
	}
}
