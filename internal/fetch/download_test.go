package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/doohkit/kioskd/internal/cacheindex"
)

func TestCachePathUsesURLExtension(t *testing.T) {
	p := CachePath("/cache", "http://cdn/media/spot.mp4?sig=abc")
	if filepath.Ext(p) != ".mp4" {
		t.Errorf("ext = %q, want .mp4", filepath.Ext(p))
	}
	if CachePath("/cache", "http://cdn/media/spot.mp4?sig=abc") != p {
		t.Error("cache path must be stable for the same URL")
	}
	if filepath.Ext(CachePath("/cache", "http://cdn/stream")) != ".bin" {
		t.Error("extensionless URLs should map to .bin")
	}
}

func TestDownloadWritesAtomicallyAndReuses(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	idx := cacheindex.Load(dir)
	d := NewDownloader(srv.Client(), idx)
	raw := []RawItem{{URL: srv.URL + "/a.mp4", DurationMS: 5000, CampaignName: "C"}}

	items := d.Download(context.Background(), dir, raw)
	if len(items) != 1 {
		t.Fatalf("got %d items", len(items))
	}
	data, err := os.ReadFile(items[0].Path)
	if err != nil || string(data) != "video-bytes" {
		t.Fatalf("cached file = %q, %v", data, err)
	}
	if e, ok := idx.Get(items[0].Path); !ok || e.Size != int64(len("video-bytes")) {
		t.Errorf("index entry = %+v, %v", e, ok)
	}

	// Second run must reuse the cache without a network hit.
	d.Download(context.Background(), dir, raw)
	if hits != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}

	// No temp litter in the cache dir.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestDownloadShortReadSkipsItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(100))
		w.(http.Flusher).Flush()
		// Write fewer bytes than advertised, then drop the connection.
		w.Write([]byte("short"))
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewDownloader(srv.Client(), nil)
	items := d.Download(context.Background(), dir, []RawItem{{URL: srv.URL + "/a.mp4", DurationMS: 5000}})
	if len(items) != 0 {
		t.Fatalf("short download produced %d items, want 0", len(items))
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("cache dir not clean after failed download: %v", entries)
	}
}

func TestDownloadReusesExistingCachedCopyWithoutFetch(t *testing.T) {
	dir := t.TempDir()
	url := "http://127.0.0.1:1/unreachable/a.mp4"
	dest := CachePath(dir, url)
	if err := os.WriteFile(dest, []byte("stale-but-playable"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := NewDownloader(&http.Client{}, nil)
	// Destination exists, so no fetch is attempted at all; the cached copy
	// is picked up as-is.
	items := d.Download(context.Background(), dir, []RawItem{{URL: url, DurationMS: 3000}})
	if len(items) != 1 || items[0].Path != dest {
		t.Fatalf("items = %+v", items)
	}
}
