package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/doohkit/kioskd/internal/config"
)

func testCfg(apiURL string) config.Config {
	cfg := config.Defaults()
	cfg.APIURL = apiURL
	cfg.APIKey = "secret"
	cfg.EnvironmentID = "env-1"
	return cfg
}

func TestMediaListFlattensActiveCampaigns(t *testing.T) {
	var gotKey string
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"units": []any{
				map[string]any{"campaigns": []any{
					map[string]any{
						"id": 7, "name": "Summer", "status": "ativa",
						"exposure_time_ms": 8000,
						"media_urls":       []string{"http://cdn/x/a.mp4", "http://cdn/x/b.jpg"},
					},
					map[string]any{
						"id": "c2", "name": "Paused", "status": "paused",
						"media_urls": []string{"http://cdn/x/c.mp4"},
					},
					map[string]any{
						"id": 9, "name": "NoStatus",
						"primary_media_url": "http://cdn/x/d.png",
					},
				}},
			},
		})
	}))
	defer srv.Close()

	items, err := MediaList(context.Background(), srv.Client(), testCfg(srv.URL))
	if err != nil {
		t.Fatalf("MediaList: %v", err)
	}
	if gotKey != "secret" {
		t.Errorf("x-api-key = %q", gotKey)
	}
	if gotReq["environmentId"] != "env-1" {
		t.Errorf("request envelope = %v", gotReq)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3 (paused filtered)", len(items))
	}
	if items[0].URL != "http://cdn/x/a.mp4" || items[0].DurationMS != 8000 || items[0].CampaignID != "7" {
		t.Errorf("items[0] = %+v", items[0])
	}
	// Missing exposure_time_ms falls back to the configured default, and a
	// campaign with an empty status is treated as active.
	if items[2].URL != "http://cdn/x/d.png" || items[2].DurationMS != 10000 {
		t.Errorf("items[2] = %+v", items[2])
	}
}

func TestMediaListErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()
	if _, err := MediaList(context.Background(), srv.Client(), testCfg(srv.URL)); err == nil {
		t.Fatal("want error on HTTP 403")
	}
}

func TestFingerprintStableAndOrderSensitive(t *testing.T) {
	a := []RawItem{
		{URL: "u1", DurationMS: 1000, CampaignID: "x"},
		{URL: "u2", DurationMS: 2000},
	}
	b := []RawItem{
		{URL: "u1", DurationMS: 1000, CampaignID: "different"},
		{URL: "u2", DurationMS: 2000},
	}
	if FingerprintItems(a) != FingerprintItems(b) {
		t.Error("fingerprint should only cover {url, duration_ms}")
	}
	reordered := []RawItem{a[1], a[0]}
	if FingerprintItems(a) == FingerprintItems(reordered) {
		t.Error("fingerprint should change when item order changes")
	}
}
