package configui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/doohkit/kioskd/internal/config"
	"github.com/doohkit/kioskd/internal/status"
)

type fakePlayer struct {
	props map[string]any
}

func (f *fakePlayer) SetProperty(name string, value any) bool {
	f.props[name] = value
	return true
}

func fixture(t *testing.T) (*Server, *config.Store, *fakePlayer, *bool) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{"api_key":"k","environment_id":"old-env"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	store := config.NewStore(cfgPath, cfg)
	reg := status.NewRegistry(prometheus.NewRegistry())
	fp := &fakePlayer{props: map[string]any{}}
	polled := false
	s := New(store, reg, fp, func() { polled = true })
	return s, store, fp, &polled
}

func TestIndexRendersCurrentConfig(t *testing.T) {
	s, _, _, _ := fixture(t)
	rec := httptest.NewRecorder()
	s.handleIndex(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "old-env") {
		t.Error("page should show the current environment id")
	}
}

func TestSaveUpdatesConfigAppliesRotationAndTriggersPoll(t *testing.T) {
	s, store, fp, polled := fixture(t)
	form := url.Values{"environment_id": {"new-env"}, "rotation_deg": {"180"}}
	req := httptest.NewRequest(http.MethodPost, "/save", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.handleSave(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	cfg := store.Snapshot()
	if cfg.EnvironmentID != "new-env" || cfg.RotationDeg != 180 {
		t.Errorf("config = env %q rotation %d", cfg.EnvironmentID, cfg.RotationDeg)
	}
	if fp.props["video-rotate"] != 180 {
		t.Errorf("video-rotate = %v", fp.props["video-rotate"])
	}
	if !*polled {
		t.Error("save should trigger an immediate poll")
	}
}

func TestSaveRejectsBogusRotation(t *testing.T) {
	s, store, _, _ := fixture(t)
	form := url.Values{"rotation_deg": {"45"}}
	req := httptest.NewRequest(http.MethodPost, "/save", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.handleSave(httptest.NewRecorder(), req)
	if store.Snapshot().RotationDeg != 0 {
		t.Errorf("rotation = %d, want normalized 0", store.Snapshot().RotationDeg)
	}
}

func TestStatusEndpointServesSnapshot(t *testing.T) {
	s, _, _, _ := fixture(t)
	s.reg.Update(func(st *status.Snapshot) { st.PlaylistSize = 5 })
	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status.json", nil))
	var snap status.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("status.json not JSON: %v", err)
	}
	if snap.PlaylistSize != 5 {
		t.Errorf("playlist_size = %d", snap.PlaylistSize)
	}
}
