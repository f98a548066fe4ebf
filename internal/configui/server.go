// Package configui serves the local operator page: environment/rotation
// settings, the live status document, and prometheus metrics.
package configui

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/doohkit/kioskd/internal/config"
	"github.com/doohkit/kioskd/internal/status"
)

// Player is the slice of the controller the UI needs for live rotation.
type Player interface {
	SetProperty(name string, value any) bool
}

// Server is the embedded config UI.
type Server struct {
	store   *config.Store
	reg     *status.Registry
	player  Player
	pollNow func()
}

// New builds the server. pollNow is invoked after a save so the new
// environment takes effect immediately.
func New(store *config.Store, reg *status.Registry, player Player, pollNow func()) *Server {
	return &Server{store: store, reg: reg, player: player, pollNow: pollNow}
}

var pageTmpl = template.Must(template.New("page").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>kioskd</title>
<style>
body{font-family:Arial,Helvetica,sans-serif;margin:24px;background:#111;color:#eee}
label{display:block;margin:12px 0 6px}
input,select,button{font-size:16px;padding:8px;border-radius:6px;border:1px solid #444;background:#1b1b1b;color:#eee}
button{cursor:pointer;background:#2b7a78;border-color:#2b7a78}
.small{font-size:12px;color:#aaa}
</style></head><body>
<h2>Kiosk configuration</h2>
<form method="POST" action="/save">
<label>Environment ID</label>
<input name="environment_id" value="{{.EnvironmentID}}" style="width:420px">
<label>Rotation</label>
<select name="rotation_deg">
{{range .Rotations}}<option value="{{.}}" {{if eq . $.RotationDeg}}selected{{end}}>{{.}}&deg;</option>
{{end}}</select>
<div style="margin-top:16px"><button type="submit">Save</button></div>
<p class="small">The player applies rotation live and refreshes the campaign list after saving.</p>
</form>
</body></html>
`))

// Run serves until ctx is cancelled. No-op when the UI is disabled.
func (s *Server) Run(ctx context.Context) {
	cfg := s.store.Snapshot()
	if !cfg.ConfigUIEnabled {
		return
	}
	addr := net.JoinHostPort(cfg.ConfigUIBind, strconv.Itoa(cfg.ConfigUIPort))

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/save", s.handleSave)
	mux.HandleFunc("/status.json", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	log.Printf("configui: listening on http://%s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("configui: %v", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	cfg := s.store.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := pageTmpl.Execute(w, struct {
		EnvironmentID string
		RotationDeg   int
		Rotations     []int
	}{cfg.EnvironmentID, normalizeRotation(cfg.RotationDeg), []int{0, 90, 180, 270}})
	if err != nil {
		log.Printf("configui: render: %v", err)
	}
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	envID := r.PostFormValue("environment_id")
	rotation := normalizeRotation(atoi(r.PostFormValue("rotation_deg")))

	if err := s.store.Update(func(c *config.Config) {
		if envID != "" {
			c.EnvironmentID = envID
		}
		c.RotationDeg = rotation
	}); err != nil {
		log.Printf("configui: save: %v", err)
		http.Error(w, "save failed", http.StatusInternalServerError)
		return
	}
	if s.player != nil {
		s.player.SetProperty("video-rotate", rotation)
	}
	if s.pollNow != nil {
		s.pollNow()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!doctype html><html><head><meta charset="utf-8"><title>Saved</title></head>
<body><p>Configuration saved.</p>
<script>setTimeout(() => window.close(), 800);</script></body></html>`)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.reg.Snapshot())
}

// normalizeRotation accepts only the four quarter turns.
func normalizeRotation(deg int) int {
	switch deg {
	case 0, 90, 180, 270:
		return deg
	default:
		return 0
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
