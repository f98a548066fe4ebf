// Package telemetry uploads heartbeat events to the fleet backend. Events
// that cannot be delivered are spooled locally and drained once the uplink
// returns.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/doohkit/kioskd/internal/config"
	"github.com/doohkit/kioskd/internal/status"
)

const tokenHeader = "x-interact-telemetry-token"

// Payload is the heartbeat document the backend expects.
type Payload struct {
	EnvironmentID       string  `json:"environmentId"`
	Status              string  `json:"status"`
	HeartbeatType       string  `json:"heartbeatType"`
	ClientTimestamp     int64   `json:"clientTimestamp"`
	PlaylistSize        int     `json:"playlistSize"`
	ActiveCampaignName  *string `json:"activeCampaignName"`
	NextCampaignName    *string `json:"nextCampaignName"`
	Rotation            int     `json:"rotation"`
	Metrics             Metrics `json:"metrics"`
	Notes               string  `json:"notes,omitempty"`
	StationID           string  `json:"stationId,omitempty"`
	ErrorCode           string  `json:"errorCode,omitempty"`
	ErrorMessage        string  `json:"errorMessage,omitempty"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
}

// Metrics is the nested metrics block.
type Metrics struct {
	UptimeSeconds  int64 `json:"uptimeSeconds"`
	PreloadSize    int   `json:"preloadSize"`
	PendingEntries int   `json:"pendingEntries"`
}

// Event describes one heartbeat to send.
type Event struct {
	Type         string
	Status       string
	ErrorCode    string
	ErrorMessage string
	Notes        string
}

// BuildPayload assembles the heartbeat document from config and status.
func BuildPayload(cfg config.Config, snap status.Snapshot, ev Event, pending int) Payload {
	preload := 0
	if snap.NextItem != nil && snap.NextItem.Path != "" {
		preload = 1
	}
	p := Payload{
		EnvironmentID:       cfg.EnvironmentID,
		Status:              ev.Status,
		HeartbeatType:       ev.Type,
		ClientTimestamp:     time.Now().UnixMilli(),
		PlaylistSize:        snap.PlaylistSize,
		Rotation:            cfg.RotationDeg,
		Notes:               ev.Notes,
		StationID:           cfg.StationID,
		ErrorCode:           ev.ErrorCode,
		ErrorMessage:        ev.ErrorMessage,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		Metrics: Metrics{
			UptimeSeconds:  snap.UptimeSec,
			PreloadSize:    preload,
			PendingEntries: pending,
		},
	}
	if snap.CurrentItem != nil && snap.CurrentItem.CampaignName != "" {
		name := snap.CurrentItem.CampaignName
		p.ActiveCampaignName = &name
	}
	if snap.NextItem != nil && snap.NextItem.CampaignName != "" {
		name := snap.NextItem.CampaignName
		p.NextCampaignName = &name
	}
	return p
}

// Worker periodically uploads healthcheck heartbeats and forwards poller
// events. It satisfies poller.Events.
type Worker struct {
	cfg    func() config.Config
	reg    *status.Registry
	client *http.Client
	spool  *Spool
}

// NewWorker builds the telemetry worker. spool may be nil (no buffering).
func NewWorker(cfg func() config.Config, reg *status.Registry, spool *Spool) *Worker {
	return &Worker{
		cfg:    cfg,
		reg:    reg,
		client: &http.Client{Timeout: 10 * time.Second},
		spool:  spool,
	}
}

// Run sends the startup heartbeat, then healthchecks on the configured
// interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	cfg := w.cfg()
	if !cfg.TelemetryEnabled || cfg.TelemetryURL == "" || cfg.TelemetryIntervalSec <= 0 {
		return
	}
	w.send(Event{Type: "startup", Status: "ok", Notes: "startup"})

	ticker := time.NewTicker(time.Duration(cfg.TelemetryIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap := w.reg.Snapshot()
		ev := Event{Type: "healthcheck", Status: "ok", Notes: "healthcheck"}
		if snap.ConsecutiveFailures >= 3 {
			ev.Status = "error"
		} else if snap.ConsecutiveFailures > 0 {
			ev.Status = "warning"
		}
		if snap.ConsecutiveFailures > 0 {
			ev.ErrorCode = "media_fetch_failed"
			ev.ErrorMessage = snap.LastPollError
		}
		w.send(ev)
	}
}

// PlaylistUpdated implements poller.Events.
func (w *Worker) PlaylistUpdated(size int) {
	w.send(Event{Type: "playlist", Status: "ok", Notes: "playlist updated"})
}

// FetchFailed implements poller.Events.
func (w *Worker) FetchFailed(err error) {
	w.send(Event{
		Type:         "media_fetch",
		Status:       "error",
		ErrorCode:    "media_fetch_failed",
		ErrorMessage: err.Error(),
	})
}

// send posts one heartbeat. A failed send is spooled; a successful one also
// drains a batch of spooled events.
func (w *Worker) send(ev Event) {
	cfg := w.cfg()
	if !cfg.TelemetryEnabled || cfg.TelemetryURL == "" {
		return
	}
	pending := 0
	if w.spool != nil {
		pending = w.spool.Count()
	}
	payload := BuildPayload(cfg, w.reg.Snapshot(), ev, pending)
	if err := w.post(cfg, payload); err != nil {
		log.Printf("telemetry: send failed: %v", err)
		w.reg.Update(func(st *status.Snapshot) {
			st.LastTelemetryError = time.Now().UTC().Format(time.RFC3339)
		})
		if w.spool != nil {
			if spoolErr := w.spool.Add(payload); spoolErr != nil {
				log.Printf("telemetry: spool failed: %v", spoolErr)
			}
		}
		return
	}
	if w.spool != nil {
		w.drain(cfg)
	}
}

// drain replays up to a batch of spooled heartbeats, stopping at the first
// failure.
func (w *Worker) drain(cfg config.Config) {
	const batch = 25
	events, err := w.spool.Peek(batch)
	if err != nil || len(events) == 0 {
		return
	}
	sent := 0
	for _, se := range events {
		var payload Payload
		if err := json.Unmarshal(se.Payload, &payload); err != nil {
			// Unreadable row: drop it rather than wedge the spool.
			_ = w.spool.Delete(se.ID)
			continue
		}
		if err := w.post(cfg, payload); err != nil {
			break
		}
		_ = w.spool.Delete(se.ID)
		sent++
	}
	if sent > 0 {
		log.Printf("telemetry: drained %d spooled heartbeat(s)", sent)
	}
}

func (w *Worker) post(cfg config.Config, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	timeout := time.Duration(cfg.TelemetryTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TelemetryURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.TelemetryToken != "" {
		req.Header.Set(tokenHeader, cfg.TelemetryToken)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("telemetry: HTTP %d", resp.StatusCode)
	}
	return nil
}
