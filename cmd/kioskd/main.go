// Command kioskd is the digital-signage kiosk agent: it keeps a media player
// child showing the remote campaign playlist, phase-locked to the fleet's
// daily UTC cycle, surviving network loss and reboots on cached media.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/doohkit/kioskd/internal/cacheindex"
	"github.com/doohkit/kioskd/internal/cleanup"
	"github.com/doohkit/kioskd/internal/config"
	"github.com/doohkit/kioskd/internal/configui"
	"github.com/doohkit/kioskd/internal/logging"
	"github.com/doohkit/kioskd/internal/offline"
	"github.com/doohkit/kioskd/internal/playback"
	"github.com/doohkit/kioskd/internal/player"
	"github.com/doohkit/kioskd/internal/playlist"
	"github.com/doohkit/kioskd/internal/poller"
	"github.com/doohkit/kioskd/internal/status"
	"github.com/doohkit/kioskd/internal/telemetry"
	"github.com/doohkit/kioskd/internal/watchdog"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	exitOK     = 0
	exitForced = 1
	// exitUnusable means the agent has neither API credentials nor any
	// offline media to show; running would just be a black screen.
	exitUnusable = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.json", "path to config.json")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kioskd: %v\n", err)
		return exitUnusable
	}
	logging.Setup(cfg.LogFile, cfg.LogMaxBytes, cfg.LogBackupCount)
	store := config.NewStore(*configPath, cfg)

	if cfg.StationID == "" {
		if err := store.Update(func(c *config.Config) { c.StationID = uuid.NewString() }); err != nil {
			log.Printf("main: station id persist failed: %v", err)
		}
		log.Printf("main: generated station id %s", store.Snapshot().StationID)
	}

	reg := status.NewRegistry(prometheus.DefaultRegisterer)
	idx := cacheindex.Load(cfg.StateDir)
	plStore := playlist.NewStore()

	// Offline preload so the screen has content before the first poll.
	if items, fp := offline.LoadAtBoot(cfg, idx, poller.ReadLastSuccess(cfg.StateDir)); len(items) > 0 {
		plStore.Update(items, fp)
		reg.Update(func(st *status.Snapshot) { st.PlaylistSize = len(items) })
	}

	haveCredentials := cfg.APIKey != "" && cfg.EnvironmentID != ""
	if !haveCredentials {
		if items, _ := plStore.Get(); len(items) == 0 {
			log.Printf("main: no API credentials and no offline media; nothing to show")
			return exitUnusable
		}
		log.Printf("main: no API credentials, running on offline media only")
	}

	uiURL := "http://" + net.JoinHostPort(cfg.ConfigUIBind, strconv.Itoa(cfg.ConfigUIPort))
	ctrl := player.New(player.Options{
		PlayerPath:      cfg.PlayerPath,
		IPCPath:         cfg.IPCPath,
		RotationDeg:     cfg.RotationDeg,
		HotkeysEnabled:  cfg.HotkeysEnabled,
		HotkeyOpenKey:   cfg.HotkeyOpenKey,
		ConfigUIURL:     uiURL,
		LowResourceMode: cfg.LowResourceMode,
		Mute:            cfg.Mute,
		LockInput:       cfg.LockInput,
		HWDec:           cfg.HWDec,
		RuntimeDir:      filepath.Join(cfg.StateDir, "runtime"),
	})
	ctrl.OnSpawn = reg.CountPlayerSpawn

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel, ctrl)

	if !ctrl.Start() {
		log.Printf("main: player did not start; the watchdog will keep trying")
	}

	var spool *telemetry.Spool
	if cfg.TelemetryEnabled {
		spool, err = telemetry.OpenSpool(cfg.StateDir)
		if err != nil {
			log.Printf("main: telemetry spool unavailable: %v", err)
		}
	}
	tele := telemetry.NewWorker(store.Snapshot, reg, spool)

	poll := poller.New(store.Snapshot, plStore, reg, idx)
	if haveCredentials {
		poll.Events = tele
	}

	g, gctx := errgroup.WithContext(ctx)
	if haveCredentials {
		g.Go(func() error { poll.Run(gctx); return nil })
	}
	g.Go(func() error { watchdog.New(store.Snapshot, ctrl, reg).Run(gctx); return nil })
	g.Go(func() error { cleanup.New(store.Snapshot, plStore, reg, idx).Run(gctx); return nil })
	g.Go(func() error {
		status.RunWriter(gctx, cfg.StatusFile, cfg.StatusIntervalSec, reg)
		return nil
	})
	g.Go(func() error { tele.Run(gctx); return nil })
	g.Go(func() error { configui.New(store, reg, ctrl, poll.TriggerPoll).Run(gctx); return nil })
	g.Go(func() error { playback.New(store.Snapshot, plStore, reg, ctrl).Run(gctx); return nil })

	_ = g.Wait()

	ctrl.Stop()
	if err := idx.Flush(); err != nil {
		log.Printf("main: cache index flush failed: %v", err)
	}
	if spool != nil {
		spool.Close()
	}
	log.Printf("main: shutdown complete")
	return exitOK
}

// installSignalHandler stops the agent on SIGINT/SIGTERM. A second signal
// arms a 5 s deadline after which the process force-exits, so a wedged
// worker can never block shutdown forever.
func installSignalHandler(cancel context.CancelFunc, ctrl *player.Controller) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("main: signal %s received, stopping", s)
		cancel()
		<-sig
		log.Printf("main: second signal, forcing exit in 5s")
		time.Sleep(5 * time.Second)
		ctrl.Stop()
		os.Exit(exitForced)
	}()
}
