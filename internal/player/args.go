package player

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Options configures the spawned media player child.
type Options struct {
	PlayerPath      string
	IPCPath         string
	RotationDeg     int
	HotkeysEnabled  bool
	HotkeyOpenKey   string
	ConfigUIURL     string // opened by the hotkey binding
	LowResourceMode bool
	Mute            bool
	LockInput       bool
	HWDec           string
	RuntimeDir      string // hotkeys.conf lives here
}

// buildArgs assembles the mpv command line: fullscreen kiosk mode, idle so an
// empty playlist never kills the process, infinite loop/display so content
// holds until the scheduler advances, and the IPC server flag.
func buildArgs(o Options) []string {
	args := []string{
		"--fs",
		"--force-window=yes",
		"--idle=yes",
		"--keep-open=yes",
		"--no-terminal",
		"--loop-file=inf",
		"--image-display-duration=inf",
		"--no-osc",
		"--osd-level=0",
		fmt.Sprintf("--input-ipc-server=%s", o.IPCPath),
		"--no-input-default-bindings",
	}
	if o.LowResourceMode {
		args = append(args,
			"--profile=low-latency",
			"--video-sync=audio",
			"--vd-lavc-threads=1",
			"--scale=bilinear",
			"--dscale=bilinear",
			"--cscale=bilinear",
			"--interpolation=no",
			"--correct-pts=no",
			"--framedrop=decoder+vo",
			"--hwdec-codecs=h264,mpeg4,mpeg2video",
		)
	}
	args = append(args, fmt.Sprintf("--video-rotate=%d", o.RotationDeg))
	if conf := ensureHotkeyConf(o); conf != "" {
		args = append(args, fmt.Sprintf("--input-conf=%s", conf), "--input-vo-keyboard=yes")
	} else if o.LockInput {
		args = append(args, "--input-vo-keyboard=no")
	}
	if o.Mute {
		args = append(args, "--mute=yes")
	}
	if o.HWDec != "" {
		args = append(args, fmt.Sprintf("--hwdec=%s", o.HWDec))
	}
	return args
}

// ensureHotkeyConf writes the input-conf file binding the operator hotkey to
// a browser-open of the config UI. Returns "" when hotkeys are disabled or
// the file cannot be written (the kiosk still plays, just without the
// shortcut).
func ensureHotkeyConf(o Options) string {
	if !o.HotkeysEnabled || o.ConfigUIURL == "" {
		return ""
	}
	dir := o.RuntimeDir
	if dir == "" {
		dir = "runtime"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("player: hotkey conf dir: %v", err)
		return ""
	}
	key := o.HotkeyOpenKey
	if key == "" {
		key = "Ctrl+s"
	}
	cmd := openCommand(o.ConfigUIURL)
	quoted := make([]string, len(cmd))
	for i, a := range cmd {
		quoted[i] = `"` + a + `"`
	}
	line := fmt.Sprintf("%s run %s\n", key, strings.Join(quoted, " "))
	path := filepath.Join(dir, "hotkeys.conf")
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		log.Printf("player: write hotkey conf: %v", err)
		return ""
	}
	return path
}

func openCommand(url string) []string {
	switch runtime.GOOS {
	case "windows":
		return []string{"cmd", "/c", "start", "", url}
	case "darwin":
		return []string{"open", url}
	default:
		return []string{"xdg-open", url}
	}
}
