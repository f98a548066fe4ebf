package player

import (
	"encoding/json"
	"log"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Controller spawns and supervises the single media-player child and owns
// its IPC channel. All player mutation in the process goes through here.
//
// Two mutexes: mu guards process/channel lifecycle, ipcMu serializes the
// send/recv sequence so a response can never be claimed by the wrong caller.
type Controller struct {
	opts Options

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	session *ipcSession

	ipcMu sync.Mutex

	gen   atomic.Int64
	reqID atomic.Int64

	// OnSpawn, when set, is invoked after every successful spawn (metrics).
	OnSpawn func()
}

const (
	ipcOpenTimeout  = 10 * time.Second
	stopGracePeriod = 5 * time.Second
	replyTimeout    = 2 * time.Second
)

// New returns a controller; the child is not started yet.
func New(opts Options) *Controller {
	return &Controller{opts: opts}
}

// Generation returns the monotonic spawn counter. A bump means a fresh child
// process, so any preloaded player state is gone.
func (c *Controller) Generation() int64 { return c.gen.Load() }

// Start launches the child if it is not already running. On a failed first
// attempt it waits a second and tries once more. Returns whether a live,
// IPC-connected player exists on return.
func (c *Controller) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runningLocked() {
		return true
	}
	if c.spawnLocked() {
		return true
	}
	time.Sleep(1 * time.Second)
	return c.spawnLocked()
}

// Stop tears the child down: close IPC, terminate the process group, wait up
// to 5 s, kill on timeout, remove the IPC endpoint.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// Restart performs Stop, pauses 1 s to settle, then makes a single spawn
// attempt (no retry, unlike Start).
func (c *Controller) Restart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	time.Sleep(1 * time.Second)
	return c.spawnLocked()
}

// EnsureRunning starts the child if it has exited.
func (c *Controller) EnsureRunning() bool {
	if c.IsRunning() {
		return true
	}
	return c.Start()
}

// IsRunning reports whether the child process is alive.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningLocked()
}

func (c *Controller) runningLocked() bool {
	if c.cmd == nil {
		return false
	}
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}

func (c *Controller) spawnLocked() bool {
	c.closeIPCLocked()
	removeEndpoint(c.opts.IPCPath)

	cmd := exec.Command(c.opts.PlayerPath, buildArgs(c.opts)...)
	cmd.SysProcAttr = sysProcAttr()
	// Stdout/Stderr nil: the child inherits the null sink, keeping our own
	// log stream clean of decoder chatter.
	if err := cmd.Start(); err != nil {
		log.Printf("player: start %s: %v", c.opts.PlayerPath, err)
		return false
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	c.cmd = cmd
	c.exited = exited

	ep, ok := c.openIPCLocked()
	if !ok {
		log.Printf("player: IPC endpoint %s never came up", c.opts.IPCPath)
		c.stopLocked()
		return false
	}
	c.session = newIPCSession(ep)
	c.gen.Add(1)
	if c.OnSpawn != nil {
		c.OnSpawn()
	}
	log.Printf("player: spawned pid=%d generation=%d", cmd.Process.Pid, c.gen.Load())
	return true
}

// openIPCLocked polls for the endpoint for up to 10 s, connecting on first
// availability.
func (c *Controller) openIPCLocked() (endpoint, bool) {
	deadline := time.Now().Add(ipcOpenTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-c.exited:
			return nil, false
		default:
		}
		if ep, err := dialEndpoint(c.opts.IPCPath); err == nil {
			return ep, true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil, false
}

func (c *Controller) stopLocked() {
	c.closeIPCLocked()
	if c.cmd != nil && c.runningLocked() {
		terminateGroup(c.cmd.Process)
		select {
		case <-c.exited:
		case <-time.After(stopGracePeriod):
			killGroup(c.cmd.Process)
			<-c.exited
		}
	}
	c.cmd = nil
	c.exited = nil
	removeEndpoint(c.opts.IPCPath)
}

func (c *Controller) closeIPCLocked() {
	c.ipcMu.Lock()
	c.session.close()
	c.session = nil
	c.ipcMu.Unlock()
}

// currentSession snapshots the session pointer under the lifecycle mutex so
// IPC calls do not race Stop.
func (c *Controller) currentSession() *ipcSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// sendCommand writes a fire-and-forget verb. True means the write succeeded;
// the player applies it asynchronously.
func (c *Controller) sendCommand(args ...any) bool {
	s := c.currentSession()
	if s == nil {
		return false
	}
	c.ipcMu.Lock()
	defer c.ipcMu.Unlock()
	return s.send(command{Command: args})
}

// roundTrip sends a verb that needs a response and waits for the matching
// request_id, holding the IPC mutex for the full exchange.
func (c *Controller) roundTrip(timeout time.Duration, args ...any) (response, bool) {
	s := c.currentSession()
	if s == nil {
		return response{}, false
	}
	id := c.reqID.Add(1)
	c.ipcMu.Lock()
	defer c.ipcMu.Unlock()
	if !s.send(command{Command: args, RequestID: id}) {
		return response{}, false
	}
	resp, err := s.recv(id, timeout)
	if err != nil {
		return response{}, false
	}
	return resp, true
}

// LoadFile replaces the player playlist with path.
func (c *Controller) LoadFile(path string) bool {
	return c.sendCommand("loadfile", path, "replace")
}

// AppendFile appends path after the current entry (preload).
func (c *Controller) AppendFile(path string) bool {
	return c.sendCommand("loadfile", path, "append")
}

// PlaylistNext advances to the appended entry even if the current one has
// not finished.
func (c *Controller) PlaylistNext() bool {
	return c.sendCommand("playlist-next", "force")
}

// PlaylistRemove drops the playlist entry at index.
func (c *Controller) PlaylistRemove(index int) bool {
	return c.sendCommand("playlist-remove", index)
}

// SetProperty assigns a player property.
func (c *Controller) SetProperty(name string, value any) bool {
	return c.sendCommand("set_property", name, value)
}

// SeekAbsolute seeks to an absolute position in seconds.
func (c *Controller) SeekAbsolute(seconds float64) bool {
	return c.sendCommand("seek", seconds, "absolute+exact")
}

// GetProperty reads a player property, waiting up to timeout for the reply.
// The second return is false on transport failure or a non-success reply.
func (c *Controller) GetProperty(name string, timeout time.Duration) (any, bool) {
	resp, ok := c.roundTrip(timeout, "get_property", name)
	if !ok || resp.Error != "success" {
		return nil, false
	}
	var v any
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &v); err != nil {
			return nil, false
		}
	}
	return v, true
}

// Ping reports whether the player answers IPC at all: a get_property
// round-trip that comes back with error == "success".
func (c *Controller) Ping() bool {
	_, ok := c.GetProperty("idle-active", replyTimeout)
	return ok
}
