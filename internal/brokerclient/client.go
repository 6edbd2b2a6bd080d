// Package brokerclient is the hub-side half of the broker protocol: it
// spawns or connects to the out-of-process PTY broker, hands off PTY
// master file descriptors via SCM_RIGHTS, and demultiplexes the broker's
// single reply stream into an async event channel (PTY output, PTY exit)
// and a response channel consumed by synchronous call methods.
package brokerclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/forgehub/agenthub/internal/frame"
	"github.com/forgehub/agenthub/internal/notification"
)

// DefaultCallTimeout bounds how long a synchronous call method waits for
// its matching response before giving up.
const DefaultCallTimeout = 5 * time.Second

// readBufSize is generous for the JSON-encoded control and snapshot frames
// that flow back from the broker; PTY output frames are read in multiple
// iterations if larger than this.
const readBufSize = 64 * 1024

// Event is a frame the demux goroutine routes to the async event channel:
// PtyOutput, PtyExited, or Notification, consumed by the hub event loop.
type Event struct {
	Type         frame.Type
	SessionID    uint32
	Payload      []byte                    // raw bytes for PtyOutput
	Exited       *ExitInfo                 // set for a pty_exited control message
	Notification *notification.Notification // set for a notification control message
}

// ExitInfo carries the broker's pty_exited notification payload.
type ExitInfo struct {
	AgentKey string
	PtyIndex uint32
}

// Client is one hub's connection to its broker subprocess.
type Client struct {
	conn   *net.UnixConn
	logger *slog.Logger

	writeMu sync.Mutex

	eventCh    chan Event
	responseCh chan frame.Frame

	alive atomic.Bool

	forwarderOnce sync.Once
	forwarderDone chan struct{}
}

// New wraps an already-established Unix connection to a broker.
func New(conn *net.UnixConn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:          conn,
		logger:        logger,
		eventCh:       make(chan Event, 256),
		responseCh:    make(chan frame.Frame, 16),
		forwarderDone: make(chan struct{}),
	}
}

// SpawnAndConnect re-execs the current binary as `<binary> broker --socket
// <path>` and connects to the resulting broker once its socket appears.
func SpawnAndConnect(ctx context.Context, socketPath string, extraArgs []string, logger *slog.Logger) (*Client, *exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, nil, fmt.Errorf("brokerclient: failed to resolve own executable: %w", err)
	}

	args := append([]string{"broker", "--socket", socketPath}, extraArgs...)
	cmd := exec.CommandContext(ctx, self, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("brokerclient: failed to spawn broker: %w", err)
	}

	client, err := connectWithRetry(ctx, socketPath, logger)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, nil, err
	}
	return client, cmd, nil
}

// Connect dials an already-running broker's socket.
func Connect(socketPath string, logger *slog.Logger) (*Client, error) {
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("brokerclient: invalid socket path: %w", err)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("brokerclient: failed to connect: %w", err)
	}
	return New(conn, logger), nil
}

func connectWithRetry(ctx context.Context, socketPath string, logger *slog.Logger) (*Client, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		client, err := Connect(socketPath, logger)
		if err == nil {
			return client, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("brokerclient: broker socket never appeared: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// InstallForwarder starts the single reader goroutine that demultiplexes
// the broker's reply stream. Calling it more than once is a no-op; it must
// only ever run once, since two readers competing on the same receive
// buffer would race.
func (c *Client) InstallForwarder() {
	c.forwarderOnce.Do(func() {
		c.alive.Store(true)
		go c.demux()
	})
}

// EventChan returns the channel PtyOutput and exit events arrive on.
func (c *Client) EventChan() <-chan Event {
	return c.eventCh
}

// Alive reports whether the demux goroutine is still running. The hub polls
// this each tick; false means the socket died and reconnection should be
// triggered.
func (c *Client) Alive() bool {
	return c.alive.Load()
}

func (c *Client) demux() {
	defer func() {
		c.alive.Store(false)
		close(c.forwarderDone)
	}()

	decoder := frame.NewDecoder()
	buf := make([]byte, readBufSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			frames, derr := decoder.Feed(buf[:n])
			if derr != nil {
				c.logger.Error("brokerclient: frame decode error", "error", derr)
				return
			}
			for _, f := range frames {
				c.route(f)
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) route(f frame.Frame) {
	switch f.Type {
	case frame.PtyOutput:
		c.eventCh <- Event{Type: f.Type, SessionID: f.SessionID, Payload: f.Payload}

	case frame.BrokerControlFrame:
		ctl, err := frame.DecodeBrokerControl(f.Payload)
		if err != nil {
			c.logger.Error("brokerclient: malformed broker control frame", "error", err)
			return
		}
		if ctl.Type == frame.BrokerControlPtyExited {
			var ptyIndex uint32
			if ctl.PtyIndex != nil {
				ptyIndex = *ctl.PtyIndex
			}
			c.eventCh <- Event{
				Type:      f.Type,
				SessionID: f.SessionID,
				Exited:    &ExitInfo{AgentKey: ctl.AgentKey, PtyIndex: ptyIndex},
			}
			return
		}
		if ctl.Type == frame.BrokerControlNotification {
			c.eventCh <- Event{
				Type:      f.Type,
				SessionID: f.SessionID,
				Notification: &notification.Notification{
					Type:    notification.Type(ctl.NotificationType),
					Message: ctl.NotificationMessage,
					Title:   ctl.NotificationTitle,
					Body:    ctl.NotificationBody,
				},
			}
			return
		}
		c.responseCh <- f

	case frame.Snapshot:
		c.responseCh <- f

	default:
		c.logger.Warn("brokerclient: unexpected frame type from broker", "type", f.Type.String())
	}
}

// writeFrame serializes a frame onto the wire, guarded by a mutex so
// concurrent callers (e.g. a fire-and-forget resize racing a synchronous
// call) never interleave partial frames.
func (c *Client) writeFrame(f frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(frame.Encode(f))
	return err
}

// awaitResponse blocks for the next queued response frame, used by every
// synchronous call method. Because the broker protocol is strictly
// request/response with one outstanding hub-issued call at a time, no
// additional correlation ID is needed beyond response arrival order.
func (c *Client) awaitResponse(timeout time.Duration) (frame.Frame, error) {
	select {
	case f := <-c.responseCh:
		return f, nil
	case <-time.After(timeout):
		return frame.Frame{}, fmt.Errorf("brokerclient: timed out waiting for broker response")
	}
}

// DisconnectGraceful shuts down both directions of the socket so the broker
// observes EOF immediately, then begins its reconnect-timeout window. Use
// on hub restart, never on hub shutdown.
func (c *Client) DisconnectGraceful() error {
	rawConn, err := c.conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("brokerclient: failed to access raw connection: %w", err)
	}
	var shutdownErr error
	err = rawConn.Control(func(fd uintptr) {
		shutdownErr = syscall.Shutdown(int(fd), syscall.SHUT_RDWR)
	})
	if err != nil {
		return fmt.Errorf("brokerclient: shutdown control failed: %w", err)
	}
	return shutdownErr
}

// KillAll tells the broker to SIGHUP then SIGKILL every child and exit, and
// then drops the connection. Use on hub shutdown.
func (c *Client) KillAll() error {
	payload, err := frame.EncodeHubControl(frame.HubControl{Type: frame.HubControlKillAll})
	if err != nil {
		return err
	}
	if err := c.writeFrame(frame.Frame{Type: frame.HubControlFrame, Payload: payload}); err != nil {
		c.logger.Warn("brokerclient: failed to send kill_all", "error", err)
	}
	return c.conn.Close()
}

// Close drops the connection without signaling the broker; used for
// relay-mode teardown where the broker session should survive.
func (c *Client) Close() error {
	return c.conn.Close()
}
