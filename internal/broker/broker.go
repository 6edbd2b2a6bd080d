// Package broker implements the out-of-process PTY broker: it owns every
// PTY master file descriptor handed to it by the hub over a Unix-domain
// socket, keeps each session's ring buffer and shadow screen alive across
// hub restarts, and routes control commands and output frames between the
// two.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/forgehub/agenthub/internal/frame"
	"github.com/forgehub/agenthub/internal/ptysession"
)

// DefaultReconnectTimeout is how long the broker waits for a new hub
// connection after the previous one closes, before killing every child and
// exiting.
const DefaultReconnectTimeout = 120 * time.Second

// Broker owns the session registry and the single shared writer that every
// session's reader goroutine forwards output through. Only one hub
// connection is ever active; reconnecting simply swaps the writer's target,
// so live reader goroutines never restart.
type Broker struct {
	socketPath       string
	reconnectTimeout time.Duration
	ringCap          int
	logger           *slog.Logger

	writer *ptysession.WriterCell

	mu       sync.Mutex
	sessions map[uint32]*ptysession.Session
	nextID   uint32
}

// Config configures a new Broker.
type Config struct {
	SocketPath       string
	ReconnectTimeout time.Duration
	// RingCap caps each session's scrollback ring buffer in bytes; zero
	// uses ptysession.DefaultRingBufferBytes.
	RingCap int
	Logger  *slog.Logger
}

// New creates a Broker listening at the given socket path. It does not
// start listening until Run is called.
func New(cfg Config) *Broker {
	timeout := cfg.ReconnectTimeout
	if timeout <= 0 {
		timeout = DefaultReconnectTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		socketPath:       cfg.SocketPath,
		reconnectTimeout: timeout,
		ringCap:          cfg.RingCap,
		logger:           logger,
		writer:           ptysession.NewWriterCell(),
		sessions:         make(map[uint32]*ptysession.Session),
	}
}

// Run listens on the broker's Unix socket and serves hub connections one at
// a time until the context is canceled, a kill_all is received, or the
// reconnect timeout elapses with no hub attached.
func (b *Broker) Run(ctx context.Context) error {
	if err := os.RemoveAll(b.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("broker: failed to clear stale socket: %w", err)
	}

	addr, err := net.ResolveUnixAddr("unix", b.socketPath)
	if err != nil {
		return fmt.Errorf("broker: invalid socket path: %w", err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("broker: failed to listen: %w", err)
	}
	defer listener.Close()
	defer os.RemoveAll(b.socketPath)

	b.logger.Info("broker listening", "socket", b.socketPath)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		b.mu.Lock()
		timeout := b.reconnectTimeout
		b.mu.Unlock()

		listener.SetDeadline(time.Now().Add(timeout))
		conn, err := listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				b.killAll("context canceled")
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				b.logger.Warn("no hub reconnected within timeout, killing all sessions", "timeout", timeout)
				b.killAll("reconnect timeout")
				return nil
			}
			return fmt.Errorf("broker: accept failed: %w", err)
		}
		listener.SetDeadline(time.Time{})

		b.logger.Info("hub connected")
		exitReason := b.serveConn(ctx, conn)
		b.writer.Clear()

		switch exitReason {
		case exitKillAll:
			return nil
		case exitContextDone:
			b.killAll("context canceled")
			return ctx.Err()
		case exitDisconnect:
			b.logger.Info("hub disconnected, waiting for reconnection", "timeout", b.reconnectTimeout)
			continue
		}
	}
}

type connExitReason int

const (
	exitDisconnect connExitReason = iota
	exitKillAll
	exitContextDone
)

// killAll implements the kill_all control operation: SIGHUP then SIGKILL
// every child, close every FD, and forget every session.
func (b *Broker) killAll(reason string) {
	b.mu.Lock()
	sessions := make([]*ptysession.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessions = make(map[uint32]*ptysession.Session)
	b.mu.Unlock()

	b.logger.Info("killing all sessions", "reason", reason, "count", len(sessions))
	for _, s := range sessions {
		if err := s.Kill(); err != nil {
			b.logger.Warn("error killing session", "session", s, "error", err)
		}
	}
}

// register assigns a new session_id and starts a reader goroutine for a
// freshly transferred PTY master FD.
func (b *Broker) register(meta frame.FdTransferMeta, fd uintptr) (uint32, error) {
	master := os.NewFile(fd, fmt.Sprintf("pty-master-%d", meta.PtyIndex))
	if master == nil {
		return 0, fmt.Errorf("broker: invalid transferred file descriptor")
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	session := ptysession.New(ptysession.Config{
		ID:       id,
		AgentKey: meta.AgentKey,
		PtyIndex: meta.PtyIndex,
		ChildPID: int(meta.ChildPID),
		Master:   master,
		Rows:     meta.Rows,
		Cols:     meta.Cols,
		RingCap:  b.ringCap,
		Writer:   b.writer,
		Logger:   b.logger.With("session_id", id, "agent_key", meta.AgentKey),
		OnExit:   func() { b.notifyExited(id, meta.AgentKey, meta.PtyIndex) },
	})
	session.Start()
	go b.forwardNotifications(id, meta.AgentKey, meta.PtyIndex, session)

	b.mu.Lock()
	b.sessions[id] = session
	b.mu.Unlock()

	return id, nil
}

// forwardNotifications relays OSC 9 / OSC 777 notifications detected by the
// session's shadow screen to the hub as BrokerControlNotification frames,
// until the session's notification channel closes on exit.
func (b *Broker) forwardNotifications(id uint32, agentKey string, ptyIndex uint32, session *ptysession.Session) {
	for notif := range session.NotificationChan() {
		payload, err := frame.EncodeBrokerControl(frame.BrokerControl{
			Type:                frame.BrokerControlNotification,
			SessionID:           frame.Uint32Ptr(id),
			AgentKey:            agentKey,
			PtyIndex:            frame.Uint32Ptr(ptyIndex),
			NotificationType:    string(notif.Type),
			NotificationMessage: notif.Message,
			NotificationTitle:   notif.Title,
			NotificationBody:    notif.Body,
		})
		if err != nil {
			b.logger.Error("failed to encode notification", "error", err)
			continue
		}
		if err := b.writer.Write(frame.Frame{Type: frame.BrokerControlFrame, SessionID: id, Payload: payload}); err != nil {
			b.logger.Warn("failed to forward notification", "error", err)
		}
	}
}

func (b *Broker) session(id uint32) (*ptysession.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	return s, ok
}

func (b *Broker) unregister(id uint32) error {
	b.mu.Lock()
	s, ok := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("broker: unknown session %d", id)
	}
	return s.Unregister()
}

// notifyExited tells the hub a child process exited on its own (not via an
// explicit unregister_pty/kill_all, which already remove the session from
// the registry before closing the FD).
func (b *Broker) notifyExited(id uint32, agentKey string, ptyIndex uint32) {
	b.mu.Lock()
	_, stillRegistered := b.sessions[id]
	if stillRegistered {
		delete(b.sessions, id)
	}
	b.mu.Unlock()

	if !stillRegistered {
		return
	}

	payload, err := frame.EncodeBrokerControl(frame.BrokerControl{
		Type:      frame.BrokerControlPtyExited,
		SessionID: frame.Uint32Ptr(id),
		AgentKey:  agentKey,
		PtyIndex:  frame.Uint32Ptr(ptyIndex),
	})
	if err != nil {
		b.logger.Error("failed to encode pty_exited control frame", "error", err)
		return
	}

	if err := b.writer.Write(frame.Frame{Type: frame.BrokerControlFrame, SessionID: id, Payload: payload}); err != nil {
		b.logger.Warn("failed to forward pty_exited notification", "error", err)
	}
}

// SessionCount reports how many sessions are currently registered; used by
// tests and status reporting.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func secondsToDuration(seconds uint64) time.Duration {
	return time.Duration(seconds) * time.Second
}
