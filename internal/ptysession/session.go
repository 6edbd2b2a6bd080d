// Package ptysession implements the broker-side PTY session: one open PTY
// master FD, a reader goroutine, a bounded ring buffer, and a shadow
// terminal-emulator screen kept continuously up to date.
package ptysession

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/forgehub/agenthub/internal/frame"
	"github.com/forgehub/agenthub/internal/notification"
	"github.com/forgehub/agenthub/internal/vt100"
)

// readChunkSize matches the broker's per-iteration read size.
const readChunkSize = 8192

// DefaultRingBufferBytes comfortably exceeds one screen of a large terminal.
const DefaultRingBufferBytes = 1 << 20 // 1 MiB

// State is the PTY session state machine: New -> Running -> Exited.
type State int

const (
	StateNew State = iota
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Session is one broker-owned PTY: the master FD, ring buffer, shadow
// screen, and the reader goroutine that keeps them fed.
type Session struct {
	ID       uint32
	AgentKey string
	PtyIndex uint32
	ChildPID int

	master *os.File

	ring   *RingBuffer
	shadow *vt100.Parser

	mu    sync.RWMutex
	rows  uint16
	cols  uint16
	state State

	writer *WriterCell
	onExit func()

	notifyCh chan notification.Notification

	closeOne sync.Once
	readerWg sync.WaitGroup

	logger *slog.Logger
}

// Config bundles the parameters needed to register a new broker-side
// session after the hub has handed off the master FD.
type Config struct {
	ID       uint32
	AgentKey string
	PtyIndex uint32
	ChildPID int
	Master   *os.File
	Rows     uint16
	Cols     uint16
	Writer   *WriterCell
	Logger   *slog.Logger
	RingCap  int

	// OnExit, if set, is called once when the reader loop observes the
	// master FD closing, whether from the child process exiting or from
	// an explicit Unregister/Kill call.
	OnExit func()
}

// New constructs a session in state New. Call Start to spawn the reader and
// enter Running.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ringCap := cfg.RingCap
	if ringCap <= 0 {
		ringCap = DefaultRingBufferBytes
	}

	return &Session{
		ID:       cfg.ID,
		AgentKey: cfg.AgentKey,
		PtyIndex: cfg.PtyIndex,
		ChildPID: cfg.ChildPID,
		master:   cfg.Master,
		ring:     NewRingBuffer(ringCap),
		shadow:   vt100.New(int(cfg.Rows), int(cfg.Cols)),
		rows:     cfg.Rows,
		cols:     cfg.Cols,
		state:    StateNew,
		writer:   cfg.Writer,
		onExit:   cfg.OnExit,
		notifyCh: make(chan notification.Notification, 16),
		logger:   logger.With("session_id", cfg.ID, "agent_key", cfg.AgentKey),
	}
}

// Start spawns the reader goroutine and transitions New -> Running.
func (s *Session) Start() {
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.readerWg.Add(1)
	go s.readerLoop()
}

// NotificationChan exposes detected OSC 9 / OSC 777 notifications.
func (s *Session) NotificationChan() <-chan notification.Notification {
	return s.notifyCh
}

func (s *Session) readerLoop() {
	defer s.readerWg.Done()

	buf := make([]byte, readChunkSize)
	for {
		n, err := s.master.Read(buf)
		if n > 0 {
			chunk := append([]byte{}, buf[:n]...)
			s.ring.Write(chunk)
			s.shadow.Process(chunk)

			for _, notif := range notification.Detect(chunk) {
				select {
				case s.notifyCh <- notif:
				default:
					s.logger.Warn("dropping notification, channel full")
				}
			}

			werr := s.writer.Write(frame.Frame{
				Type:      frame.PtyOutput,
				SessionID: s.ID,
				Payload:   chunk,
			})
			if werr != nil {
				s.logger.Warn("failed to forward pty output", "error", werr)
			}
		}

		if err != nil {
			s.mu.Lock()
			s.state = StateExited
			s.mu.Unlock()
			close(s.notifyCh)
			if s.onExit != nil {
				s.onExit()
			}
			return
		}
	}
}

// Resize applies a window-size change to the master FD and the shadow
// screen. Fire-and-forget; no ack is expected.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.Lock()
	s.rows = rows
	s.cols = cols
	s.mu.Unlock()

	s.shadow.SetSize(int(rows), int(cols))

	return pty.Setsize(s.master, &pty.Winsize{Rows: rows, Cols: cols})
}

// WriteInput writes opaque bytes to the PTY master. Fire-and-forget.
func (s *Session) WriteInput(p []byte) (int, error) {
	return s.master.Write(p)
}

// Snapshot renders the shadow screen as ANSI bytes: positioned cursor
// moves, SGR attributes, and cell contents sufficient to reproduce the
// visible grid on a fresh terminal. It is a summary, not a ring-buffer
// replay, because the shadow parser has already collapsed overwrites and
// resolved cursor/attribute state.
func (s *Session) Snapshot() []byte {
	return []byte(s.shadow.GetScreenAsANSI())
}

// RingSnapshot returns a copy of the raw ring buffer, for diagnostics and
// for clients that prefer byte-replay semantics.
func (s *Session) RingSnapshot() []byte {
	return s.ring.Bytes()
}

// Size returns the current dimensions.
func (s *Session) Size() (rows, cols uint16) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows, s.cols
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Unregister closes the master FD, which causes the reader to observe
// EBADF/EOF and exit, and waits for that exit. It does not touch the
// child process: the caller owns that decision (unregister vs kill).
func (s *Session) Unregister() error {
	var err error
	s.closeOne.Do(func() {
		err = s.master.Close()
	})
	s.readerWg.Wait()
	return err
}

// Kill sends SIGHUP then SIGKILL to the child process and unregisters the
// session. Used by the broker's kill_all and by individual agent teardown.
func (s *Session) Kill() error {
	if s.ChildPID > 0 {
		_ = syscall.Kill(s.ChildPID, syscall.SIGHUP)
		_ = syscall.Kill(s.ChildPID, syscall.SIGKILL)
	}
	return s.Unregister()
}

// String implements fmt.Stringer for logging convenience.
func (s *Session) String() string {
	rows, cols := s.Size()
	return fmt.Sprintf("session(id=%d agent=%s pty=%d dims=%dx%d state=%s)",
		s.ID, s.AgentKey, s.PtyIndex, rows, cols, s.State())
}
