// Package agent provides the hub-side handle for a running coding-agent
// session: a git worktree, one or two PTYs registered with the out-of
// process broker, and a local shadow screen kept live by streamed output
// so the TUI and browser channel can both render it without touching the
// broker on every keystroke.
package agent

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgehub/agenthub/internal/brokerclient"
	"github.com/forgehub/agenthub/internal/browserlink"
	"github.com/forgehub/agenthub/internal/frame"
	"github.com/forgehub/agenthub/internal/notification"
	"github.com/forgehub/agenthub/internal/pty"
	"github.com/forgehub/agenthub/internal/relay"
	"github.com/forgehub/agenthub/internal/vt100"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// PTYView indicates which PTY is active.
type PTYView int

const (
	PTYViewCLI PTYView = iota
	PTYViewServer
)

// ptyHandle mirrors one broker-registered PTY on the hub side: the session
// id used to address it over the broker protocol, and a local vt100 screen
// kept live by the stream of BrokerPtyOutput bytes the hub event loop feeds
// it. The screen is rehydrated from a snapshot on broker reconnect rather
// than replayed from history.
type ptyHandle struct {
	sessionID uint32
	rows      uint16
	cols      uint16

	mu             sync.RWMutex
	parser         *vt100.Parser
	lastScreenHash uint64
	scrollOffset   int
}

func newPTYHandle(sessionID uint32, rows, cols uint16) *ptyHandle {
	return &ptyHandle{
		sessionID: sessionID,
		rows:      rows,
		cols:      cols,
		parser:    vt100.New(int(rows), int(cols)),
	}
}

func (h *ptyHandle) feed(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parser.Process(data)
}

// rehydrate replaces the live screen with one rebuilt from a broker
// snapshot, used after a hub restart reconnects to a broker whose sessions
// survived.
func (h *ptyHandle) rehydrate(snapshotANSI []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parser = vt100.New(int(h.rows), int(h.cols))
	h.parser.Process(snapshotANSI)
}

// Agent is the hub-side handle for one coding-agent session: the git
// worktree it runs in, and its broker-backed PTY sessions.
type Agent struct {
	ID uuid.UUID

	Repo         string
	IssueNumber  *int
	BranchName   string
	WorktreePath string

	StartTime    time.Time
	LastActivity time.Time
	Status       Status

	TunnelPort *int

	client *brokerclient.Client

	cli    *ptyHandle
	server *ptyHandle

	activePTY PTYView

	// terminal/preview carry this agent's active-view output to a connected
	// browser peer once one attaches; they are nil until then, in which case
	// FeedOutput only updates the local shadow screen.
	terminal *browserlink.Link
	preview  *browserlink.Link

	notificationChan chan notification.Notification

	// rawOutputCh/readBuf back the io.Reader interface ssh sessions attach
	// to directly (sshserver.AgentSession); FeedOutput pushes active-view
	// bytes here as they stream in from the broker.
	rawOutputCh chan []byte
	readBuf     []byte

	mu sync.RWMutex
}

// New creates a new agent handle for the given repository and worktree. The
// PTYs themselves are registered separately via RegisterCLI/RegisterServer
// once the hub has spawned the child process and handed its master FD to
// the broker.
func New(repo string, issueNumber *int, branchName, worktreePath string, client *brokerclient.Client) *Agent {
	now := time.Now()
	return &Agent{
		ID:               uuid.New(),
		Repo:             repo,
		IssueNumber:      issueNumber,
		BranchName:       branchName,
		WorktreePath:     worktreePath,
		StartTime:        now,
		LastActivity:     now,
		Status:           StatusInitializing,
		client:           client,
		activePTY:        PTYViewCLI,
		notificationChan: make(chan notification.Notification, 100),
		rawOutputCh:      make(chan []byte, 256),
	}
}

// RegisterCLI records the broker session id for the agent's primary PTY,
// already registered with RegisterPty by the caller.
func (a *Agent) RegisterCLI(sessionID uint32, rows, cols uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cli = newPTYHandle(sessionID, rows, cols)
	a.Status = StatusRunning
}

// RegisterServer records the broker session id for an optional dev-server
// PTY.
func (a *Agent) RegisterServer(sessionID uint32, rows, cols uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.server = newPTYHandle(sessionID, rows, cols)
}

// Spawn starts the agent's primary command in a fresh PTY and hands the
// master FD off to the broker, registering the resulting session as the CLI
// view. The child process itself is now owned entirely by the broker; this
// hub process keeps only the session id.
func (a *Agent) Spawn(command string, env map[string]string, rows, cols uint16) error {
	sessionID, err := a.spawnAndRegister(command, env, rows, cols, 0)
	if err != nil {
		return err
	}
	a.RegisterCLI(sessionID, rows, cols)
	return nil
}

// SpawnServer starts a secondary command (typically a dev server) in its own
// PTY and registers it as the server view.
func (a *Agent) SpawnServer(command string, env map[string]string, rows, cols uint16) error {
	sessionID, err := a.spawnAndRegister(command, env, rows, cols, 1)
	if err != nil {
		return err
	}
	a.RegisterServer(sessionID, rows, cols)
	return nil
}

func (a *Agent) spawnAndRegister(command string, env map[string]string, rows, cols uint16, ptyIndex uint32) (uint32, error) {
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	result, err := pty.Spawn(pty.SpawnConfig{
		Command: command,
		Dir:     a.WorktreePath,
		Env:     envList,
		Rows:    rows,
		Cols:    cols,
	})
	if err != nil {
		return 0, fmt.Errorf("agent: failed to spawn pty: %w", err)
	}

	childPID := 0
	if result.Cmd.Process != nil {
		childPID = result.Cmd.Process.Pid
	}

	sessionID, err := a.client.RegisterPty(frame.FdTransferMeta{
		AgentKey: a.SessionKey(),
		PtyIndex: ptyIndex,
		ChildPID: uint32(childPID),
		Rows:     rows,
		Cols:     cols,
	}, result.Master)
	if err != nil {
		_ = result.Cmd.Process.Kill()
		return 0, fmt.Errorf("agent: failed to register pty with broker: %w", err)
	}

	return sessionID, nil
}

// AttachTerminalChannel wires a reliable, encrypted link to a browser peer
// for this agent's CLI view. Replacing an existing link drops the old one
// without closing its underlying channel, which the hub owns.
func (a *Agent) AttachTerminalChannel(link *browserlink.Link) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminal = link
}

// AttachPreviewChannel wires a reliable, encrypted link to a browser peer
// for this agent's dev-server (preview) view.
func (a *Agent) AttachPreviewChannel(link *browserlink.Link) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.preview = link
}

// OwnsSession reports whether the given broker session id belongs to this
// agent, and if so which view it is.
func (a *Agent) OwnsSession(sessionID uint32) (PTYView, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cli != nil && a.cli.sessionID == sessionID {
		return PTYViewCLI, true
	}
	if a.server != nil && a.server.sessionID == sessionID {
		return PTYViewServer, true
	}
	return 0, false
}

// FeedOutput routes streamed PTY output from the broker into the owning
// view's local shadow screen and records activity. Called by the hub event
// loop on every BrokerPtyOutput event addressed to this agent.
func (a *Agent) FeedOutput(sessionID uint32, data []byte) {
	a.mu.Lock()
	a.LastActivity = time.Now()
	var h *ptyHandle
	var link *browserlink.Link
	if a.cli != nil && a.cli.sessionID == sessionID {
		h = a.cli
		link = a.terminal
	} else if a.server != nil && a.server.sessionID == sessionID {
		h = a.server
		link = a.preview
	}
	isActive := h != nil && a.activePTY == viewOf(a, sessionID)
	a.mu.Unlock()

	if h != nil {
		h.feed(data)

		for _, notif := range notification.Detect(data) {
			select {
			case a.notificationChan <- notif:
			default:
			}
		}

		if isActive {
			select {
			case a.rawOutputCh <- data:
			default:
			}
		}

		if link != nil {
			if err := link.SendTerminal(relay.OutputMessage(string(data))); err != nil {
				a.notifyLinkError(link, err)
			}
		}
	}
}

func (a *Agent) notifyLinkError(link *browserlink.Link, err error) {
	select {
	case a.notificationChan <- notification.Notification{
		Type:    notification.TypeOSC777,
		Title:   "browser link",
		Message: fmt.Sprintf("failed to stream output to %s: %v", link.PeerID(), err),
	}:
	default:
	}
}

// viewOf must be called with at least a read lock held.
func viewOf(a *Agent, sessionID uint32) PTYView {
	if a.cli != nil && a.cli.sessionID == sessionID {
		return PTYViewCLI
	}
	return PTYViewServer
}

// Rehydrate rebuilds the named view's shadow screen from a broker snapshot,
// used after a hub restart reconnects to surviving broker sessions.
func (a *Agent) Rehydrate(view PTYView, snapshotANSI []byte) {
	a.mu.RLock()
	h := a.handleFor(view)
	a.mu.RUnlock()
	if h != nil {
		h.rehydrate(snapshotANSI)
	}
}

// handleFor must be called with at least a read lock held.
func (a *Agent) handleFor(view PTYView) *ptyHandle {
	if view == PTYViewServer && a.server != nil {
		return a.server
	}
	return a.cli
}

// getActiveHandle returns the handle for the currently active view.
func (a *Agent) getActiveHandle() *ptyHandle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.handleFor(a.activePTY)
}

// WriteInput forwards input bytes to the active PTY via the broker.
func (a *Agent) WriteInput(input []byte) error {
	h := a.getActiveHandle()
	if h == nil {
		return fmt.Errorf("agent: no active pty")
	}
	return a.client.WritePtyInput(h.sessionID, input)
}

// Resize applies new dimensions to both PTYs via the broker and keeps the
// local shadow screens in sync.
func (a *Agent) Resize(rows, cols uint16) error {
	a.mu.Lock()
	cli, server := a.cli, a.server
	a.mu.Unlock()

	if cli != nil {
		if err := a.client.ResizePty(cli.sessionID, rows, cols); err != nil {
			return err
		}
		cli.mu.Lock()
		cli.rows, cli.cols = rows, cols
		cli.parser.SetSize(int(rows), int(cols))
		cli.mu.Unlock()
	}
	if server != nil {
		if err := a.client.ResizePty(server.sessionID, rows, cols); err != nil {
			return err
		}
		server.mu.Lock()
		server.rows, server.cols = rows, cols
		server.parser.SetSize(int(rows), int(cols))
		server.mu.Unlock()
	}
	return nil
}

// TogglePTYView switches between CLI and Server PTY views.
func (a *Agent) TogglePTYView() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activePTY == PTYViewCLI && a.server != nil {
		a.activePTY = PTYViewServer
	} else {
		a.activePTY = PTYViewCLI
	}
}

// GetActivePTYView returns which PTY view is currently active.
func (a *Agent) GetActivePTYView() PTYView {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.activePTY
}

// MarkExited records that the given view's child process exited on its own,
// without an explicit Close. The CLI view exiting ends the agent; a server
// view exiting just drops that view, since the CLI session may still be
// live.
func (a *Agent) MarkExited(view PTYView) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch view {
	case PTYViewCLI:
		a.Status = StatusCompleted
	case PTYViewServer:
		a.server = nil
	}
}

// HasServerPTY returns true if a server PTY is registered.
func (a *Agent) HasServerPTY() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.server != nil
}

// SessionKey returns a unique key for this agent session.
// Format: "owner-repo-42" for issues, "owner-repo-branch-name" for branches.
func (a *Agent) SessionKey() string {
	repoSafe := strings.ReplaceAll(a.Repo, "/", "-")
	if a.IssueNumber != nil {
		return fmt.Sprintf("%s-%d", repoSafe, *a.IssueNumber)
	}
	branchSafe := strings.ReplaceAll(a.BranchName, "/", "-")
	return fmt.Sprintf("%s-%s", repoSafe, branchSafe)
}

// Age returns how long the agent has been running.
func (a *Agent) Age() time.Duration {
	return time.Since(a.StartTime)
}

// Close unregisters both PTYs from the broker. The broker process and its
// child processes are not killed by this call; only kill_all does that.
func (a *Agent) Close() error {
	a.mu.Lock()
	cli, server := a.cli, a.server
	a.mu.Unlock()

	var firstErr error
	if cli != nil {
		if err := a.client.UnregisterPty(cli.sessionID); err != nil {
			firstErr = err
		}
	}
	if server != nil {
		if err := a.client.UnregisterPty(server.sessionID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetID returns the agent's unique identifier as a string.
func (a *Agent) GetID() string {
	return a.ID.String()
}

// Read implements io.Reader over the active view's streamed PTY output, for
// sshserver's io.Copy(session, agent) bridge. Only one reader should be
// attached at a time; concurrent readers race over the same buffer.
func (a *Agent) Read(p []byte) (int, error) {
	if len(a.readBuf) == 0 {
		chunk, ok := <-a.rawOutputCh
		if !ok {
			return 0, io.EOF
		}
		a.readBuf = chunk
	}
	n := copy(p, a.readBuf)
	a.readBuf = a.readBuf[n:]
	return n, nil
}

// Write implements io.Writer by forwarding bytes to the active PTY via the
// broker, for sshserver's io.Copy(agent, session) bridge.
func (a *Agent) Write(p []byte) (int, error) {
	if err := a.WriteInput(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ResizeSSH adapts an SSH window-size change to Resize.
func (a *Agent) ResizeSSH(rows, cols int) error {
	return a.Resize(uint16(rows), uint16(cols))
}

// --- Screen methods, delegating to the active view's local shadow screen ---

func (a *Agent) GetScreen() []string {
	h := a.getActiveHandle()
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.parser.GetScreen()
}

func (a *Agent) GetScreenAsANSI() string {
	h := a.getActiveHandle()
	if h == nil {
		return ""
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.parser.GetScreenAsANSI()
}

func (a *Agent) GetScreenForTUI() []string {
	h := a.getActiveHandle()
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.parser.GetScreenForTUI()
}

func (a *Agent) GetScreenCells() [][]vt100.CellInfo {
	h := a.getActiveHandle()
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.parser.GetScreenCells()
}

func (a *Agent) HasScreenChanged() bool {
	h := a.getActiveHandle()
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	hash := h.parser.GetScreenHash()
	changed := hash != h.lastScreenHash
	h.lastScreenHash = hash
	return changed
}

// --- Scroll methods ---

func (a *Agent) ScrollUp(lines int) {
	h := a.getActiveHandle()
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scrollOffset += lines
	if max := h.parser.ScrollbackCount(); h.scrollOffset > max {
		h.scrollOffset = max
	}
}

func (a *Agent) ScrollDown(lines int) {
	h := a.getActiveHandle()
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scrollOffset -= lines
	if h.scrollOffset < 0 {
		h.scrollOffset = 0
	}
}

func (a *Agent) ScrollReset() {
	h := a.getActiveHandle()
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scrollOffset = 0
}

func (a *Agent) ScrollToTop() {
	h := a.getActiveHandle()
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scrollOffset = h.parser.ScrollbackCount()
}

func (a *Agent) GetScrollOffset() int {
	h := a.getActiveHandle()
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.scrollOffset
}

func (a *Agent) ScrollbackCount() int {
	h := a.getActiveHandle()
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.parser.ScrollbackCount()
}

// --- Notification and activity ---

// Notifications returns the channel for receiving terminal notifications
// detected locally from the streamed output. The broker also detects and
// forwards these independently for reconnect-durable delivery; this local
// channel serves immediate in-process consumers like the TUI.
func (a *Agent) Notifications() <-chan notification.Notification {
	return a.notificationChan
}

func (a *Agent) GetLastActivity() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.LastActivity
}

func (a *Agent) TimeSinceLastActivity() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return time.Since(a.LastActivity)
}

// SessionRef pairs a broker session id with the PTY view it belongs to.
type SessionRef struct {
	View      PTYView
	SessionID uint32
}

// SessionIDs returns every broker session id this agent owns and which view
// each belongs to, used by the hub to route BrokerPtyOutput events and to
// rehydrate snapshots after a broker reconnect.
func (a *Agent) SessionIDs() []SessionRef {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []SessionRef
	if a.cli != nil {
		out = append(out, SessionRef{PTYViewCLI, a.cli.sessionID})
	}
	if a.server != nil {
		out = append(out, SessionRef{PTYViewServer, a.server.sessionID})
	}
	return out
}
