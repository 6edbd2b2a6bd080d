package agent_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forgehub/agenthub/internal/agent"
	"github.com/forgehub/agenthub/internal/broker"
	"github.com/forgehub/agenthub/internal/brokerclient"
	"github.com/forgehub/agenthub/internal/frame"
)

func startTestBroker(t *testing.T, timeout time.Duration) (string, context.CancelFunc) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "broker.sock")
	ctx, cancel := context.WithCancel(context.Background())

	b := broker.New(broker.Config{SocketPath: socketPath, ReconnectTimeout: timeout})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("broker socket never appeared at %s", socketPath)
		}
		time.Sleep(5 * time.Millisecond)
	}

	return socketPath, func() {
		cancel()
		<-done
	}
}

func newTestClient(t *testing.T) *brokerclient.Client {
	t.Helper()
	socketPath, stop := startTestBroker(t, 5*time.Second)
	t.Cleanup(stop)

	client, err := brokerclient.Connect(socketPath, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client.InstallForwarder()
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNew(t *testing.T) {
	client := newTestClient(t)
	issueNum := 42
	a := agent.New("owner/repo", &issueNum, "agenthub-42", "/tmp/worktree", client)

	if a.Repo != "owner/repo" {
		t.Errorf("Repo = %q, want 'owner/repo'", a.Repo)
	}
	if a.IssueNumber == nil || *a.IssueNumber != 42 {
		t.Errorf("IssueNumber = %v, want 42", a.IssueNumber)
	}
	if a.BranchName != "agenthub-42" {
		t.Errorf("BranchName = %q, want 'agenthub-42'", a.BranchName)
	}
	if a.WorktreePath != "/tmp/worktree" {
		t.Errorf("WorktreePath = %q, want '/tmp/worktree'", a.WorktreePath)
	}
	if a.Status != agent.StatusInitializing {
		t.Errorf("Status = %q, want %q", a.Status, agent.StatusInitializing)
	}
	if a.ID.String() == "" {
		t.Error("ID should be set")
	}
}

func TestSessionKeyWithIssue(t *testing.T) {
	client := newTestClient(t)
	issueNum := 42
	a := agent.New("owner/repo", &issueNum, "agenthub-42", "/tmp/worktree", client)

	key := a.SessionKey()
	if key != "owner-repo-42" {
		t.Errorf("SessionKey = %q, want 'owner-repo-42'", key)
	}
}

func TestSessionKeyWithBranch(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("owner/repo", nil, "feature/new-thing", "/tmp/worktree", client)

	key := a.SessionKey()
	if strings.Contains(key, "/") {
		t.Errorf("SessionKey = %q, should not contain '/'", key)
	}
	if key != "owner-repo-feature-new-thing" {
		t.Errorf("SessionKey = %q, want 'owner-repo-feature-new-thing'", key)
	}
}

func TestAge(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("test/repo", nil, "main", "/tmp", client)

	if a.Age() > time.Second {
		t.Errorf("Age = %v, should be < 1 second for new agent", a.Age())
	}
}

func TestTogglePTYViewWithoutServer(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("test/repo", nil, "main", "/tmp", client)

	a.TogglePTYView()
	if a.GetActivePTYView() != agent.PTYViewCLI {
		t.Errorf("activePTY = %v, should stay CLI when no server", a.GetActivePTYView())
	}
}

func TestGetID(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("test/repo", nil, "main", "/tmp", client)

	if a.GetID() == "" {
		t.Error("GetID should return non-empty string")
	}
}

func TestPTYViewConstants(t *testing.T) {
	if agent.PTYViewCLI != 0 {
		t.Errorf("PTYViewCLI = %d, want 0", agent.PTYViewCLI)
	}
	if agent.PTYViewServer != 1 {
		t.Errorf("PTYViewServer = %d, want 1", agent.PTYViewServer)
	}
}

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		status agent.Status
		want   string
	}{
		{agent.StatusInitializing, "initializing"},
		{agent.StatusRunning, "running"},
		{agent.StatusCompleted, "completed"},
		{agent.StatusFailed, "failed"},
	}

	for _, tt := range tests {
		if string(tt.status) != tt.want {
			t.Errorf("Status = %q, want %q", tt.status, tt.want)
		}
	}
}

func TestWriteInputWithoutPTY(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("test/repo", nil, "main", "/tmp", client)

	if err := a.WriteInput([]byte("test")); err == nil {
		t.Error("WriteInput should fail without a registered pty")
	}
}

func TestGetScreenWithoutPTY(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("test/repo", nil, "main", "/tmp", client)

	if screen := a.GetScreen(); screen != nil {
		t.Errorf("GetScreen without PTY = %v, want nil", screen)
	}
	if ansi := a.GetScreenAsANSI(); ansi != "" {
		t.Errorf("GetScreenAsANSI without PTY = %q, want empty", ansi)
	}
}

func TestScrollWithoutPTY(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("test/repo", nil, "main", "/tmp", client)

	a.ScrollUp(10)
	a.ScrollDown(5)
	a.ScrollReset()

	if offset := a.GetScrollOffset(); offset != 0 {
		t.Errorf("GetScrollOffset = %d, want 0", offset)
	}
}

func TestHasServerPTY(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("test/repo", nil, "main", "/tmp", client)

	if a.HasServerPTY() {
		t.Error("HasServerPTY should be false initially")
	}
}

func TestGetActivePTYView(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("test/repo", nil, "main", "/tmp", client)

	if view := a.GetActivePTYView(); view != agent.PTYViewCLI {
		t.Errorf("GetActivePTYView = %d, want PTYViewCLI", view)
	}
}

func TestNotificationsChannel(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("test/repo", nil, "main", "/tmp", client)

	if ch := a.Notifications(); ch == nil {
		t.Error("Notifications channel should not be nil")
	}
}

func TestScrollbackCountWithoutPTY(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("test/repo", nil, "main", "/tmp", client)

	if count := a.ScrollbackCount(); count != 0 {
		t.Errorf("ScrollbackCount without PTY = %d, want 0", count)
	}
}

// TestRegisterCLIFeedResizeClose exercises the full lifecycle against a real
// in-process broker: register a pty backed by an os.Pipe, feed it streamed
// output the way the hub event loop would, resize it, and unregister it.
func TestRegisterCLIFeedResizeClose(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("test/repo", nil, "main", "/tmp", client)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer w.Close()

	sessionID, err := client.RegisterPty(frame.FdTransferMeta{
		AgentKey: a.SessionKey(),
		PtyIndex: 0,
		Rows:     24,
		Cols:     80,
	}, r)
	if err != nil {
		t.Fatalf("RegisterPty: %v", err)
	}
	a.RegisterCLI(sessionID, 24, 80)

	if a.Status != agent.StatusRunning {
		t.Errorf("Status = %q, want %q", a.Status, agent.StatusRunning)
	}

	if view, ok := a.OwnsSession(sessionID); !ok || view != agent.PTYViewCLI {
		t.Errorf("OwnsSession(%d) = (%v, %v), want (PTYViewCLI, true)", sessionID, view, ok)
	}

	a.FeedOutput(sessionID, []byte("hello screen\r\n"))

	screen := a.GetScreen()
	found := false
	for _, line := range screen {
		if strings.Contains(line, "hello screen") {
			found = true
		}
	}
	if !found {
		t.Errorf("GetScreen() = %v, want a line containing %q", screen, "hello screen")
	}

	if err := a.Resize(30, 100); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	if err := a.WriteInput([]byte("ls\n")); err != nil {
		t.Errorf("WriteInput: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRehydrateFromSnapshot(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("test/repo", nil, "main", "/tmp", client)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer w.Close()

	sessionID, err := client.RegisterPty(frame.FdTransferMeta{
		AgentKey: a.SessionKey(),
		PtyIndex: 0,
		Rows:     24,
		Cols:     80,
	}, r)
	if err != nil {
		t.Fatalf("RegisterPty: %v", err)
	}
	a.RegisterCLI(sessionID, 24, 80)

	snap, err := client.GetSnapshot(sessionID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}

	a.Rehydrate(agent.PTYViewCLI, snap)

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSpawnAndWriteInput(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("test/repo", nil, "main", t.TempDir(), client)

	if err := a.Spawn("cat", nil, 24, 80); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if a.Status != agent.StatusRunning {
		t.Errorf("Status = %q, want %q", a.Status, agent.StatusRunning)
	}

	if err := a.WriteInput([]byte("hello\n")); err != nil {
		t.Errorf("WriteInput failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSpawnServerAndToggleView(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("test/repo", nil, "main", t.TempDir(), client)

	if err := a.Spawn("cat", nil, 24, 80); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := a.SpawnServer("cat", nil, 24, 80); err != nil {
		t.Fatalf("SpawnServer failed: %v", err)
	}
	if !a.HasServerPTY() {
		t.Error("HasServerPTY should be true after SpawnServer")
	}

	a.TogglePTYView()
	if a.GetActivePTYView() != agent.PTYViewServer {
		t.Error("should have switched to server PTY")
	}
	a.TogglePTYView()
	if a.GetActivePTYView() != agent.PTYViewCLI {
		t.Error("should have switched back to CLI PTY")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSessionIDs(t *testing.T) {
	client := newTestClient(t)
	a := agent.New("test/repo", nil, "main", "/tmp", client)

	if refs := a.SessionIDs(); len(refs) != 0 {
		t.Errorf("SessionIDs before register = %v, want empty", refs)
	}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer w.Close()

	sessionID, err := client.RegisterPty(frame.FdTransferMeta{
		AgentKey: a.SessionKey(),
		PtyIndex: 0,
		Rows:     24,
		Cols:     80,
	}, r)
	if err != nil {
		t.Fatalf("RegisterPty: %v", err)
	}
	a.RegisterCLI(sessionID, 24, 80)

	refs := a.SessionIDs()
	if len(refs) != 1 || refs[0].SessionID != sessionID || refs[0].View != agent.PTYViewCLI {
		t.Errorf("SessionIDs after register = %v, want one CLI ref for %d", refs, sessionID)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
