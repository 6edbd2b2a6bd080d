package broker

import (
	"os"
	"sync"
	"syscall"
	"testing"

	"github.com/forgehub/agenthub/internal/frame"
)

type recordingWriter struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (w *recordingWriter) WriteFrame(f frame.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, f)
	return nil
}

func (w *recordingWriter) last() (frame.Frame, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.frames) == 0 {
		return frame.Frame{}, false
	}
	return w.frames[len(w.frames)-1], true
}

func newTestBroker(t *testing.T) (*Broker, *recordingWriter) {
	t.Helper()
	b := New(Config{SocketPath: t.TempDir() + "/broker.sock"})
	rw := &recordingWriter{}
	b.writer.Swap(rw)
	return b, rw
}

// pipeFD returns the read end of an os.Pipe as a raw fd duplicated so the
// caller can hand ownership to register() the same way a transferred PTY
// master FD would arrive.
func pipeFD(t *testing.T) (uintptr, func()) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	fd, err := syscall.Dup(int(r.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	r.Close()
	return uintptr(fd), func() { w.Close() }
}

func TestRegisterAndUnregister(t *testing.T) {
	b, rw := newTestBroker(t)
	fd, cleanup := pipeFD(t)
	defer cleanup()

	id, err := b.register(frame.FdTransferMeta{AgentKey: "agent-1", PtyIndex: 0, ChildPID: 0, Rows: 24, Cols: 80}, fd)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if b.SessionCount() != 1 {
		t.Fatalf("SessionCount = %d, want 1", b.SessionCount())
	}

	if err := b.unregister(id); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if b.SessionCount() != 0 {
		t.Fatalf("SessionCount after unregister = %d, want 0", b.SessionCount())
	}
	_ = rw
}

func TestDispatchGetSnapshotSendsSnapshotFrame(t *testing.T) {
	b, rw := newTestBroker(t)
	fd, cleanup := pipeFD(t)
	defer cleanup()

	id, err := b.register(frame.FdTransferMeta{AgentKey: "agent-1", PtyIndex: 0, Rows: 24, Cols: 80}, fd)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	b.handleHubControl(frame.HubControl{Type: frame.HubControlGetSnapshot, SessionID: frame.Uint32Ptr(id)})

	last, ok := rw.last()
	if !ok || last.Type != frame.Snapshot || last.SessionID != id {
		t.Fatalf("expected a Snapshot frame for session %d, got %+v (ok=%v)", id, last, ok)
	}
}

func TestDispatchPingSendsPong(t *testing.T) {
	b, rw := newTestBroker(t)
	b.handleHubControl(frame.HubControl{Type: frame.HubControlPing})

	last, ok := rw.last()
	if !ok || last.Type != frame.BrokerControlFrame {
		t.Fatalf("expected a BrokerControl frame, got %+v (ok=%v)", last, ok)
	}
	ctl, err := frame.DecodeBrokerControl(last.Payload)
	if err != nil {
		t.Fatalf("DecodeBrokerControl: %v", err)
	}
	if ctl.Type != frame.BrokerControlPong {
		t.Fatalf("control type = %q, want %q", ctl.Type, frame.BrokerControlPong)
	}
}

func TestDispatchUnregisterPtySendsAck(t *testing.T) {
	b, rw := newTestBroker(t)
	fd, cleanup := pipeFD(t)
	defer cleanup()

	id, err := b.register(frame.FdTransferMeta{AgentKey: "agent-1", PtyIndex: 0, Rows: 24, Cols: 80}, fd)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	b.handleHubControl(frame.HubControl{Type: frame.HubControlUnregisterPty, SessionID: frame.Uint32Ptr(id)})

	last, ok := rw.last()
	if !ok || last.Type != frame.BrokerControlFrame {
		t.Fatalf("expected a BrokerControl ack frame, got %+v (ok=%v)", last, ok)
	}
	ctl, err := frame.DecodeBrokerControl(last.Payload)
	if err != nil {
		t.Fatalf("DecodeBrokerControl: %v", err)
	}
	if ctl.Type != frame.BrokerControlAck {
		t.Fatalf("control type = %q, want %q", ctl.Type, frame.BrokerControlAck)
	}
	if b.SessionCount() != 0 {
		t.Fatalf("SessionCount after unregister_pty = %d, want 0", b.SessionCount())
	}
}

func TestSetTimeoutUpdatesReconnectTimeout(t *testing.T) {
	b, _ := newTestBroker(t)
	b.handleHubControl(frame.HubControl{Type: frame.HubControlSetTimeout, Seconds: frame.Uint64Ptr(10)})

	b.mu.Lock()
	timeout := b.reconnectTimeout
	b.mu.Unlock()

	if timeout.Seconds() != 10 {
		t.Fatalf("reconnectTimeout = %v, want 10s", timeout)
	}
}

func TestKillAllRemovesAllSessions(t *testing.T) {
	b, _ := newTestBroker(t)
	fd1, cleanup1 := pipeFD(t)
	defer cleanup1()
	fd2, cleanup2 := pipeFD(t)
	defer cleanup2()

	if _, err := b.register(frame.FdTransferMeta{AgentKey: "a1", Rows: 24, Cols: 80}, fd1); err != nil {
		t.Fatalf("register 1: %v", err)
	}
	if _, err := b.register(frame.FdTransferMeta{AgentKey: "a2", Rows: 24, Cols: 80}, fd2); err != nil {
		t.Fatalf("register 2: %v", err)
	}
	if b.SessionCount() != 2 {
		t.Fatalf("SessionCount = %d, want 2", b.SessionCount())
	}

	b.killAll("test")
	if b.SessionCount() != 0 {
		t.Fatalf("SessionCount after killAll = %d, want 0", b.SessionCount())
	}
}
