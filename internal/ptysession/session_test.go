package ptysession

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"

	"github.com/forgehub/agenthub/internal/frame"
)

type recordingWriter struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (r *recordingWriter) WriteFrame(f frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingWriter) collected() []frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frame.Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

func newTestSession(t *testing.T) (*Session, *recordingWriter, func()) {
	t.Helper()

	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable in this environment: %v", err)
	}
	_ = tty.Close()

	w := &recordingWriter{}
	cell := NewWriterCell()
	cell.Swap(w)

	s := New(Config{
		ID:       1,
		AgentKey: "agent-a",
		PtyIndex: 0,
		ChildPID: 0,
		Master:   ptmx,
		Rows:     24,
		Cols:     80,
		Writer:   cell,
	})
	s.Start()

	cleanup := func() {
		_ = s.Unregister()
	}
	return s, w, cleanup
}

func TestSessionForwardsOutputAndFillsRingBuffer(t *testing.T) {
	s, w, cleanup := newTestSession(t)
	defer cleanup()

	n, err := s.WriteInput([]byte("echo hi\n"))
	if err != nil || n == 0 {
		t.Fatalf("WriteInput: n=%d err=%v", n, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(w.collected()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	frames := w.collected()
	if len(frames) == 0 {
		t.Fatal("expected at least one PtyOutput frame to be forwarded")
	}
	for _, f := range frames {
		if f.Type != frame.PtyOutput || f.SessionID != 1 {
			t.Fatalf("unexpected frame: %+v", f)
		}
	}

	if s.ring.Len() == 0 {
		t.Fatal("expected ring buffer to accumulate bytes")
	}
}

func TestRingBufferEvictsOldestBeyondCap(t *testing.T) {
	r := NewRingBuffer(8)
	r.Write([]byte("12345"))
	r.Write([]byte("67890"))

	got := r.Bytes()
	if !bytes.Equal(got, []byte("34567890")) {
		t.Fatalf("expected eviction of oldest bytes, got %q", got)
	}
	if r.Len() != 8 {
		t.Fatalf("expected len capped at 8, got %d", r.Len())
	}
}

func TestWriterCellSwapRoutesWithoutReaderRestart(t *testing.T) {
	cell := NewWriterCell()

	w1 := &recordingWriter{}
	cell.Swap(w1)
	if err := cell.Write(frame.Frame{Type: frame.PtyOutput, SessionID: 1}); err != nil {
		t.Fatalf("write to w1: %v", err)
	}

	w2 := &recordingWriter{}
	cell.Swap(w2)
	if err := cell.Write(frame.Frame{Type: frame.PtyOutput, SessionID: 1}); err != nil {
		t.Fatalf("write to w2: %v", err)
	}

	if len(w1.collected()) != 1 {
		t.Fatalf("expected w1 to have received exactly 1 frame before swap, got %d", len(w1.collected()))
	}
	if len(w2.collected()) != 1 {
		t.Fatalf("expected w2 to have received exactly 1 frame after swap, got %d", len(w2.collected()))
	}
}

func TestSnapshotReflectsShadowScreenNotRing(t *testing.T) {
	s, _, cleanup := newTestSession(t)
	defer cleanup()

	s.shadow.Process([]byte("hello from the shadow screen"))

	deadline := time.Now().Add(500 * time.Millisecond)
	var snap string
	for time.Now().Before(deadline) {
		snap = strings.TrimSpace(string(s.Snapshot()))
		if strings.Contains(snap, "hello from the shadow screen") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(snap, "hello from the shadow screen") {
		t.Fatalf("expected snapshot to contain written text, got %q", snap)
	}
}
