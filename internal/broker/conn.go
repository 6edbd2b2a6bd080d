package broker

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"syscall"

	"github.com/forgehub/agenthub/internal/frame"
)

// readBufSize is the per-recvmsg read size; generous enough that a single
// FdTransfer frame (well under a kilobyte of JSON) always arrives whole.
const readBufSize = 64 * 1024

// maxOOBSize comfortably fits the ancillary data for one transferred FD.
const maxOOBSize = 128

// connWriter adapts a single hub connection to ptysession.FrameWriter,
// serializing writes so concurrent reader goroutines across sessions never
// interleave partial frames on the wire.
type connWriter struct {
	mu   sync.Mutex
	conn *net.UnixConn
}

func (w *connWriter) WriteFrame(f frame.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.conn.Write(frame.Encode(f))
	return err
}

// serveConn owns one hub connection end to end: it installs itself as the
// broker's shared writer target, receives FdTransfer frames (decoding their
// SCM_RIGHTS ancillary data into live file descriptors) and HubControl
// frames, dispatches each, and returns once the connection closes or a
// terminal control command is received.
func (b *Broker) serveConn(ctx context.Context, conn *net.UnixConn) connExitReason {
	defer conn.Close()

	b.writer.Swap(&connWriter{conn: conn})

	decoder := frame.NewDecoder()
	var pendingFDs []int
	defer closeAll(pendingFDs)

	readBuf := make([]byte, readBufSize)
	oobBuf := make([]byte, maxOOBSize)

	for {
		if ctx.Err() != nil {
			return exitContextDone
		}

		n, oobn, _, _, err := conn.ReadMsgUnix(readBuf, oobBuf)
		if err != nil {
			return exitDisconnect
		}

		if oobn > 0 {
			fds, ferr := parseRights(oobBuf[:oobn])
			if ferr != nil {
				b.logger.Error("failed to parse SCM_RIGHTS ancillary data", "error", ferr)
			} else {
				pendingFDs = append(pendingFDs, fds...)
			}
		}

		if n == 0 {
			continue
		}

		frames, derr := decoder.Feed(readBuf[:n])
		if derr != nil {
			b.logger.Error("frame decode error, dropping connection", "error", derr)
			return exitDisconnect
		}

		for _, f := range frames {
			reason, terminal := b.dispatch(f, &pendingFDs)
			if terminal {
				return reason
			}
		}
	}
}

func parseRights(oob []byte) ([]int, error) {
	scms, err := syscall.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, scm := range scms {
		rights, err := syscall.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		syscall.Close(fd)
	}
}

// dispatch handles one decoded frame. It returns a connExitReason and true
// when the connection should end (a kill_all was processed, or the context
// was canceled mid-dispatch); otherwise the second value is false and the
// reason is ignored.
func (b *Broker) dispatch(f frame.Frame, pendingFDs *[]int) (connExitReason, bool) {
	switch f.Type {
	case frame.FdTransfer:
		b.handleFdTransfer(f, pendingFDs)

	case frame.HubControlFrame:
		ctl, err := frame.DecodeHubControl(f.Payload)
		if err != nil {
			b.logger.Error("malformed hub control frame", "error", err)
			return 0, false
		}
		if ctl.Type == frame.HubControlKillAll {
			b.killAll("kill_all received")
			return exitKillAll, true
		}
		b.handleHubControl(ctl)

	case frame.PtyInput:
		if s, ok := b.session(f.SessionID); ok {
			if _, err := s.WriteInput(f.Payload); err != nil {
				b.logger.Warn("failed to write pty input", "session_id", f.SessionID, "error", err)
			}
		}

	default:
		b.logger.Warn("unexpected frame type from hub", "type", f.Type.String())
	}
	return 0, false
}

func (b *Broker) handleFdTransfer(f frame.Frame, pendingFDs *[]int) {
	var meta frame.FdTransferMeta
	if err := json.Unmarshal(f.Payload, &meta); err != nil {
		b.logger.Error("malformed fd_transfer payload", "error", err)
		return
	}
	if len(*pendingFDs) == 0 {
		b.logger.Error("fd_transfer frame arrived with no ancillary file descriptor")
		return
	}

	fd := (*pendingFDs)[0]
	*pendingFDs = (*pendingFDs)[1:]

	id, err := b.register(meta, uintptr(fd))
	if err != nil {
		b.logger.Error("failed to register pty session", "error", err)
		syscall.Close(fd)
		return
	}

	payload, err := frame.EncodeBrokerControl(frame.BrokerControl{
		Type:      frame.BrokerControlRegistered,
		SessionID: frame.Uint32Ptr(id),
	})
	if err != nil {
		b.logger.Error("failed to encode registered response", "error", err)
		return
	}
	if err := b.writer.Write(frame.Frame{Type: frame.BrokerControlFrame, SessionID: id, Payload: payload}); err != nil {
		b.logger.Warn("failed to send registered response", "error", err)
	}
}

func (b *Broker) handleHubControl(ctl frame.HubControl) {
	switch ctl.Type {
	case frame.HubControlSetTimeout:
		if ctl.Seconds != nil {
			b.setReconnectTimeoutSeconds(*ctl.Seconds)
		}

	case frame.HubControlResizePty:
		if ctl.SessionID == nil || ctl.Rows == nil || ctl.Cols == nil {
			return
		}
		if s, ok := b.session(*ctl.SessionID); ok {
			if err := s.Resize(*ctl.Rows, *ctl.Cols); err != nil {
				b.logger.Warn("resize_pty failed", "session_id", *ctl.SessionID, "error", err)
			}
		}

	case frame.HubControlUnregisterPty:
		if ctl.SessionID == nil {
			return
		}
		sessionID := *ctl.SessionID
		if err := b.unregister(sessionID); err != nil {
			b.logger.Warn("unregister_pty failed", "session_id", sessionID, "error", err)
		}
		b.sendAck(sessionID)

	case frame.HubControlGetSnapshot:
		if ctl.SessionID == nil {
			return
		}
		b.sendSnapshot(*ctl.SessionID)

	case frame.HubControlPing:
		b.sendPong()

	default:
		b.logger.Warn("unknown hub control type", "type", ctl.Type)
	}
}

func (b *Broker) sendAck(sessionID uint32) {
	payload, err := frame.EncodeBrokerControl(frame.BrokerControl{
		Type:      frame.BrokerControlAck,
		SessionID: frame.Uint32Ptr(sessionID),
	})
	if err != nil {
		return
	}
	_ = b.writer.Write(frame.Frame{Type: frame.BrokerControlFrame, SessionID: sessionID, Payload: payload})
}

func (b *Broker) sendPong() {
	payload, err := frame.EncodeBrokerControl(frame.BrokerControl{Type: frame.BrokerControlPong})
	if err != nil {
		return
	}
	_ = b.writer.Write(frame.Frame{Type: frame.BrokerControlFrame, Payload: payload})
}

func (b *Broker) sendSnapshot(sessionID uint32) {
	s, ok := b.session(sessionID)
	if !ok {
		return
	}
	_ = b.writer.Write(frame.Frame{Type: frame.Snapshot, SessionID: sessionID, Payload: s.Snapshot()})
}

func (b *Broker) setReconnectTimeoutSeconds(seconds uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnectTimeout = secondsToDuration(seconds)
}
