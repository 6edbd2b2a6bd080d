package brokerclient

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"

	"github.com/forgehub/agenthub/internal/frame"
)

// RegisterPty hands off a PTY master FD to the broker via SCM_RIGHTS and
// waits for the broker to assign a session_id. The hub closes its own copy
// immediately after the kernel duplicates the FD into the broker process.
func (c *Client) RegisterPty(meta frame.FdTransferMeta, master *os.File) (uint32, error) {
	payload, err := json.Marshal(meta)
	if err != nil {
		return 0, err
	}

	rights := syscall.UnixRights(int(master.Fd()))
	encoded := frame.Encode(frame.Frame{Type: frame.FdTransfer, Payload: payload})

	c.writeMu.Lock()
	_, _, err = c.conn.WriteMsgUnix(encoded, rights, nil)
	c.writeMu.Unlock()
	_ = master.Close()
	if err != nil {
		return 0, fmt.Errorf("brokerclient: failed to send fd_transfer: %w", err)
	}

	resp, err := c.awaitResponse(DefaultCallTimeout)
	if err != nil {
		return 0, err
	}
	ctl, err := frame.DecodeBrokerControl(resp.Payload)
	if err != nil {
		return 0, fmt.Errorf("brokerclient: malformed register response: %w", err)
	}
	if ctl.Type != frame.BrokerControlRegistered || ctl.SessionID == nil {
		return 0, fmt.Errorf("brokerclient: unexpected register response %q", ctl.Type)
	}
	return *ctl.SessionID, nil
}

// ResizePty is fire-and-forget; the broker applies it immediately with no
// acknowledgment.
func (c *Client) ResizePty(sessionID uint32, rows, cols uint16) error {
	payload, err := frame.EncodeHubControl(frame.HubControl{
		Type:      frame.HubControlResizePty,
		SessionID: frame.Uint32Ptr(sessionID),
		Rows:      frame.Uint16Ptr(rows),
		Cols:      frame.Uint16Ptr(cols),
	})
	if err != nil {
		return err
	}
	return c.writeFrame(frame.Frame{Type: frame.HubControlFrame, SessionID: sessionID, Payload: payload})
}

// WritePtyInput is fire-and-forget: opaque input bytes forwarded to the
// PTY master.
func (c *Client) WritePtyInput(sessionID uint32, input []byte) error {
	return c.writeFrame(frame.Frame{Type: frame.PtyInput, SessionID: sessionID, Payload: input})
}

// UnregisterPty closes the session's master FD on the broker side and waits
// for the Ack.
func (c *Client) UnregisterPty(sessionID uint32) error {
	payload, err := frame.EncodeHubControl(frame.HubControl{
		Type:      frame.HubControlUnregisterPty,
		SessionID: frame.Uint32Ptr(sessionID),
	})
	if err != nil {
		return err
	}
	if err := c.writeFrame(frame.Frame{Type: frame.HubControlFrame, SessionID: sessionID, Payload: payload}); err != nil {
		return err
	}

	resp, err := c.awaitResponse(DefaultCallTimeout)
	if err != nil {
		return err
	}
	ctl, err := frame.DecodeBrokerControl(resp.Payload)
	if err != nil {
		return fmt.Errorf("brokerclient: malformed unregister response: %w", err)
	}
	if ctl.Type != frame.BrokerControlAck {
		return fmt.Errorf("brokerclient: unexpected unregister response %q", ctl.Type)
	}
	return nil
}

// GetSnapshot requests the shadow screen's rendered-ANSI contents.
func (c *Client) GetSnapshot(sessionID uint32) ([]byte, error) {
	payload, err := frame.EncodeHubControl(frame.HubControl{
		Type:      frame.HubControlGetSnapshot,
		SessionID: frame.Uint32Ptr(sessionID),
	})
	if err != nil {
		return nil, err
	}
	if err := c.writeFrame(frame.Frame{Type: frame.HubControlFrame, SessionID: sessionID, Payload: payload}); err != nil {
		return nil, err
	}

	resp, err := c.awaitResponse(DefaultCallTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Type != frame.Snapshot {
		return nil, fmt.Errorf("brokerclient: unexpected response type %q for get_snapshot", resp.Type.String())
	}
	return resp.Payload, nil
}

// SetTimeoutSeconds configures how long the broker retains sessions after
// the hub disconnects before killing every child. Fire-and-forget.
func (c *Client) SetTimeoutSeconds(seconds uint64) error {
	payload, err := frame.EncodeHubControl(frame.HubControl{
		Type:    frame.HubControlSetTimeout,
		Seconds: frame.Uint64Ptr(seconds),
	})
	if err != nil {
		return err
	}
	return c.writeFrame(frame.Frame{Type: frame.HubControlFrame, Payload: payload})
}

// Ping verifies the broker is alive and responding, the usual handshake
// after adjusting the reconnect timeout.
func (c *Client) Ping() error {
	payload, err := frame.EncodeHubControl(frame.HubControl{Type: frame.HubControlPing})
	if err != nil {
		return err
	}
	if err := c.writeFrame(frame.Frame{Type: frame.HubControlFrame, Payload: payload}); err != nil {
		return err
	}

	resp, err := c.awaitResponse(DefaultCallTimeout)
	if err != nil {
		return err
	}
	ctl, err := frame.DecodeBrokerControl(resp.Payload)
	if err != nil {
		return fmt.Errorf("brokerclient: malformed ping response: %w", err)
	}
	if ctl.Type != frame.BrokerControlPong {
		return fmt.Errorf("brokerclient: unexpected ping response %q", ctl.Type)
	}
	return nil
}
