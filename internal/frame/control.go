package frame

import "encoding/json"

// FdTransferMeta is the FdTransfer frame's JSON payload. The master FD
// itself is never in this struct: it travels as SCM_RIGHTS ancillary data
// alongside the frame on the same sendmsg call.
type FdTransferMeta struct {
	AgentKey string `json:"agent_key"`
	PtyIndex uint32 `json:"pty_index"`
	ChildPID uint32 `json:"child_pid"`
	Rows     uint16 `json:"rows"`
	Cols     uint16 `json:"cols"`
}

// HubControl is the hub->broker control tagged union, carried as the
// payload of a HubControl frame.
type HubControl struct {
	Type      string  `json:"type"`
	Seconds   *uint64 `json:"seconds,omitempty"`
	SessionID *uint32 `json:"session_id,omitempty"`
	Rows      *uint16 `json:"rows,omitempty"`
	Cols      *uint16 `json:"cols,omitempty"`
}

const (
	HubControlSetTimeout    = "set_timeout"
	HubControlResizePty     = "resize_pty"
	HubControlUnregisterPty = "unregister_pty"
	HubControlGetSnapshot   = "get_snapshot"
	HubControlKillAll       = "kill_all"
	HubControlPing          = "ping"
)

// EncodeHubControl marshals a HubControl value to JSON bytes.
func EncodeHubControl(c HubControl) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeHubControl unmarshals a HubControl JSON payload.
func DecodeHubControl(data []byte) (HubControl, error) {
	var c HubControl
	err := json.Unmarshal(data, &c)
	return c, err
}

// BrokerControl is the broker->hub control tagged union, carried as the
// payload of a BrokerControl frame.
type BrokerControl struct {
	Type      string  `json:"type"`
	SessionID *uint32 `json:"session_id,omitempty"`
	Message   string  `json:"message,omitempty"`
	AgentKey  string  `json:"agent_key,omitempty"`
	PtyIndex  *uint32 `json:"pty_index,omitempty"`
	ExitCode  *int    `json:"exit_code,omitempty"`

	// NotificationType/Message/Title/Body carry an OSC 9 / OSC 777
	// notification detected by the broker-side shadow screen, for
	// BrokerControlNotification.
	NotificationType    string `json:"notification_type,omitempty"`
	NotificationMessage string `json:"notification_message,omitempty"`
	NotificationTitle   string `json:"notification_title,omitempty"`
	NotificationBody    string `json:"notification_body,omitempty"`
}

const (
	BrokerControlRegistered   = "registered"
	BrokerControlAck          = "ack"
	BrokerControlPong         = "pong"
	BrokerControlError        = "error"
	BrokerControlPtyExited    = "pty_exited"
	BrokerControlNotification = "notification"
)

// EncodeBrokerControl marshals a BrokerControl value to JSON bytes.
func EncodeBrokerControl(c BrokerControl) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeBrokerControl unmarshals a BrokerControl JSON payload.
func DecodeBrokerControl(data []byte) (BrokerControl, error) {
	var c BrokerControl
	err := json.Unmarshal(data, &c)
	return c, err
}

// Uint32Ptr, Uint16Ptr, Uint64Ptr, and IntPtr are small helpers for
// constructing the optional fields of the control structs above.
func Uint32Ptr(v uint32) *uint32 { return &v }
func Uint16Ptr(v uint16) *uint16 { return &v }
func Uint64Ptr(v uint64) *uint64 { return &v }
func IntPtr(v int) *int          { return &v }
