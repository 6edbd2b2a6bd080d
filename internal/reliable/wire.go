package reliable

import (
	"encoding/json"
	"fmt"
)

// MessageType tags a WireMessage as either application data or an
// acknowledgement, the two message kinds that cross the wire between a
// Sender on one side and a Receiver on the other.
type MessageType uint8

const (
	MsgData MessageType = iota
	MsgAck
)

// WireMessage is the envelope a Sender/Receiver pair exchanges over an
// unreliable, unordered channel. Data messages carry one Seq and its
// Payload; Ack messages carry the receiver's current AckRanges and no
// payload.
type WireMessage struct {
	Type    MessageType `json:"t"`
	Seq     uint64      `json:"seq,omitempty"`
	Ranges  []Range     `json:"ranges,omitempty"`
	Payload []byte      `json:"payload,omitempty"`
}

// EncodeWire serializes a WireMessage for the channel transport, which
// itself handles encryption and compression below this layer.
func EncodeWire(m WireMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("reliable: failed to encode wire message: %w", err)
	}
	return data, nil
}

// DecodeWire parses a WireMessage.
func DecodeWire(data []byte) (WireMessage, error) {
	var m WireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return WireMessage{}, fmt.Errorf("reliable: failed to decode wire message: %w", err)
	}
	return m, nil
}
