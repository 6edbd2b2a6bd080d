package cryptosession

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Kind distinguishes a session-establishing PreKey envelope from a normal
// ratcheted ciphertext.
type Kind uint8

const (
	KindPreKey Kind = 0
	KindNormal Kind = 1
)

// Envelope is a decoded ciphertext envelope, independent of which wire
// form (JSON or binary) carried it.
type Envelope struct {
	Kind           Kind
	SenderIdentity [32]byte // only meaningful when Kind == KindPreKey
	Ciphertext     []byte
}

// jsonEnvelope is the control/signaling wire form: {t, b, k?}.
type jsonEnvelope struct {
	T uint8  `json:"t"`
	B string `json:"b"`
	K string `json:"k,omitempty"`
}

// EncodeJSON renders an envelope as the JSON wire form used over the relay
// channel for control/signaling traffic.
func EncodeJSON(env Envelope) ([]byte, error) {
	je := jsonEnvelope{
		T: uint8(env.Kind),
		B: base64.StdEncoding.EncodeToString(env.Ciphertext),
	}
	if env.Kind == KindPreKey {
		je.K = base64.StdEncoding.EncodeToString(env.SenderIdentity[:])
	}
	return json.Marshal(je)
}

// DecodeJSON parses the JSON wire form.
func DecodeJSON(data []byte) (Envelope, error) {
	var je jsonEnvelope
	if err := json.Unmarshal(data, &je); err != nil {
		return Envelope{}, fmt.Errorf("cryptosession: invalid json envelope: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(je.B)
	if err != nil {
		return Envelope{}, fmt.Errorf("cryptosession: invalid envelope ciphertext encoding: %w", err)
	}

	env := Envelope{Kind: Kind(je.T), Ciphertext: ciphertext}
	if env.Kind == KindPreKey {
		senderID, err := base64.StdEncoding.DecodeString(je.K)
		if err != nil || len(senderID) != 32 {
			return Envelope{}, fmt.Errorf("cryptosession: invalid PreKey sender identity")
		}
		copy(env.SenderIdentity[:], senderID)
	}
	return env, nil
}

// EncodeBinary renders an envelope as the compact binary wire form used on
// high-throughput data channels: [t:1][sender_identity:32 if PreKey][ciphertext].
func EncodeBinary(env Envelope) []byte {
	var out []byte
	if env.Kind == KindPreKey {
		out = make([]byte, 0, 1+32+len(env.Ciphertext))
		out = append(out, byte(env.Kind))
		out = append(out, env.SenderIdentity[:]...)
	} else {
		out = make([]byte, 0, 1+len(env.Ciphertext))
		out = append(out, byte(env.Kind))
	}
	out = append(out, env.Ciphertext...)
	return out
}

// DecodeBinary parses the binary wire form.
func DecodeBinary(data []byte) (Envelope, error) {
	if len(data) < 1 {
		return Envelope{}, fmt.Errorf("cryptosession: empty binary envelope")
	}

	kind := Kind(data[0])
	rest := data[1:]

	env := Envelope{Kind: kind}
	if kind == KindPreKey {
		if len(rest) < 32 {
			return Envelope{}, fmt.Errorf("cryptosession: truncated PreKey sender identity")
		}
		copy(env.SenderIdentity[:], rest[:32])
		rest = rest[32:]
	}
	env.Ciphertext = append([]byte{}, rest...)
	return env, nil
}

// innerKind tags the inner binary content format carried after decryption
// on the data-channel path.
type innerKind byte

const (
	innerControl innerKind = 0x00
	innerPty     innerKind = 0x01
)

// PtyFlags are the flag bits of an inner PTY payload; currently unused by
// any defined flag but reserved so the wire format doesn't need to change
// when one is added.
type PtyFlags byte

// EncodeInnerControl wraps a JSON control message per the inner binary
// content format: [kind=0x00][len-prefixed JSON].
func EncodeInnerControl(jsonPayload []byte) []byte {
	out := make([]byte, 0, 1+4+len(jsonPayload))
	out = append(out, byte(innerControl))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(jsonPayload)))
	out = append(out, lenBuf[:]...)
	out = append(out, jsonPayload...)
	return out
}

// EncodeInnerPty wraps raw PTY output per the inner binary content format:
// [kind=0x01][flags:1][sub_id_len:1][sub_id][raw_payload].
func EncodeInnerPty(flags PtyFlags, subID string, payload []byte) []byte {
	if len(subID) > 255 {
		subID = subID[:255]
	}
	out := make([]byte, 0, 1+1+1+len(subID)+len(payload))
	out = append(out, byte(innerPty))
	out = append(out, byte(flags))
	out = append(out, byte(len(subID)))
	out = append(out, []byte(subID)...)
	out = append(out, payload...)
	return out
}

// InnerMessage is the parsed result of DecodeInner.
type InnerMessage struct {
	IsControl bool
	Control   []byte // valid when IsControl
	Flags     PtyFlags
	SubID     string
	Payload   []byte // valid when !IsControl
}

// DecodeInner parses the inner binary content format.
func DecodeInner(data []byte) (InnerMessage, error) {
	if len(data) < 1 {
		return InnerMessage{}, fmt.Errorf("cryptosession: empty inner message")
	}

	switch innerKind(data[0]) {
	case innerControl:
		if len(data) < 5 {
			return InnerMessage{}, fmt.Errorf("cryptosession: truncated inner control length")
		}
		n := binary.BigEndian.Uint32(data[1:5])
		if uint32(len(data)-5) < n {
			return InnerMessage{}, fmt.Errorf("cryptosession: truncated inner control payload")
		}
		return InnerMessage{IsControl: true, Control: data[5 : 5+n]}, nil

	case innerPty:
		if len(data) < 3 {
			return InnerMessage{}, fmt.Errorf("cryptosession: truncated inner pty header")
		}
		flags := PtyFlags(data[1])
		subLen := int(data[2])
		if len(data) < 3+subLen {
			return InnerMessage{}, fmt.Errorf("cryptosession: truncated inner pty sub_id")
		}
		subID := string(data[3 : 3+subLen])
		payload := data[3+subLen:]
		return InnerMessage{Flags: flags, SubID: subID, Payload: payload}, nil

	default:
		return InnerMessage{}, fmt.Errorf("cryptosession: unknown inner kind 0x%02x", data[0])
	}
}
