// Package browserlink composes the crypto, reliability, and transport layers
// into one per-browser-peer pipe between a hub agent and a connected
// browser: relay's terminal message schema rides over a reliable.Sender/
// Receiver pair, wrapped in a reliable.WireMessage, sent through a
// channel.Channel whose CryptoProvider encrypts per peer.
package browserlink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgehub/agenthub/internal/channel"
	"github.com/forgehub/agenthub/internal/reliable"
	"github.com/forgehub/agenthub/internal/relay"
)

// Link is one reliable, encrypted pipe to a single browser peer, backing
// either an agent's terminal view or its preview (dev-server) view.
type Link struct {
	peerID string
	ch     *channel.Channel
	sender *reliable.Sender
	recv   *reliable.Receiver
	logger *slog.Logger
}

// New builds a Link addressed to peerID over an already-connected Channel.
func New(peerID string, ch *channel.Channel, baseTimeout, reorderTTL time.Duration, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		peerID: peerID,
		ch:     ch,
		sender: reliable.NewSenderWithBaseTimeout(baseTimeout),
		recv:   reliable.NewReceiverWithTTL(reorderTTL),
		logger: logger,
	}
}

// SendTerminal assigns the message the next sequence number and delivers it
// wrapped in a WireMessage over the channel.
func (l *Link) SendTerminal(msg relay.TerminalMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("browserlink: failed to encode terminal message: %w", err)
	}

	seq := l.sender.Send(payload, time.Now())
	wire, err := reliable.EncodeWire(reliable.WireMessage{
		Type:    reliable.MsgData,
		Seq:     seq,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return l.ch.SendTo(l.peerID, wire)
}

// HandleIncoming processes one decrypted payload received from the peer: a
// Data WireMessage is acked and, once in-order, parsed into browser events;
// an Ack WireMessage is applied to this Link's own sender.
func (l *Link) HandleIncoming(raw []byte) ([]relay.BrowserEvent, error) {
	wire, err := reliable.DecodeWire(raw)
	if err != nil {
		return nil, err
	}

	switch wire.Type {
	case reliable.MsgAck:
		l.sender.ProcessAck(wire.Ranges)
		return nil, nil

	case reliable.MsgData:
		delivered, reset := l.recv.Receive(wire.Seq, wire.Payload, time.Now())
		if reset {
			l.logger.Info("browser peer session reset, resetting sender", "peer", l.peerID)
			l.sender.Reset()
		}
		if err := l.sendAck(); err != nil {
			l.logger.Warn("failed to send ack", "peer", l.peerID, "error", err)
		}

		var events []relay.BrowserEvent
		for _, payload := range delivered {
			cmd, err := relay.ParseBrowserCommand(payload)
			if err != nil {
				l.logger.Warn("failed to parse browser command", "peer", l.peerID, "error", err)
				continue
			}
			events = append(events, relay.CommandToEvent(cmd))
		}
		return events, nil

	default:
		return nil, fmt.Errorf("browserlink: unknown wire message type %d", wire.Type)
	}
}

func (l *Link) sendAck() error {
	wire, err := reliable.EncodeWire(reliable.WireMessage{
		Type:   reliable.MsgAck,
		Ranges: l.recv.AckRanges(),
	})
	if err != nil {
		return err
	}
	return l.ch.SendTo(l.peerID, wire)
}

// Tick drives retransmission of unacknowledged messages.
func (l *Link) Tick(now time.Time) {
	for _, rt := range l.sender.Tick(now) {
		wire, err := reliable.EncodeWire(reliable.WireMessage{
			Type:    reliable.MsgData,
			Seq:     rt.Seq,
			Payload: rt.Payload,
		})
		if err != nil {
			continue
		}
		if err := l.ch.SendTo(l.peerID, wire); err != nil {
			l.logger.Warn("failed to retransmit", "peer", l.peerID, "seq", rt.Seq, "error", err)
		}
	}
	for _, failed := range l.sender.FailedMessages() {
		l.logger.Warn("message delivery exhausted retries", "peer", l.peerID, "seq", failed.Seq)
	}
	l.sender.ClearFailed()
}

// PeerID returns the browser peer this Link is addressed to.
func (l *Link) PeerID() string {
	return l.peerID
}
