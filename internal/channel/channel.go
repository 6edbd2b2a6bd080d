// Package channel implements a generic peer-to-peer message transport over
// an opaque ActionCable-style WebSocket relay, with exponential-backoff
// reconnection, a learned peer presence table, threshold-gzip compression,
// and externally-composed per-peer encryption.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CompressionThreshold is the minimum payload size, in bytes, above which
// outgoing payloads are gzip-compressed.
const CompressionThreshold = 4 * 1024

// StaleConnectionTimeout is how long a connection may sit with no observed
// activity before the channel forces a reconnect.
const StaleConnectionTimeout = 15 * time.Second

const (
	backoffInitial = 1 * time.Second
	backoffCap     = 30 * time.Second
)

// CryptoProvider encrypts and decrypts payloads for a specific peer. It is
// composed externally: the channel never constructs sessions itself, only
// calls out per send/receive.
type CryptoProvider interface {
	// EncryptFor returns the wire-ready encrypted envelope bytes for a
	// message addressed to peerID.
	EncryptFor(peerID string, plaintext []byte) ([]byte, error)
	// DecryptFrom decrypts envelope bytes received from peerID.
	DecryptFrom(peerID string, envelope []byte) ([]byte, error)
}

// IncomingMessage is one decrypted, decompressed message recv'd from a peer.
type IncomingMessage struct {
	Sender  string
	Payload []byte
}

// Config configures a Channel.
type Config struct {
	URL      string // base relay URL, e.g. "https://hub.example.com"
	HubID    string
	SubIndex string // optional sub-channel index
	APIKey   string
	Crypto   CryptoProvider
	Logger   *slog.Logger

	// StaleTimeout overrides StaleConnectionTimeout; zero uses the default.
	StaleTimeout time.Duration
}

// Channel is one subscription to a named peer-to-peer channel over the
// relay. Connect starts a background goroutine that owns reconnection;
// Send/Recv/Disconnect are safe to call from any goroutine.
type Channel struct {
	cfg Config

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	lastSeen time.Time

	peersMu sync.RWMutex
	peers   map[string]struct{}

	incomingCh chan IncomingMessage

	staleTimeout time.Duration
	logger       *slog.Logger
}

// New constructs a Channel. Call Connect to establish the relay connection.
func New(cfg Config) *Channel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	staleTimeout := cfg.StaleTimeout
	if staleTimeout <= 0 {
		staleTimeout = StaleConnectionTimeout
	}
	return &Channel{
		cfg:          cfg,
		peers:        make(map[string]struct{}),
		incomingCh:   make(chan IncomingMessage, 256),
		staleTimeout: staleTimeout,
		logger:       logger,
	}
}

// Peers returns the set of peer IDs learned so far from decrypted
// envelopes. Peers are never removed automatically; presence is learned by
// the application.
func (c *Channel) Peers() []string {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	out := make([]string, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	return out
}

func (c *Channel) learnPeer(id string) {
	c.peersMu.Lock()
	c.peers[id] = struct{}{}
	c.peersMu.Unlock()
}

// Connect dials the relay and subscribes to the configured channel, then
// runs the reconnect-and-read loop in a background goroutine until ctx is
// canceled or Disconnect is called.
func (c *Channel) Connect(ctx context.Context) error {
	conn, err := c.dialAndSubscribe(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.lastSeen = time.Now()
	c.mu.Unlock()

	go c.runLoop(ctx)
	go c.staleWatchdog(ctx)
	return nil
}

func (c *Channel) dialAndSubscribe(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(c.cfg.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/cable"

	header := http.Header{}
	header.Set("Origin", c.cfg.URL)
	if c.cfg.APIKey != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", c.cfg.APIKey))
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("channel: dial failed: %w", err)
	}

	identifier, _ := json.Marshal(map[string]string{
		"channel":   "PeerChannel",
		"hub_id":    c.cfg.HubID,
		"sub_index": c.cfg.SubIndex,
	})
	sub := map[string]string{"command": "subscribe", "identifier": string(identifier)}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel: subscribe failed: %w", err)
	}
	return conn, nil
}

// runLoop owns the current connection's read side and drives reconnection
// with exponential backoff on failure.
func (c *Channel) runLoop(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		err := c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		c.logger.Warn("channel connection lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff + jitter()):
		}

		newConn, derr := c.dialAndSubscribe(ctx)
		if derr != nil {
			c.logger.Warn("channel reconnect failed", "error", derr)
			backoff = nextBackoff(backoff)
			continue
		}

		c.mu.Lock()
		c.conn = newConn
		c.lastSeen = time.Now()
		c.mu.Unlock()
		backoff = backoffInitial
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffCap {
		next = backoffCap
	}
	return next
}

func jitter() time.Duration {
	return time.Duration(rand.Int63n(int64(1 * time.Second)))
}

// staleWatchdog forces a reconnect if no activity has been observed for
// the channel's configured stale timeout.
func (c *Channel) staleWatchdog(ctx context.Context) {
	ticker := time.NewTicker(c.staleTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := !c.closed && c.conn != nil && time.Since(c.lastSeen) > c.staleTimeout
			conn := c.conn
			c.mu.Unlock()
			if stale && conn != nil {
				c.logger.Warn("channel connection stale, forcing reconnect")
				conn.Close()
			}
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()

		c.handleRelayMessage(data)
	}
}

func (c *Channel) handleRelayMessage(data []byte) {
	var envelope map[string]interface{}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Error("channel: malformed relay message", "error", err)
		return
	}

	if msgType, ok := envelope["type"].(string); ok {
		switch msgType {
		case "welcome", "confirm_subscription", "ping":
		case "reject_subscription", "disconnect":
			c.logger.Warn("channel: relay rejected or ended subscription", "type", msgType)
		}
		return
	}

	message, ok := envelope["message"].(map[string]interface{})
	if !ok {
		return
	}
	sender, _ := message["sender"].(string)
	payloadB64, _ := message["payload"].(string)
	if sender == "" || payloadB64 == "" {
		return
	}

	wireBytes, err := decodeBase64(payloadB64)
	if err != nil {
		c.logger.Error("channel: malformed payload encoding", "error", err)
		return
	}

	wireBytes, err = maybeGunzip(wireBytes)
	if err != nil {
		c.logger.Error("channel: decompression failed", "error", err)
		return
	}

	var plaintext []byte
	if c.cfg.Crypto != nil {
		plaintext, err = c.cfg.Crypto.DecryptFrom(sender, wireBytes)
		if err != nil {
			c.logger.Error("channel: decrypt failed", "sender", sender, "error", err)
			return
		}
	} else {
		plaintext = wireBytes
	}

	c.learnPeer(sender)

	select {
	case c.incomingCh <- IncomingMessage{Sender: sender, Payload: plaintext}:
	default:
		c.logger.Warn("channel: incoming queue full, dropping message", "sender", sender)
	}
}

// SendTo encrypts (if a CryptoProvider is configured), compresses above
// CompressionThreshold, and delivers bytes to a specific peer.
func (c *Channel) SendTo(peerID string, payload []byte) error {
	wireBytes := payload
	if c.cfg.Crypto != nil {
		encrypted, err := c.cfg.Crypto.EncryptFor(peerID, payload)
		if err != nil {
			return fmt.Errorf("channel: encrypt failed: %w", err)
		}
		wireBytes = encrypted
	}

	if len(wireBytes) > CompressionThreshold {
		compressed, err := gzipCompress(wireBytes)
		if err == nil {
			wireBytes = compressed
		} else {
			c.logger.Warn("channel: compression failed, sending uncompressed", "error", err)
		}
	}

	identifier, _ := json.Marshal(map[string]string{
		"channel":   "PeerChannel",
		"hub_id":    c.cfg.HubID,
		"sub_index": c.cfg.SubIndex,
	})
	data, _ := json.Marshal(map[string]string{
		"action":  "send",
		"to":      peerID,
		"payload": encodeBase64(wireBytes),
	})
	msg := map[string]string{
		"command":    "message",
		"identifier": string(identifier),
		"data":       string(data),
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("channel: not connected")
	}
	return conn.WriteJSON(msg)
}

// Recv returns the channel of decrypted incoming messages. Callers drain it
// in a select loop (non-blocking) or a blocking receive.
func (c *Channel) Recv() <-chan IncomingMessage {
	return c.incomingCh
}

// Disconnect cleanly closes the relay connection and stops reconnection.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}
