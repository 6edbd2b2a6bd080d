package cryptosession

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Manager implements channel.CryptoProvider by keeping one ratcheted Peer
// session per browser peer ID, all anchored to this hub's single long-term
// Account. It is the composition point between the hub's identity and the
// generic transport: internal/channel never touches an Account or Session
// directly, only this interface.
type Manager struct {
	account  *Account
	stateDir string
	logger   *slog.Logger

	mu    sync.Mutex
	peers map[string]*Peer
}

// NewManager loads (or creates, on first run) this hub's crypto identity
// from stateDir/identity.json and returns a Manager ready to establish
// per-peer sessions as handshakes and QR pairings arrive.
func NewManager(stateDir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("cryptosession: failed to create state dir: %w", err)
	}

	identityStore := NewFileKeyringStore(filepath.Join(stateDir, "identity.json"), "hub")
	account, _, err := identityStore.Load()
	if err != nil {
		account, err = NewAccount()
		if err != nil {
			return nil, fmt.Errorf("cryptosession: failed to generate account: %w", err)
		}
		if err := identityStore.Save(account, nil); err != nil {
			return nil, fmt.Errorf("cryptosession: failed to persist new account: %w", err)
		}
	}

	return &Manager{
		account:  account,
		stateDir: stateDir,
		logger:   logger,
		peers:    make(map[string]*Peer),
	}, nil
}

// Bundle returns this hub's signed device-key bundle, for QR-code pairing
// (see internal/qr and PairingURL).
func (m *Manager) Bundle() Bundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account.Bundle()
}

// PairWithBundle establishes an outbound session against a peer's scanned
// bundle, ahead of that peer ever sending anything.
func (m *Manager) PairWithBundle(peerID string, bundle Bundle) error {
	peer := m.peerLocked(peerID)
	if err := peer.EstablishOutbound(bundle); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account.RotateOneTimeKey()
}

func (m *Manager) peerLocked(peerID string) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[peerID]; ok {
		return p
	}
	store := NewFileKeyringStore(filepath.Join(m.stateDir, "peer-"+peerID+".json"), peerID)
	p := NewPeer(m.account, store, m.logger)
	m.peers[peerID] = p
	return p
}

// EncryptFor implements channel.CryptoProvider.
func (m *Manager) EncryptFor(peerID string, plaintext []byte) ([]byte, error) {
	peer := m.peerLocked(peerID)
	env, err := peer.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: encrypt for %s: %w", peerID, err)
	}
	return EncodeBinary(env), nil
}

// DecryptFrom implements channel.CryptoProvider.
func (m *Manager) DecryptFrom(peerID string, envelope []byte) ([]byte, error) {
	env, err := DecodeBinary(envelope)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: decode envelope from %s: %w", peerID, err)
	}
	peer := m.peerLocked(peerID)
	plaintext, err := peer.Decrypt(env)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: decrypt from %s: %w", peerID, err)
	}
	return plaintext, nil
}
