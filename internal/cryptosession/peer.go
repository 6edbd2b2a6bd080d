package cryptosession

import (
	"fmt"
	"log/slog"
	"sync"
)

// Peer bundles a local account with the one ratcheted Session currently
// established against a given remote peer, plus the persistence and
// re-pairing orchestration:
//
//   - On a PreKey envelope, try decrypting with the existing session
//     first (the sender's outbound session keeps emitting PreKey
//     ciphertexts until it has received any reply), and only fall
//     through to establishing a brand new inbound session on failure —
//     this is what makes re-pairing after a lost session work.
//   - On a Normal envelope, use the existing session; error if none.
//   - Every encrypt/decrypt is followed by a Store.Save call so a hub
//     restart never replays nonces or skips message numbers.
type Peer struct {
	mu      sync.Mutex
	account *Account
	session *Session
	store   Store
	logger  *slog.Logger
}

// NewPeer wraps an account with no session yet established.
func NewPeer(account *Account, store Store, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Peer{account: account, store: store, logger: logger}
}

// HasSession reports whether a ratchet session is currently established.
func (p *Peer) HasSession() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil
}

// EstablishOutbound creates a session against a peer's published bundle,
// e.g. after scanning their QR-delivered bundle.
func (p *Peer) EstablishOutbound(bundle Bundle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := CreateOutboundSession(p.account, bundle)
	if err != nil {
		return fmt.Errorf("cryptosession: establish outbound session: %w", err)
	}
	p.session = s
	return p.persistLocked()
}

// Encrypt encrypts plaintext using the established session. Returns
// ErrNoSession if none is established; callers should surface this as
// "no session" and prompt re-pairing.
func (p *Peer) Encrypt(plaintext []byte) (Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		return Envelope{}, ErrNoSession
	}
	env, err := p.session.Encrypt(plaintext)
	if err != nil {
		return Envelope{}, err
	}
	if err := p.persistLocked(); err != nil {
		p.logger.Warn("failed to persist crypto session after encrypt", "error", err)
	}
	return env, nil
}

// Decrypt decrypts an envelope, establishing a fresh inbound session on
// first contact or on a PreKey decrypt failure (re-pairing). Normal
// envelopes always require an existing session.
func (p *Peer) Decrypt(env Envelope) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if env.Kind == KindNormal {
		if p.session == nil {
			return nil, ErrNoSession
		}
		plaintext, err := p.session.Decrypt(env)
		if err != nil {
			return nil, fmt.Errorf("cryptosession: normal decrypt failed: %w", err)
		}
		if perr := p.persistLocked(); perr != nil {
			p.logger.Warn("failed to persist crypto session after decrypt", "error", perr)
		}
		return plaintext, nil
	}

	// PreKey envelope: try the existing session first.
	if p.session != nil {
		if plaintext, err := p.session.Decrypt(env); err == nil {
			if perr := p.persistLocked(); perr != nil {
				p.logger.Warn("failed to persist crypto session after decrypt", "error", perr)
			}
			return plaintext, nil
		}
		p.logger.Info("PreKey decrypt failed against existing session, re-pairing", "peer", fmt.Sprintf("%x", env.SenderIdentity[:8]))
	}

	session, plaintext, err := CreateInboundSession(p.account, env.SenderIdentity, env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: inbound session establishment failed: %w", err)
	}
	p.session = session
	if perr := p.persistLocked(); perr != nil {
		p.logger.Warn("failed to persist crypto session after inbound establishment", "error", perr)
	}
	return plaintext, nil
}

// PeerIdentityKey returns the identity key remembered from the established
// session, if any.
func (p *Peer) PeerIdentityKey() (key [32]byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return key, false
	}
	return p.session.PeerIdentityKey(), true
}

func (p *Peer) persistLocked() error {
	if p.store == nil {
		return nil
	}
	return p.store.Save(p.account, p.session)
}
