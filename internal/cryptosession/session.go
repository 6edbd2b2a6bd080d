package cryptosession

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrNoSession is returned by Encrypt/Decrypt when no ratchet session has
// been established yet with the peer.
var ErrNoSession = errors.New("cryptosession: no session established")

// Session is a ratcheted session with one peer: send and receive chain
// keys that advance on every encrypt and every decrypt respectively, so
// compromising one message's key never exposes another's.
type Session struct {
	peerIdentityKey [32]byte
	sendChain       [32]byte
	recvChain       [32]byte
	sentAny         bool // set after this side's first send, or from creation on an inbound session (stops emitting PreKey envelopes)

	localIdentityPub [32]byte // carried in our own PreKey envelopes
}

// CreateOutboundSession establishes a session against a peer's published
// bundle. The resulting session's first Encrypt call produces a PreKey
// envelope; every subsequent call produces a Normal envelope.
func CreateOutboundSession(local *Account, peer Bundle) (*Session, error) {
	sharedA, err := dh(local.IdentityPriv, peer.IdentityKey)
	if err != nil {
		return nil, err
	}
	sharedB, err := dh(local.IdentityPriv, peer.OneTimeKey)
	if err != nil {
		return nil, err
	}

	root := deriveRoot(sharedA, sharedB, local.IdentityPub, peer.IdentityKey)
	chainA := deriveChain(root, "chain-A")
	chainB := deriveChain(root, "chain-B")

	return &Session{
		peerIdentityKey:  peer.IdentityKey,
		sendChain:        chainA,
		recvChain:        chainB,
		localIdentityPub: local.IdentityPub,
	}, nil
}

// CreateInboundSession establishes a session from a PreKey envelope's
// sender identity, using the local account's identity and one-time keys,
// and immediately decrypts the PreKey's inner ciphertext, establishing the
// session and returning the decrypted payload in one call.
func CreateInboundSession(local *Account, senderIdentity [32]byte, ciphertext []byte) (*Session, []byte, error) {
	sharedA, err := dh(local.IdentityPriv, senderIdentity)
	if err != nil {
		return nil, nil, err
	}
	sharedB, err := dh(local.OneTimePriv, senderIdentity)
	if err != nil {
		return nil, nil, err
	}

	root := deriveRoot(sharedA, sharedB, senderIdentity, local.IdentityPub)
	chainA := deriveChain(root, "chain-A")
	chainB := deriveChain(root, "chain-B")

	s := &Session{
		peerIdentityKey:  senderIdentity,
		sendChain:        chainB,
		recvChain:        chainA,
		sentAny:          true,
		localIdentityPub: local.IdentityPub,
	}

	plaintext, err := s.decryptWithChain(ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptosession: inbound session decrypt failed: %w", err)
	}
	return s, plaintext, nil
}

// PeerIdentityKey returns the peer identity key remembered after the first
// PreKey decryption.
func (s *Session) PeerIdentityKey() [32]byte {
	return s.peerIdentityKey
}

// Encrypt produces an envelope for plaintext. The first call on a freshly
// created outbound session is a PreKey envelope; every call thereafter
// (and every call on an inbound session) is Normal.
func (s *Session) Encrypt(plaintext []byte) (Envelope, error) {
	if s == nil {
		return Envelope{}, ErrNoSession
	}

	ciphertext := s.encryptWithChain(plaintext)

	env := Envelope{Ciphertext: ciphertext}
	if !s.sentAny {
		env.Kind = KindPreKey
		env.SenderIdentity = s.localIdentityPub
		s.sentAny = true
	} else {
		env.Kind = KindNormal
	}
	return env, nil
}

// Decrypt decrypts an envelope using this session's receive chain.
func (s *Session) Decrypt(env Envelope) ([]byte, error) {
	if s == nil {
		return nil, ErrNoSession
	}
	return s.decryptWithChain(env.Ciphertext)
}

// encryptWithChain derives a one-time message key from the current send
// chain, encrypts with it, and advances the chain.
func (s *Session) encryptWithChain(plaintext []byte) []byte {
	key, nonce := deriveMessageKeyAndNonce(s.sendChain)
	s.sendChain = deriveChain(s.sendChain, "ratchet")

	var out []byte
	out = secretbox.Seal(out, plaintext, &nonce, &key)
	return out
}

// decryptWithChain derives the message key from the current receive
// chain, decrypts, and advances the chain only on success so a corrupted
// or misrouted ciphertext does not desynchronize the ratchet.
func (s *Session) decryptWithChain(ciphertext []byte) ([]byte, error) {
	key, nonce := deriveMessageKeyAndNonce(s.recvChain)

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, errors.New("cryptosession: decryption failed (bad key or corrupted ciphertext)")
	}

	s.recvChain = deriveChain(s.recvChain, "ratchet")
	return plaintext, nil
}

func dh(priv [32]byte, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("cryptosession: ECDH failed: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

// deriveRoot combines both DH outputs into a root key via HKDF, with the
// two identity keys sorted into canonical order in the info string so
// both peers derive the same root regardless of who initiated.
func deriveRoot(sharedA, sharedB, keyX, keyY [32]byte) [32]byte {
	ikm := append(append([]byte{}, sharedA[:]...), sharedB[:]...)

	var lo, hi [32]byte
	if bytes.Compare(keyX[:], keyY[:]) <= 0 {
		lo, hi = keyX, keyY
	} else {
		lo, hi = keyY, keyX
	}
	info := append(append([]byte("session-root|"), lo[:]...), hi[:]...)

	return hkdfExpand32(ikm, info)
}

func deriveChain(key [32]byte, label string) [32]byte {
	return hkdfExpand32(key[:], []byte(label))
}

// deriveMessageKeyAndNonce derives the 32-byte secretbox key and 24-byte
// nonce for one message from the current chain key. Because the chain key
// is unique to this message (it advances after every use), a fixed-label
// derivation is safe: the (key, nonce) pair it produces is never reused.
func deriveMessageKeyAndNonce(chainKey [32]byte) (key [32]byte, nonce [24]byte) {
	material := hkdfExpandN(chainKey[:], []byte("msg"), 56)
	copy(key[:], material[:32])
	copy(nonce[:], material[32:56])
	return key, nonce
}

func hkdfExpand32(secret, info []byte) [32]byte {
	var out [32]byte
	copy(out[:], hkdfExpandN(secret, info, 32))
	return out
}

func hkdfExpandN(secret, info []byte, n int) []byte {
	r := hkdf.New(sha256.New, secret, nil, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		panic("cryptosession: hkdf read failed: " + err.Error())
	}
	return out
}
