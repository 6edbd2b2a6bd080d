package cryptosession

import (
	"crypto/ed25519"
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
)

// Account is one peer's long-term identity plus the short-lived one-time
// key consumed by the next pairing. The signing key persists across
// restarts (stored in the OS keyring, see Store); the one-time key is
// cheap to regenerate, and this implementation regenerates a fresh one
// after every pairing for better forward-secrecy granularity.
type Account struct {
	IdentityPriv [32]byte
	IdentityPub  [32]byte

	SigningPriv ed25519.PrivateKey
	SigningPub  ed25519.PublicKey

	OneTimePriv [32]byte
	OneTimePub  [32]byte
}

// NewAccount generates a fresh identity, signing keypair, and one-time key.
func NewAccount() (*Account, error) {
	a := &Account{}

	if err := randomScalar(&a.IdentityPriv); err != nil {
		return nil, err
	}
	curve25519.ScalarBaseMult(&a.IdentityPub, &a.IdentityPriv)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	a.SigningPub = pub
	a.SigningPriv = priv

	if err := a.RotateOneTimeKey(); err != nil {
		return nil, err
	}

	return a, nil
}

// RotateOneTimeKey generates a new one-time curve25519 keypair, consumed
// by the next bundle a peer pairs against.
func (a *Account) RotateOneTimeKey() error {
	if err := randomScalar(&a.OneTimePriv); err != nil {
		return err
	}
	curve25519.ScalarBaseMult(&a.OneTimePub, &a.OneTimePriv)
	return nil
}

// randomScalar fills a curve25519 private scalar with random bytes.
func randomScalar(out *[32]byte) error {
	_, err := rand.Read(out[:])
	return err
}

// Bundle produces the device-key bundle a QR code would carry, signing the
// identity+signing+one-time triple with the long-term signing key.
func (a *Account) Bundle() Bundle {
	b := Bundle{
		IdentityKey: a.IdentityPub,
		SigningKey:  [32]byte(a.SigningPub),
		OneTimeKey:  a.OneTimePub,
	}

	signed := b.ToBinary()[:97]
	sig := ed25519.Sign(a.SigningPriv, signed)
	copy(b.Signature[:], sig)
	return b
}
