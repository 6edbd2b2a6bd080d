// Package cryptosession implements a ratcheted end-to-end encryption
// layer: device-key bundles, inbound/outbound session establishment, and
// encrypt/decrypt in both the binary and JSON wire envelope formats.
package cryptosession

import (
	"crypto/ed25519"
	"encoding/base32"
	"errors"
	"fmt"
)

// BundleVersion is the single supported device-key bundle format version.
const BundleVersion = 0x06

// bundleSize is the exact binary length: version(1) + identity(32) +
// signing(32) + one-time(32) + signature(64).
const bundleSize = 1 + 32 + 32 + 32 + 64

// Bundle is the compact device-key bundle displayed as a QR code to
// bootstrap pairing. Hub-id is carried out-of-band (URL path), never in
// the bundle itself.
type Bundle struct {
	IdentityKey [32]byte // curve25519 public key
	SigningKey  [32]byte // ed25519 public key
	OneTimeKey  [32]byte // curve25519 public key, consumed by the first pairing
	Signature   [64]byte // ed25519 signature over the preceding 97 bytes
}

// ErrBadSignature indicates a bundle's signature does not verify.
var ErrBadSignature = errors.New("cryptosession: bundle signature invalid")

// ErrBadVersion indicates an unsupported bundle version byte.
var ErrBadVersion = errors.New("cryptosession: unsupported bundle version")

// ErrBadLength indicates the binary form is not exactly bundleSize bytes.
var ErrBadLength = errors.New("cryptosession: bundle has wrong length")

// ToBinary serializes the bundle to its 161-byte wire form.
func (b Bundle) ToBinary() []byte {
	out := make([]byte, 0, bundleSize)
	out = append(out, BundleVersion)
	out = append(out, b.IdentityKey[:]...)
	out = append(out, b.SigningKey[:]...)
	out = append(out, b.OneTimeKey[:]...)
	out = append(out, b.Signature[:]...)
	return out
}

// FromBinary parses a 161-byte bundle and verifies its signature.
func FromBinary(data []byte) (Bundle, error) {
	var b Bundle
	if len(data) != bundleSize {
		return b, fmt.Errorf("%w: got %d, want %d", ErrBadLength, len(data), bundleSize)
	}
	if data[0] != BundleVersion {
		return b, fmt.Errorf("%w: got 0x%02x", ErrBadVersion, data[0])
	}

	copy(b.IdentityKey[:], data[1:33])
	copy(b.SigningKey[:], data[33:65])
	copy(b.OneTimeKey[:], data[65:97])
	copy(b.Signature[:], data[97:161])

	if !ed25519.Verify(b.SigningKey[:], data[:97], b.Signature[:]) {
		return b, ErrBadSignature
	}

	return b, nil
}

// base32Encoding is the unpadded base32 alphabet used for QR-friendly
// encoding: dense enough for QR's alphanumeric mode, and uppercase by
// construction which matches the pairing URL fragment convention.
var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// EncodeForQR base32-encodes the bundle's binary form for embedding in a
// pairing URL fragment.
func (b Bundle) EncodeForQR() string {
	return base32Encoding.EncodeToString(b.ToBinary())
}

// DecodeFromQR reverses EncodeForQR.
func DecodeFromQR(encoded string) (Bundle, error) {
	data, err := base32Encoding.DecodeString(encoded)
	if err != nil {
		return Bundle{}, fmt.Errorf("cryptosession: invalid base32 bundle: %w", err)
	}
	return FromBinary(data)
}

// PairingURL builds the device-pairing URL:
// https://<host>/h/<hub_id>#<base32-bundle>, uppercased for QR density.
func PairingURL(host, hubID string, b Bundle) string {
	return fmt.Sprintf("https://%s/h/%s#%s", host, hubID, b.EncodeForQR())
}
