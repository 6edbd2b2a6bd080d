package cryptosession

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

// Store persists an account's long-term keys and the current session's
// ratchet state so a hub restart never replays nonces or skips message
// numbers.
type Store interface {
	Save(account *Account, session *Session) error
	Load() (*Account, *Session, error)
}

// KeyringService names this application's entry in the OS keyring,
// mirroring the pattern in internal/device for the long-term signing key.
const KeyringService = "agenthub-crypto"

// pickledAccount is the JSON-serializable form of an Account. The signing
// private key never appears here: it lives in the OS keyring (or, in test
// mode, a sibling file) exactly as internal/device stores its own.
type pickledAccount struct {
	IdentityPriv string `json:"identity_priv"`
	IdentityPub  string `json:"identity_pub"`
	SigningPub   string `json:"signing_pub"`
	OneTimePriv  string `json:"one_time_priv"`
	OneTimePub   string `json:"one_time_pub"`
}

// pickledSession is the JSON-serializable ratchet state for the currently
// established session, or nil if none is established.
type pickledSession struct {
	PeerIdentityKey string `json:"peer_identity_key"`
	SendChain       string `json:"send_chain"`
	RecvChain       string `json:"recv_chain"`
	SentAny         bool   `json:"sent_any"`
}

type pickledState struct {
	Account *pickledAccount `json:"account"`
	Session *pickledSession `json:"session,omitempty"`
}

// FileKeyringStore persists pickled state to a JSON file, with the signing
// private key carved out into the OS keyring (or a sibling file when
// BOTSTER-style test mode is active), the same split internal/device uses.
type FileKeyringStore struct {
	path        string
	fingerprint string
}

// NewFileKeyringStore creates a store rooted at the given state file path.
// The fingerprint (e.g. the device fingerprint) namespaces the keyring
// entry so multiple identities on one machine don't collide.
func NewFileKeyringStore(path, fingerprint string) *FileKeyringStore {
	return &FileKeyringStore{path: path, fingerprint: fingerprint}
}

func (s *FileKeyringStore) shouldSkipKeyring() bool {
	if v := os.Getenv("AGENTHUB_SKIP_KEYRING"); v == "1" || strings.ToLower(v) == "true" {
		return true
	}
	_, hasConfigDir := os.LookupEnv("AGENTHUB_CONFIG_DIR")
	return hasConfigDir
}

func (s *FileKeyringStore) signingKeyPath() string {
	return strings.TrimSuffix(s.path, ".json") + ".signing_key"
}

func (s *FileKeyringStore) storeSigningKey(priv ed25519.PrivateKey) error {
	secretB64 := base64.StdEncoding.EncodeToString(priv.Seed())

	if s.shouldSkipKeyring() {
		return os.WriteFile(s.signingKeyPath(), []byte(secretB64), 0600)
	}
	return keyring.Set(KeyringService, s.fingerprint, secretB64)
}

func (s *FileKeyringStore) loadSigningKey() (ed25519.PrivateKey, error) {
	var secretB64 string
	var err error

	if s.shouldSkipKeyring() {
		data, rerr := os.ReadFile(s.signingKeyPath())
		if rerr != nil {
			return nil, fmt.Errorf("cryptosession: signing key file not found: %w", rerr)
		}
		secretB64 = strings.TrimSpace(string(data))
	} else {
		secretB64, err = keyring.Get(KeyringService, s.fingerprint)
		if err != nil {
			return nil, fmt.Errorf("cryptosession: signing key not found in keyring: %w", err)
		}
	}

	seed, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("cryptosession: invalid signing key encoding")
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Save writes the account and session state to disk, storing the signing
// private key in the keyring (or its test-mode file fallback).
func (s *FileKeyringStore) Save(account *Account, session *Session) error {
	if err := s.storeSigningKey(account.SigningPriv); err != nil {
		return fmt.Errorf("cryptosession: failed to store signing key: %w", err)
	}

	state := pickledState{
		Account: &pickledAccount{
			IdentityPriv: base64.StdEncoding.EncodeToString(account.IdentityPriv[:]),
			IdentityPub:  base64.StdEncoding.EncodeToString(account.IdentityPub[:]),
			SigningPub:   base64.StdEncoding.EncodeToString(account.SigningPub),
			OneTimePriv:  base64.StdEncoding.EncodeToString(account.OneTimePriv[:]),
			OneTimePub:   base64.StdEncoding.EncodeToString(account.OneTimePub[:]),
		},
	}

	if session != nil {
		state.Session = &pickledSession{
			PeerIdentityKey: base64.StdEncoding.EncodeToString(session.peerIdentityKey[:]),
			SendChain:       base64.StdEncoding.EncodeToString(session.sendChain[:]),
			RecvChain:       base64.StdEncoding.EncodeToString(session.recvChain[:]),
			SentAny:         session.sentAny,
		}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("cryptosession: failed to serialize state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("cryptosession: failed to create state directory: %w", err)
	}
	return os.WriteFile(s.path, data, 0600)
}

// Load reads the account and session state back from disk. Returns
// (nil, nil, err) with an os.IsNotExist-wrapped error if no state file
// exists yet; callers should create a fresh Account in that case.
func (s *FileKeyringStore) Load() (*Account, *Session, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptosession: failed to read state file: %w", err)
	}

	var state pickledState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, nil, fmt.Errorf("cryptosession: failed to parse state file: %w", err)
	}
	if state.Account == nil {
		return nil, nil, fmt.Errorf("cryptosession: state file missing account")
	}

	signingPriv, err := s.loadSigningKey()
	if err != nil {
		return nil, nil, err
	}

	account := &Account{SigningPriv: signingPriv, SigningPub: signingPriv.Public().(ed25519.PublicKey)}
	if err := decodeFixed32(state.Account.IdentityPriv, &account.IdentityPriv); err != nil {
		return nil, nil, err
	}
	if err := decodeFixed32(state.Account.IdentityPub, &account.IdentityPub); err != nil {
		return nil, nil, err
	}
	if err := decodeFixed32(state.Account.OneTimePriv, &account.OneTimePriv); err != nil {
		return nil, nil, err
	}
	if err := decodeFixed32(state.Account.OneTimePub, &account.OneTimePub); err != nil {
		return nil, nil, err
	}

	var session *Session
	if state.Session != nil {
		session = &Session{localIdentityPub: account.IdentityPub, sentAny: state.Session.SentAny}
		if err := decodeFixed32(state.Session.PeerIdentityKey, &session.peerIdentityKey); err != nil {
			return nil, nil, err
		}
		if err := decodeFixed32(state.Session.SendChain, &session.sendChain); err != nil {
			return nil, nil, err
		}
		if err := decodeFixed32(state.Session.RecvChain, &session.recvChain); err != nil {
			return nil, nil, err
		}
	}

	return account, session, nil
}

func decodeFixed32(encoded string, out *[32]byte) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("cryptosession: invalid fixed-size field encoding")
	}
	copy(out[:], raw)
	return nil
}
