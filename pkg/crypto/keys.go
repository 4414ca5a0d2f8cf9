package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of X25519 keys and derived symmetric keys in bytes.
const KeySize = 32

// SharedSecretTTL is how long a derived shared secret remains usable.
// A channel re-derives on every handshake, so this only bounds a single
// connection's lifetime.
const SharedSecretTTL = 24 * time.Hour

// hkdfInfo provides domain separation for the session key derivation.
var hkdfInfo = []byte("neurallink-session-v1")

// Key errors.
var (
	ErrInvalidKeyLength = errors.New("invalid key length")
	ErrSecretExpired    = errors.New("shared secret expired")
)

// KeyPair is an ephemeral X25519 key pair. The private key never leaves
// the secure channel that generated it.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	private := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, private); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		Zeroize(private)
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return &KeyPair{Private: private, Public: public}, nil
}

// PublicHex returns the public key in the hex encoding used by the
// handshake frame.
func (kp *KeyPair) PublicHex() string {
	return hex.EncodeToString(kp.Public)
}

// Destroy zeroes the private key. The key pair must not be used afterwards.
func (kp *KeyPair) Destroy() {
	Zeroize(kp.Private)
}

// DecodePublicKey parses a hex-encoded X25519 public key.
func DecodePublicKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("malformed public key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidKeyLength, len(key), KeySize)
	}
	return key, nil
}

// SharedSecret is the symmetric key derived from one handshake. It is
// owned by the secure channel for the life of one connection and is never
// persisted in raw form.
type SharedSecret struct {
	Key       []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// DeriveSharedSecret computes the session key from the local private key
// and the peer's public key. Both sides arrive at the same key.
func DeriveSharedSecret(private, peerPublic []byte) (*SharedSecret, error) {
	if len(private) != KeySize || len(peerPublic) != KeySize {
		return nil, ErrInvalidKeyLength
	}

	raw, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer Zeroize(raw)

	key := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, raw, nil, hkdfInfo)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	now := time.Now()
	return &SharedSecret{
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(SharedSecretTTL),
	}, nil
}

// SharedSecretFromKey wraps a previously-unsealed 32-byte key, e.g. one
// recovered from the session store.
func SharedSecretFromKey(key []byte) (*SharedSecret, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	now := time.Now()
	return &SharedSecret{
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(SharedSecretTTL),
	}, nil
}

// Expired reports whether the secret has passed its expiry.
func (s *SharedSecret) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Destroy zeroes the key material.
func (s *SharedSecret) Destroy() {
	Zeroize(s.Key)
}

// Zeroize overwrites b with zeros.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
