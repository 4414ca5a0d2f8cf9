package crypto

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// sealFormatVersion is the current version of the sealed blob format.
const sealFormatVersion = 1

// ErrUnsealFailed is returned when the passphrase is wrong or the sealed
// blob has been modified or corrupted.
var ErrUnsealFailed = errors.New("wrong passphrase or corrupted sealed secret")

// sealedBlob is the on-disk JSON structure holding the ciphertext and its
// KDF parameters.
type sealedBlob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_n"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// scryptParams returns the scrypt tunables for sealing.
func scryptParams() (N, r, p int) { return 1 << 15, 8, 1 }

// Seal encrypts raw under a key derived from the passphrase. The result is
// a self-describing JSON blob suitable for durable storage.
func Seal(passphrase string, raw []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	N, r, p := scryptParams()
	key, err := scrypt.Key([]byte(passphrase), salt, N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer Zeroize(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	cipher := aead.Seal(nil, nonce, raw, salt)

	return json.Marshal(sealedBlob{
		V:      sealFormatVersion,
		Salt:   salt,
		N:      N,
		R:      r,
		P:      p,
		Nonce:  nonce,
		Cipher: cipher,
	})
}

// Open decrypts a blob produced by Seal. Returns ErrUnsealFailed when the
// passphrase does not match or the blob is corrupt.
func Open(passphrase string, blob []byte) ([]byte, error) {
	var b sealedBlob
	if err := json.Unmarshal(blob, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsealFailed, err)
	}
	if b.V > sealFormatVersion {
		return nil, fmt.Errorf("unsupported sealed blob version %d", b.V)
	}

	key, err := scrypt.Key([]byte(passphrase), b.Salt, b.N, b.R, b.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer Zeroize(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	raw, err := aead.Open(nil, b.Nonce, b.Cipher, b.Salt)
	if err != nil {
		return nil, ErrUnsealFailed
	}
	return raw, nil
}
