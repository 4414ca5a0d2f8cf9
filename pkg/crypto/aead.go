package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// AES-GCM parameters.
const (
	// IVSize is the AES-GCM nonce size in bytes.
	IVSize = 12

	// TagSize is the AES-GCM authentication tag size in bytes.
	TagSize = 16
)

// AEAD errors.
var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrCiphertextShort  = errors.New("ciphertext too short")
)

// CipherText is the output of one authenticated encryption: the random IV,
// the ciphertext proper, and the authentication tag carried separately so
// the wire envelope can expose it as the signature field.
type CipherText struct {
	IV         []byte
	Ciphertext []byte
	Tag        []byte
}

// Encrypt seals plaintext under the shared secret with AES-256-GCM using a
// fresh random IV.
func Encrypt(secret *SharedSecret, plaintext []byte) (*CipherText, error) {
	if secret.Expired() {
		return nil, ErrSecretExpired
	}

	aead, err := newGCM(secret.Key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	if len(sealed) < TagSize {
		return nil, ErrCiphertextShort
	}

	split := len(sealed) - TagSize
	return &CipherText{
		IV:         iv,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
	}, nil
}

// Decrypt opens a CipherText. It fails deterministically if the key is
// wrong or either the ciphertext or tag has been tampered with.
func Decrypt(secret *SharedSecret, ct *CipherText) ([]byte, error) {
	if secret.Expired() {
		return nil, ErrSecretExpired
	}
	if len(ct.IV) != IVSize {
		return nil, fmt.Errorf("%w: bad iv length %d", ErrDecryptionFailed, len(ct.IV))
	}
	if len(ct.Tag) != TagSize {
		return nil, fmt.Errorf("%w: bad tag length %d", ErrDecryptionFailed, len(ct.Tag))
	}

	aead, err := newGCM(secret.Key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct.Ciphertext)+TagSize)
	sealed = append(sealed, ct.Ciphertext...)
	sealed = append(sealed, ct.Tag...)

	plaintext, err := aead.Open(nil, ct.IV, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm creation failed: %w", err)
	}
	return aead, nil
}
