package wire

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/neurallink-protocol/neurallink-go/pkg/crypto"
)

// NonceSize is the size of the single-use envelope nonce in bytes
// (before hex encoding).
const NonceSize = 16

// Envelope errors.
var (
	ErrMalformedFrame   = errors.New("malformed wire frame")
	ErrUnknownFrameKind = errors.New("unknown wire frame kind")
)

// FrameKind discriminates the three frame shapes on the socket.
type FrameKind uint8

const (
	// KindEnvelope is an encrypted application frame.
	KindEnvelope FrameKind = iota

	// KindHandshake is a plaintext public-key exchange frame.
	KindHandshake

	// KindSystem is a plaintext trusted-server control frame.
	KindSystem
)

// String returns the frame kind name.
func (k FrameKind) String() string {
	switch k {
	case KindEnvelope:
		return "envelope"
	case KindHandshake:
		return "handshake"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Envelope is the encrypted wire envelope carried for all application
// traffic after the handshake. All binary fields are hex-encoded.
type Envelope struct {
	IV        string `json:"iv"`
	Encrypted string `json:"encrypted"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// HandshakeFrame is the plaintext public-key exchange frame.
type HandshakeFrame struct {
	PublicKey string `json:"publicKey"`
}

// SystemFrame is a plaintext control frame. Only explicit commands are
// permitted here, never general payloads.
type SystemFrame struct {
	System string         `json:"system"`
	Params map[string]any `json:"params,omitempty"`
}

// SystemRateLimited is the only system command the channel acts on: the
// peer asks us to back off.
const SystemRateLimited = "rate_limited"

// rawFrame is used to sniff which frame shape arrived.
type rawFrame struct {
	IV        string `json:"iv"`
	PublicKey string `json:"publicKey"`
	System    string `json:"system"`
}

// SniffKind inspects a raw frame and reports its kind without fully
// decoding it.
func SniffKind(data []byte) (FrameKind, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch {
	case raw.IV != "":
		return KindEnvelope, nil
	case raw.PublicKey != "":
		return KindHandshake, nil
	case raw.System != "":
		return KindSystem, nil
	default:
		return 0, ErrUnknownFrameKind
	}
}

// DecodeEnvelope parses an encrypted envelope frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.IV == "" || env.Encrypted == "" || env.Signature == "" || env.Nonce == "" {
		return nil, fmt.Errorf("%w: envelope missing fields", ErrMalformedFrame)
	}
	return env, nil
}

// DecodeHandshake parses a handshake frame.
func DecodeHandshake(data []byte) (*HandshakeFrame, error) {
	hs := &HandshakeFrame{}
	if err := json.Unmarshal(data, hs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if hs.PublicKey == "" {
		return nil, fmt.Errorf("%w: handshake missing public key", ErrMalformedFrame)
	}
	return hs, nil
}

// DecodeSystem parses a system frame.
func DecodeSystem(data []byte) (*SystemFrame, error) {
	sf := &SystemFrame{}
	if err := json.Unmarshal(data, sf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if sf.System == "" {
		return nil, fmt.Errorf("%w: system frame missing command", ErrMalformedFrame)
	}
	return sf, nil
}

// Marshal encodes any frame shape to its JSON wire form.
func Marshal(frame any) ([]byte, error) {
	return json.Marshal(frame)
}

// Seal encrypts a message body into an envelope under the shared secret.
// A fresh single-use nonce is generated per envelope.
func Seal(secret *crypto.SharedSecret, m *Message) (*Envelope, error) {
	body, err := EncodeMessage(m)
	if err != nil {
		return nil, err
	}

	ct, err := crypto.Encrypt(secret, body)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &Envelope{
		IV:        hex.EncodeToString(ct.IV),
		Encrypted: hex.EncodeToString(ct.Ciphertext),
		Signature: hex.EncodeToString(ct.Tag),
		Timestamp: time.Now().UnixMilli(),
		Nonce:     hex.EncodeToString(nonce),
	}, nil
}

// Open decrypts an envelope back into a message body. Callers must run the
// envelope through a ReplayGuard first; Open itself only authenticates and
// decodes.
func Open(secret *crypto.SharedSecret, env *Envelope) (*Message, error) {
	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv", ErrMalformedFrame)
	}
	ciphertext, err := hex.DecodeString(env.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrMalformedFrame)
	}
	tag, err := hex.DecodeString(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature", ErrMalformedFrame)
	}

	body, err := crypto.Decrypt(secret, &crypto.CipherText{
		IV:         iv,
		Ciphertext: ciphertext,
		Tag:        tag,
	})
	if err != nil {
		return nil, err
	}

	return DecodeMessage(body)
}
