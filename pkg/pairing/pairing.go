// Package pairing issues single-use pairing tokens and the serializable
// payload a hub hands to an out-of-band channel (typically a QR code).
package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// TokenBytes is the entropy of a pairing token before hex encoding.
const TokenBytes = 16

// PayloadType identifies a pairing payload.
const PayloadType = "pairing"

// DefaultTokenTTL is how long an issued token stays redeemable.
const DefaultTokenTTL = 5 * time.Minute

// Pairing errors.
var (
	ErrTokenUnknown  = errors.New("pairing token unknown or already used")
	ErrTokenExpired  = errors.New("pairing token expired")
	ErrNotPairing    = errors.New("payload is not a pairing payload")
	ErrPayloadFields = errors.New("pairing payload missing fields")
)

// Payload is the JSON object transported out-of-band to the device being
// paired.
type Payload struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

// Encode serializes the payload for QR rendering.
func (p *Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload parses and validates a pairing payload.
func DecodePayload(data []byte) (*Payload, error) {
	p := &Payload{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("malformed pairing payload: %w", err)
	}
	if p.Type != PayloadType {
		return nil, ErrNotPairing
	}
	if p.Token == "" || p.DeviceID == "" || p.Timestamp == 0 {
		return nil, ErrPayloadFields
	}
	return p, nil
}

// NewToken generates an unguessable random hex token.
func NewToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate pairing token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Issuer tracks outstanding tokens and enforces single use.
type Issuer struct {
	mu     sync.Mutex
	ttl    time.Duration
	issued map[string]time.Time
}

// NewIssuer creates a token issuer with the given time-to-live.
// A non-positive ttl selects the default.
func NewIssuer(ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{
		ttl:    ttl,
		issued: make(map[string]time.Time),
	}
}

// Issue generates a fresh token and the payload for deviceID.
func (i *Issuer) Issue(deviceID string) (*Payload, error) {
	token, err := NewToken()
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	i.issued[token] = time.Now()
	i.mu.Unlock()

	return &Payload{
		Type:      PayloadType,
		Token:     token,
		DeviceID:  deviceID,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Redeem consumes a token. Each token redeems at most once.
func (i *Issuer) Redeem(token string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	issuedAt, ok := i.issued[token]
	if !ok {
		return ErrTokenUnknown
	}
	delete(i.issued, token)

	if time.Since(issuedAt) > i.ttl {
		return ErrTokenExpired
	}
	return nil
}

// Outstanding returns the number of unredeemed tokens.
func (i *Issuer) Outstanding() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.issued)
}
