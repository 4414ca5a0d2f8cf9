package wire

import (
	"fmt"
	"time"
)

// MessageType classifies a logical NeuralLink message.
type MessageType string

const (
	// TypeCommand is a command for a linked device to execute.
	TypeCommand MessageType = "command"

	// TypeResponse carries the result of a previously issued command.
	TypeResponse MessageType = "response"

	// TypeEvent is an unsolicited notification from a device.
	TypeEvent MessageType = "event"

	// TypeSync carries best-effort shared-state updates.
	TypeSync MessageType = "sync"

	// TypeHeartbeat keeps device liveness current.
	TypeHeartbeat MessageType = "heartbeat"
)

// IsValid reports whether the message type is one of the known types.
func (t MessageType) IsValid() bool {
	switch t {
	case TypeCommand, TypeResponse, TypeEvent, TypeSync, TypeHeartbeat:
		return true
	default:
		return false
	}
}

// Message is the logical unit the rest of the system reasons about.
// Encryption to and from an Envelope is a pure transformation of this.
//
// CBOR encoding:
//
//	{
//	  1: type,          // text
//	  2: payload,       // map (optional)
//	  3: source,        // text (optional)
//	  4: target,        // text (optional)
//	  5: timestamp,     // uint64 epoch millis
//	  6: correlationId  // text (optional)
//	}
type Message struct {
	Type          MessageType    `cbor:"1,keyasint"`
	Payload       map[string]any `cbor:"2,keyasint,omitempty"`
	Source        string         `cbor:"3,keyasint,omitempty"`
	Target        string         `cbor:"4,keyasint,omitempty"`
	Timestamp     int64          `cbor:"5,keyasint"`
	CorrelationID string         `cbor:"6,keyasint,omitempty"`
}

// NewMessage creates a message of the given type stamped with the current
// time.
func NewMessage(t MessageType, payload map[string]any) *Message {
	return &Message{
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Validate checks the message for wire validity.
func (m *Message) Validate() error {
	if !m.Type.IsValid() {
		return fmt.Errorf("invalid message type: %q", m.Type)
	}
	if m.Timestamp <= 0 {
		return fmt.Errorf("message timestamp missing")
	}
	return nil
}

// PayloadString extracts a string field from the payload, with ok=false
// when absent or not a string. CBOR round-trips leave payload values as
// their decoded Go forms, so callers should use these accessors rather
// than asserting directly.
func (m *Message) PayloadString(key string) (string, bool) {
	v, ok := m.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
