// Package channel implements the secure channel: one encrypted,
// authenticated connection between the hub and its peer over a raw
// message socket.
//
// The channel owns the connection state machine, the public-key
// handshake, heartbeats, exponential-backoff reconnection, and an
// in-memory queue for messages sent while offline.
//
// # State Machine
//
//	DISCONNECTED → CONNECTING → HANDSHAKING → AUTHENTICATING → CONNECTED
//
// From CONNECTED, a transport drop moves to RECONNECTING, which either
// returns to CONNECTING on retry or terminates in FAILED once the attempt
// budget is exhausted. FAILED is terminal until an explicit Connect call
// resets it. Transitions are validated against an explicit table; illegal
// writes are rejected.
//
// # Handshake
//
// On connect the channel emits its encoded public key and waits (bounded)
// for the peer's. On receipt it derives the shared secret via X25519 key
// agreement. No application message is encrypted or decrypted before this
// completes.
//
// # Ordering
//
// Messages sent while connected are transmitted in call order. Messages
// queued during an outage may be delivered after, and in a different
// order than, messages sent immediately post-reconnect, since queue
// replay and new sends can interleave. This is an accepted relaxation.
package channel
