// Package crypto provides the cryptographic primitives for the NeuralLink
// protocol.
//
// This package handles:
//   - X25519 key pair generation for the channel handshake
//   - Shared-secret derivation (X25519 ECDH + HKDF-SHA256)
//   - AES-256-GCM authenticated encryption of message bodies
//   - At-rest sealing of shared secrets under a local master passphrase
//
// # Key Agreement
//
// Both peers exchange X25519 public keys during the handshake. The shared
// secret is derived symmetrically:
//
//	derive(A.priv, B.pub) == derive(B.priv, A.pub)
//
// The raw ECDH output is never used directly as a key; it is expanded
// through HKDF-SHA256 with a protocol-specific info string.
//
// # Sealing
//
// Shared secrets persisted by the session store are sealed with
// ChaCha20-Poly1305 under a key derived from the master passphrase via
// scrypt. The sealed blob is a versioned JSON structure carrying its own
// KDF parameters so they can be tuned without breaking stored sessions.
package crypto
