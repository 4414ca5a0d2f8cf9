// Package wire defines the NeuralLink message model and wire encoding.
//
// Two encodings are in play:
//
//   - Message bodies are CBOR with integer keys (compact, deterministic).
//     This is the plaintext that gets encrypted.
//   - The outer wire frame is JSON. After the handshake every application
//     frame is an encrypted Envelope {iv, encrypted, signature, timestamp,
//     nonce}. The handshake itself exchanges plaintext {publicKey} frames,
//     and a small fixed set of system frames is allowed unencrypted for
//     trusted control messages.
//
// # Replay Protection
//
// Every inbound envelope is checked against a ReplayGuard before
// decryption: frames older than the configured max age, or carrying a
// nonce that has already been consumed, are rejected.
package wire
