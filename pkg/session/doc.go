// Package session is the durable pairing-state store.
//
// Sessions are the only thing that survives a process restart: one record
// per paired device holding the sealed shared secret, the device public
// key, capabilities, and preferences, plus a durable per-device outbound
// message queue. The secure channel is always reconstructed from scratch
// and re-derives trust either by a fresh handshake or by recovering a
// still-valid session's sealed secret.
//
// Storage is a local SQLite database (modernc.org/sqlite, pure Go).
// Sessions are keyed by session id with a secondary index by device id.
// All writes for one device are serialized so queue processing and new
// enqueues cannot race.
//
// Invariants:
//   - After conflict resolution, at most one authoritative session exists
//     per device id; the most recently seen wins and the losers' queues
//     are cascade-deleted.
//   - Sessions idle past the retention window (30 days) are invalid and
//     purged, including their queues.
//   - Queued messages are retried at most RetryCap times, then dropped
//     and logged, never retried indefinitely.
package session
