package wire

import (
	"errors"
	"sync"
	"time"
)

// Replay protection constants.
const (
	// DefaultMaxMessageAge is the maximum accepted envelope age.
	DefaultMaxMessageAge = 5 * time.Minute

	// nonceRetention is how long consumed nonces are remembered.
	// Twice the message age so a nonce outlives the window in which its
	// envelope would still be accepted.
	nonceRetention = 2 * DefaultMaxMessageAge

	// maxNonceCacheSize bounds the cache to prevent memory exhaustion.
	maxNonceCacheSize = 50000

	// pruneInterval is how often expired nonces are swept.
	pruneInterval = time.Minute
)

// Replay errors.
var (
	ErrMessageTooOld = errors.New("message timestamp exceeds max age")
	ErrNonceReplayed = errors.New("nonce already consumed")
)

// ReplayGuard rejects envelopes that are too old or reuse a nonce.
// Safe for concurrent use.
type ReplayGuard struct {
	mu        sync.Mutex
	maxAge    time.Duration
	seen      map[string]time.Time
	lastPrune time.Time
}

// NewReplayGuard creates a guard with the given max message age.
// A non-positive maxAge selects the default.
func NewReplayGuard(maxAge time.Duration) *ReplayGuard {
	if maxAge <= 0 {
		maxAge = DefaultMaxMessageAge
	}
	return &ReplayGuard{
		maxAge:    maxAge,
		seen:      make(map[string]time.Time),
		lastPrune: time.Now(),
	}
}

// Check validates an envelope's timestamp and nonce, consuming the nonce
// on success. Checks run before decryption so a replayed envelope is
// rejected regardless of whether it would decrypt.
func (g *ReplayGuard) Check(env *Envelope) error {
	now := time.Now()
	ts := time.UnixMilli(env.Timestamp)
	if now.Sub(ts) > g.maxAge {
		return ErrMessageTooOld
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastPrune) > pruneInterval {
		g.pruneLocked(now)
		g.lastPrune = now
	}

	if _, exists := g.seen[env.Nonce]; exists {
		return ErrNonceReplayed
	}

	if len(g.seen) >= maxNonceCacheSize {
		g.pruneLocked(now)
	}

	g.seen[env.Nonce] = now
	return nil
}

// Size returns the number of nonces currently tracked.
func (g *ReplayGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Reset drops all tracked nonces. Used when a channel re-handshakes and
// derives a fresh secret.
func (g *ReplayGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = make(map[string]time.Time)
}

func (g *ReplayGuard) pruneLocked(now time.Time) {
	cutoff := now.Add(-nonceRetention)
	for nonce, seen := range g.seen {
		if seen.Before(cutoff) {
			delete(g.seen, nonce)
		}
	}
}
