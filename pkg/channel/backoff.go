package channel

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff constants.
const (
	// InitialBackoff is the initial reconnection delay.
	InitialBackoff = 1 * time.Second

	// MaxBackoff is the maximum reconnection delay.
	MaxBackoff = 30 * time.Second

	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier = 2.0

	// MaxJitter is the maximum random jitter added to each delay.
	MaxJitter = 1 * time.Second

	// MaxReconnectAttempts is the reconnection attempt budget.
	MaxReconnectAttempts = 10
)

// Backoff calculates exponential backoff delays with jitter:
//
//	delay = min(max, initial * multiplier^attempt) + random(0, maxJitter)
type Backoff struct {
	mu sync.Mutex

	current    time.Duration
	initial    time.Duration
	max        time.Duration
	multiplier float64
	maxJitter  time.Duration
	attempts   int

	rng *rand.Rand
}

// BackoffConfig allows customizing backoff parameters. A negative
// MaxJitter disables jitter entirely.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxJitter  time.Duration
}

// NewBackoff creates a backoff calculator. Zero-value config fields fall
// back to the defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = BackoffMultiplier
	}
	switch {
	case cfg.MaxJitter == 0:
		cfg.MaxJitter = MaxJitter
	case cfg.MaxJitter < 0:
		cfg.MaxJitter = 0
	}

	return &Backoff{
		current:    cfg.Initial,
		initial:    cfg.Initial,
		max:        cfg.Max,
		multiplier: cfg.Multiplier,
		maxJitter:  cfg.MaxJitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay (with jitter) and advances the backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current
	if b.maxJitter > 0 {
		delay += time.Duration(b.rng.Int63n(int64(b.maxJitter)))
	}

	b.attempts++
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next

	return delay
}

// Current returns the current base delay (without jitter) without
// advancing.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Attempts returns the number of attempts since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reset restores the initial delay and zeroes the attempt counter.
// Call after a successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.attempts = 0
}
