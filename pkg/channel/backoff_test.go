package channel

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	t.Run("DefaultSequence", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{MaxJitter: -1}) // disable jitter

		// Expected base sequence: 1s, 2s, 4s, 8s, 16s, 30s, 30s...
		expected := []time.Duration{
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			30 * time.Second,
			30 * time.Second, // stays at max
		}

		for i, exp := range expected {
			got := b.Next()
			if got != exp {
				t.Errorf("Attempt %d: delay = %v, want %v", i, got, exp)
			}
		}
	})

	t.Run("Jitter", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{})

		// First delay: base 1s plus up to 1s of jitter.
		first := b.Next()
		if first < InitialBackoff || first >= InitialBackoff+MaxJitter {
			t.Errorf("first delay %v out of range [1s, 2s)", first)
		}

		// Jitter should vary across fresh backoffs.
		allSame := true
		for i := 0; i < 10; i++ {
			if NewBackoff(BackoffConfig{}).Next() != first {
				allSame = false
				break
			}
		}
		if allSame {
			t.Error("all jittered delays identical, jitter may not be applied")
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{MaxJitter: -1})

		for i := 0; i < 5; i++ {
			b.Next()
		}
		if b.Current() <= InitialBackoff {
			t.Error("backoff should have increased")
		}
		if b.Attempts() != 5 {
			t.Errorf("attempts = %d, want 5", b.Attempts())
		}

		b.Reset()
		if b.Current() != InitialBackoff {
			t.Errorf("current after reset = %v, want %v", b.Current(), InitialBackoff)
		}
		if b.Attempts() != 0 {
			t.Errorf("attempts after reset = %d, want 0", b.Attempts())
		}
	})

	t.Run("CustomConfig", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{
			Initial:    10 * time.Millisecond,
			Max:        40 * time.Millisecond,
			Multiplier: 2,
			MaxJitter:  -1,
		})

		expected := []time.Duration{
			10 * time.Millisecond,
			20 * time.Millisecond,
			40 * time.Millisecond,
			40 * time.Millisecond,
		}
		for i, exp := range expected {
			if got := b.Next(); got != exp {
				t.Errorf("Attempt %d: delay = %v, want %v", i, got, exp)
			}
		}
	})
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "DISCONNECTED"},
		{StateConnecting, "CONNECTING"},
		{StateHandshaking, "HANDSHAKING"},
		{StateAuthenticating, "AUTHENTICATING"},
		{StateConnected, "CONNECTED"},
		{StateReconnecting, "RECONNECTING"},
		{StateFailed, "FAILED"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateHandshaking},
		{StateHandshaking, StateAuthenticating},
		{StateAuthenticating, StateConnected},
		{StateConnected, StateReconnecting},
		{StateReconnecting, StateConnecting},
		{StateReconnecting, StateFailed},
		{StateFailed, StateConnecting},
		{StateConnected, StateDisconnected},
	}
	for _, tt := range legal {
		if !canTransition(tt.from, tt.to) {
			t.Errorf("canTransition(%v, %v) = false, want true", tt.from, tt.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StateDisconnected, StateConnected},
		{StateDisconnected, StateHandshaking},
		{StateConnecting, StateConnected},
		{StateConnected, StateHandshaking},
		{StateFailed, StateReconnecting},
		{StateHandshaking, StateConnected},
	}
	for _, tt := range illegal {
		if canTransition(tt.from, tt.to) {
			t.Errorf("canTransition(%v, %v) = true, want false", tt.from, tt.to)
		}
	}
}
