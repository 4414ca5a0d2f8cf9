package linkerr

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("Classifies", func(t *testing.T) {
		err := New(CodeConnectionLost, "read: connection reset", "phone-1")
		assert.Equal(t, CodeConnectionLost, err.Code)
		assert.Equal(t, SeverityWarning, err.Severity)
		assert.True(t, err.Retryable)
		assert.Equal(t, []string{"phone-1"}, err.AffectedDevices)
		assert.NotEmpty(t, err.Message)
		assert.NotZero(t, err.Timestamp)
	})

	t.Run("UnknownCodeIsInternal", func(t *testing.T) {
		err := New(Code("NL-999"), "???")
		assert.Equal(t, CodeInternal, err.Code)
	})

	t.Run("ErrorString", func(t *testing.T) {
		err := New(CodeHandshakeTimeout, "deadline exceeded")
		assert.Contains(t, err.Error(), "NL-102")
		assert.Contains(t, err.Error(), "deadline exceeded")
	})
}

func TestWrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(CodeConnectionFailed, cause)
	assert.Equal(t, cause.Error(), err.Technical)

	assert.Equal(t, "", Wrap(CodeInternal, nil).Technical)
}

func TestNamespace(t *testing.T) {
	tests := []struct {
		code Code
		want string
	}{
		{CodeConnectionFailed, "connection"},
		{CodeInvalidSignature, "security"},
		{CodeMalformedMessage, "protocol"},
		{CodeCapabilityNotFound, "delegation"},
		{CodeSessionInvalid, "session"},
		{CodeInternal, "generic"},
		{Code(""), "generic"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.code.Namespace(), "code %s", tt.code)
	}
}

func TestNotifiable(t *testing.T) {
	// Critical always notifies.
	assert.True(t, New(CodeInvalidSignature, "").Notifiable())
	// Flagged non-critical codes notify.
	assert.True(t, New(CodeMaxReconnects, "").Notifiable())
	// Quiet codes do not.
	assert.False(t, New(CodeConnectionLost, "").Notifiable())
}

func TestCodeOf(t *testing.T) {
	lerr := New(CodeSessionExpired, "stale")
	wrapped := fmt.Errorf("connect: %w", lerr)
	assert.Equal(t, CodeSessionExpired, CodeOf(wrapped))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

// recorderRecovery records which recovery hook ran.
type recorderRecovery struct {
	mu            sync.Mutex
	disconnects   []*Error
	recoveries    [][]string
	backoffCalled int
}

func (r *recorderRecovery) ForceDisconnect(reason *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, reason)
}

func (r *recorderRecovery) RecoverSession(deviceIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recoveries = append(r.recoveries, deviceIDs)
}

func (r *recorderRecovery) SignalBackoff() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backoffCalled++
}

func TestClassifierHandle(t *testing.T) {
	t.Run("SecurityForcesDisconnect", func(t *testing.T) {
		c := NewClassifier(zerolog.Nop())
		rec := &recorderRecovery{}
		c.SetRecovery(rec)

		c.Handle(New(CodeMessageReplayed, "nonce reuse"))

		require.Len(t, rec.disconnects, 1)
		assert.Equal(t, CodeMessageReplayed, rec.disconnects[0].Code)
	})

	t.Run("SessionTriggersRecovery", func(t *testing.T) {
		c := NewClassifier(zerolog.Nop())
		rec := &recorderRecovery{}
		c.SetRecovery(rec)

		c.Handle(New(CodeSessionInvalid, "bad session", "phone-1"))
		c.Handle(New(CodeSessionExpired, "old session", "phone-2"))

		require.Len(t, rec.recoveries, 2)
		assert.Equal(t, []string{"phone-1"}, rec.recoveries[0])
		assert.Equal(t, []string{"phone-2"}, rec.recoveries[1])
	})

	t.Run("RateLimitSignalsBackoff", func(t *testing.T) {
		c := NewClassifier(zerolog.Nop())
		rec := &recorderRecovery{}
		c.SetRecovery(rec)

		c.Handle(New(CodeRateLimited, "slow down"))
		assert.Equal(t, 1, rec.backoffCalled)
	})

	t.Run("ConnectionErrorsLeftToChannel", func(t *testing.T) {
		c := NewClassifier(zerolog.Nop())
		rec := &recorderRecovery{}
		c.SetRecovery(rec)

		c.Handle(New(CodeConnectionLost, "drop"))
		assert.Empty(t, rec.disconnects)
		assert.Empty(t, rec.recoveries)
		assert.Zero(t, rec.backoffCalled)
	})

	t.Run("NotifierFiresForNotifiable", func(t *testing.T) {
		c := NewClassifier(zerolog.Nop())
		var notified []*Error
		c.SetNotifier(func(e *Error) { notified = append(notified, e) })

		c.Handle(New(CodeInvalidSignature, "bad tag"))
		c.Handle(New(CodeConnectionLost, "quiet"))

		require.Len(t, notified, 1)
		assert.Equal(t, CodeInvalidSignature, notified[0].Code)
	})

	t.Run("SubscribersSeeEverything", func(t *testing.T) {
		c := NewClassifier(zerolog.Nop())
		var seen []Code
		c.Subscribe(func(e *Error) { seen = append(seen, e.Code) })

		c.Handle(New(CodeConnectionLost, ""))
		c.Handle(New(CodeInternal, ""))

		assert.Equal(t, []Code{CodeConnectionLost, CodeInternal}, seen)
	})

	t.Run("NilIgnored", func(t *testing.T) {
		c := NewClassifier(zerolog.Nop())
		c.Handle(nil)
		assert.Zero(t, c.GetStats().Total)
	})
}

func TestClassifierStats(t *testing.T) {
	c := NewClassifier(zerolog.Nop())

	c.Handle(New(CodeConnectionLost, ""))
	c.Handle(New(CodeConnectionLost, ""))
	c.Handle(New(CodeInvalidSignature, ""))

	stats := c.GetStats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByCode[CodeConnectionLost])
	assert.Equal(t, 1, stats.ByCode[CodeInvalidSignature])
	assert.Equal(t, 2, stats.BySeverity["warning"])
	assert.Equal(t, 1, stats.BySeverity["critical"])
	assert.Equal(t, 3, stats.LastHour)
}

func TestClassifierHistoryRing(t *testing.T) {
	c := NewClassifier(zerolog.Nop())

	// Overfill the ring and confirm only the newest HistoryCapacity remain,
	// oldest first.
	for i := 0; i < HistoryCapacity+10; i++ {
		c.Handle(New(CodeConnectionLost, fmt.Sprintf("loss %d", i)))
	}

	diag := c.ExportDiagnostics()
	require.Len(t, diag.Recent, HistoryCapacity)
	assert.Equal(t, "loss 10", diag.Recent[0].Technical)
	assert.Equal(t, fmt.Sprintf("loss %d", HistoryCapacity+9), diag.Recent[HistoryCapacity-1].Technical)
	assert.Equal(t, HistoryCapacity, diag.Stats.Total)
	assert.NotZero(t, diag.GeneratedAt)
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "info", SeverityInfo.String())
	assert.Equal(t, "warning", SeverityWarning.String())
	assert.Equal(t, "error", SeverityError.String())
	assert.Equal(t, "critical", SeverityCritical.String())
	assert.Equal(t, "unknown", Severity(9).String())
}
