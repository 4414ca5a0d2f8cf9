package linkerr

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HistoryCapacity is the fixed capacity of the error history ring.
const HistoryCapacity = 100

// Recovery is implemented by the orchestrator to give the classifier its
// code-specific recovery hooks. All methods must be non-blocking or fast;
// they are invoked from Handle.
type Recovery interface {
	// ForceDisconnect tears the channel down. Called for security errors,
	// which are never silently retried.
	ForceDisconnect(reason *Error)

	// RecoverSession attempts session recovery for the affected devices.
	RecoverSession(deviceIDs []string)

	// SignalBackoff tells senders to slow down after a rate limit.
	SignalBackoff()
}

// Notifier receives user-visible notifications for notifiable errors.
type Notifier func(err *Error)

// Stats aggregates error counts for diagnostics.
type Stats struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"bySeverity"`
	ByCode     map[Code]int   `json:"byCode"`
	LastHour   int            `json:"lastHour"`
}

// Diagnostics is a support snapshot of the classifier state.
type Diagnostics struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Stats       Stats     `json:"stats"`
	Recent      []*Error  `json:"recent"`
}

// Classifier records, routes, and recovers from classified errors.
type Classifier struct {
	log zerolog.Logger

	mu        sync.Mutex
	history   []*Error // ring buffer, fixed capacity
	next      int
	filled    bool
	recovery  Recovery
	notifier  Notifier
	listeners []func(*Error)
}

// NewClassifier creates a classifier. Recovery hooks are attached later by
// the orchestrator via SetRecovery.
func NewClassifier(log zerolog.Logger) *Classifier {
	return &Classifier{
		log:     log.With().Str("component", "linkerr").Logger(),
		history: make([]*Error, HistoryCapacity),
	}
}

// SetRecovery attaches the recovery hooks.
func (c *Classifier) SetRecovery(r Recovery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recovery = r
}

// SetNotifier attaches the user-notification sink.
func (c *Classifier) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

// Subscribe registers a listener invoked for every handled error.
func (c *Classifier) Subscribe(fn func(*Error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Handle records err, notifies subscribers, runs the code-specific
// recovery action, and raises a user notification when warranted.
func (c *Classifier) Handle(err *Error) {
	if err == nil {
		return
	}

	c.mu.Lock()
	c.history[c.next] = err
	c.next = (c.next + 1) % HistoryCapacity
	if c.next == 0 {
		c.filled = true
	}
	recovery := c.recovery
	notifier := c.notifier
	listeners := append([]func(*Error){}, c.listeners...)
	c.mu.Unlock()

	evt := c.log.WithLevel(zerologLevel(err.Severity)).
		Str("code", string(err.Code)).
		Str("namespace", err.Code.Namespace()).
		Bool("retryable", err.Retryable)
	if err.Technical != "" {
		evt = evt.Str("detail", err.Technical)
	}
	if len(err.AffectedDevices) > 0 {
		evt = evt.Strs("devices", err.AffectedDevices)
	}
	evt.Msg(err.Message)

	for _, fn := range listeners {
		fn(err)
	}

	if recovery != nil {
		c.recover(err, recovery)
	}

	if notifier != nil && err.Notifiable() {
		notifier(err)
	}
}

// recover dispatches the narrow, code-specific recovery action.
func (c *Classifier) recover(err *Error, r Recovery) {
	switch {
	case err.Code.Namespace() == "security":
		// A detected security violation is never silently retried.
		r.ForceDisconnect(err)
	case err.Code == CodeSessionInvalid || err.Code == CodeSessionExpired:
		r.RecoverSession(err.AffectedDevices)
	case err.Code == CodeRateLimited:
		r.SignalBackoff()
	case err.Code == CodeMaxReconnects:
		// Terminal: surfaced via notification, manual reconnect required.
	default:
		// Connection errors are left to the channel's own reconnection
		// loop; delegation errors are surfaced to the caller.
	}
}

// GetStats aggregates counts by severity and code, plus errors within the
// last hour.
func (c *Classifier) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		BySeverity: make(map[string]int),
		ByCode:     make(map[Code]int),
	}
	hourAgo := time.Now().Add(-time.Hour)

	for _, err := range c.historyLocked() {
		stats.Total++
		stats.BySeverity[err.Severity.String()]++
		stats.ByCode[err.Code]++
		if err.Timestamp.After(hourAgo) {
			stats.LastHour++
		}
	}
	return stats
}

// ExportDiagnostics produces a support snapshot: aggregate stats plus the
// recorded history in chronological order.
func (c *Classifier) ExportDiagnostics() Diagnostics {
	stats := c.GetStats()

	c.mu.Lock()
	recent := c.historyLocked()
	c.mu.Unlock()

	return Diagnostics{
		GeneratedAt: time.Now(),
		Stats:       stats,
		Recent:      recent,
	}
}

// historyLocked returns the ring contents oldest-first.
func (c *Classifier) historyLocked() []*Error {
	if !c.filled {
		out := make([]*Error, c.next)
		copy(out, c.history[:c.next])
		return out
	}
	out := make([]*Error, 0, HistoryCapacity)
	out = append(out, c.history[c.next:]...)
	out = append(out, c.history[:c.next]...)
	return out
}

func zerologLevel(s Severity) zerolog.Level {
	switch s {
	case SeverityInfo:
		return zerolog.InfoLevel
	case SeverityWarning:
		return zerolog.WarnLevel
	case SeverityError:
		return zerolog.ErrorLevel
	case SeverityCritical:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
