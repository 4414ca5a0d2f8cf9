package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neurallink-protocol/neurallink-go/pkg/channel"
	"github.com/neurallink-protocol/neurallink-go/pkg/crypto"
	"github.com/neurallink-protocol/neurallink-go/pkg/linkerr"
	"github.com/neurallink-protocol/neurallink-go/pkg/pairing"
	"github.com/neurallink-protocol/neurallink-go/pkg/registry"
	"github.com/neurallink-protocol/neurallink-go/pkg/session"
	"github.com/neurallink-protocol/neurallink-go/pkg/transport"
	"github.com/neurallink-protocol/neurallink-go/pkg/wire"
)

// livenessSweepInterval is how often stale devices are demoted.
const livenessSweepInterval = 30 * time.Second

// rateLimitPause is how long sends are throttled after the peer signals a
// rate limit.
const rateLimitPause = 10 * time.Second

// Link errors.
var (
	ErrNotInitialized = errors.New("link not initialized")
	ErrNotConnected   = errors.New("link not connected")
)

// Link orchestrates one hub's secure connection, device catalog, durable
// sessions, and error recovery.
type Link struct {
	log        zerolog.Logger
	deviceID   string
	registry   *registry.Registry
	store      *session.Store
	classifier *linkerr.Classifier
	issuer     *pairing.Issuer

	mu           sync.Mutex
	channel      *channel.Channel
	addr         string
	throttledTil time.Time

	onCommand  func(*wire.Message)
	onResponse func(*wire.Message)
	onEvent    func(*wire.Message)
	onSync     func(*wire.Message)
}

// Option customizes a Link at construction.
type Option func(*Link)

// WithIssuer replaces the default pairing-token issuer.
func WithIssuer(i *pairing.Issuer) Option {
	return func(l *Link) { l.issuer = i }
}

// New creates an orchestrator for the given hub identity. The registry,
// store, and classifier are injected; the classifier's recovery hooks are
// attached here.
func New(deviceID string, reg *registry.Registry, store *session.Store, cls *linkerr.Classifier, log zerolog.Logger, opts ...Option) *Link {
	l := &Link{
		log:        log.With().Str("component", "link").Logger(),
		deviceID:   deviceID,
		registry:   reg,
		store:      store,
		classifier: cls,
		issuer:     pairing.NewIssuer(0),
	}
	for _, opt := range opts {
		opt(l)
	}
	cls.SetRecovery(l)
	return l
}

// Initialize creates the secure channel for addr, wires inbound dispatch,
// and starts the background sweeps (session retention, device liveness).
// It does not connect.
func (l *Link) Initialize(ctx context.Context, addr string, cfg channel.Config) {
	ch := channel.New(l.deviceID, func() transport.Socket {
		return transport.NewFramedSocket(addr)
	}, cfg, l.log)

	ch.OnMessage(l.dispatch)
	ch.OnError(l.classifier.Handle)
	ch.OnSystem(l.handleSystem)

	l.mu.Lock()
	l.channel = ch
	l.addr = addr
	l.mu.Unlock()

	l.store.StartCleanup(ctx)
	go l.livenessLoop(ctx)
}

// InitializeWithChannel wires an already-built channel instead of dialing
// addr. Used by tests and embedders that supply their own transport.
func (l *Link) InitializeWithChannel(ctx context.Context, ch *channel.Channel) {
	ch.OnMessage(l.dispatch)
	ch.OnError(l.classifier.Handle)
	ch.OnSystem(l.handleSystem)

	l.mu.Lock()
	l.channel = ch
	l.mu.Unlock()

	l.store.StartCleanup(ctx)
	go l.livenessLoop(ctx)
}

// Connect opens the secure channel, then restores the hub's durable
// session and replays its offline queue. Session recovery failure is
// classified and non-fatal: the channel stays up and a fresh session is
// created on the next pairing.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	ch := l.channel
	l.mu.Unlock()
	if ch == nil {
		return ErrNotInitialized
	}

	if err := ch.Connect(ctx); err != nil {
		return err
	}

	l.restoreSession(l.deviceID)
	l.replayQueue(l.deviceID)
	return nil
}

// Disconnect closes the secure channel. Sessions and queues are durable
// and survive for the next Connect.
func (l *Link) Disconnect() {
	l.mu.Lock()
	ch := l.channel
	l.mu.Unlock()
	if ch != nil {
		ch.Disconnect()
	}
}

// restoreSession validates and recovers the stored session for a device.
func (l *Link) restoreSession(deviceID string) {
	sess, err := l.store.ResolveConflicts(deviceID)
	if err != nil || sess == nil {
		return
	}

	valid, err := l.store.Validate(sess.ID)
	if err != nil {
		l.classifier.Handle(linkerr.Wrap(linkerr.CodeSessionInvalid, err, deviceID))
		return
	}
	if !valid {
		l.classifier.Handle(linkerr.New(linkerr.CodeSessionExpired, "session past retention window", deviceID))
		return
	}

	secret, err := l.store.Recover(sess.ID)
	if err != nil {
		l.classifier.Handle(linkerr.Wrap(linkerr.CodeSessionRecoveryFailed, err, deviceID))
		if derr := l.store.Delete(sess.ID); derr != nil {
			l.log.Error().Err(derr).Str("session", sess.ID).Msg("failed to purge unrecoverable session")
		}
		return
	}
	// Recovery only proves the sealed secret still unseals. The channel
	// derives a fresh secret in its own handshake, so the recovered copy
	// is destroyed rather than adopted.
	secret.Destroy()

	if err := l.store.Touch(sess.ID); err != nil {
		l.log.Error().Err(err).Str("session", sess.ID).Msg("failed to touch session")
	}
	l.log.Info().Str("session", sess.ID).Str("device", deviceID).Msg("session restored")
}

// replayQueue drains the durable offline queue onto the live channel.
func (l *Link) replayQueue(deviceID string) {
	l.mu.Lock()
	ch := l.channel
	l.mu.Unlock()

	sent, failed, err := l.store.ProcessQueue(deviceID, func(m *wire.Message) error {
		if !ch.IsConnected() {
			return ErrNotConnected
		}
		ch.Send(m)
		return nil
	})
	if err != nil {
		l.log.Error().Err(err).Str("device", deviceID).Msg("queue replay failed")
		return
	}
	if sent > 0 || failed > 0 {
		l.log.Info().Str("device", deviceID).Int("sent", sent).Int("failed", failed).Msg("offline queue replayed")
	}
}

// GeneratePairingData issues a single-use pairing payload for this hub,
// ready for out-of-band transfer.
func (l *Link) GeneratePairingData() (*pairing.Payload, error) {
	return l.issuer.Issue(l.deviceID)
}

// CompletePairing redeems a pairing token, registers the device, and
// persists a durable session sealed around the shared secret.
func (l *Link) CompletePairing(token string, d registry.Device, secret *crypto.SharedSecret) (*session.Session, error) {
	if err := l.issuer.Redeem(token); err != nil {
		lerr := linkerr.Wrap(linkerr.CodeUnauthorizedDevice, err, d.ID)
		l.classifier.Handle(lerr)
		return nil, lerr
	}

	registered := l.registry.Register(d)
	sess, err := l.store.Create(registered.ID, secret, registered.PublicKey, registered.Capabilities)
	if err != nil {
		return nil, err
	}
	l.log.Info().Str("device", registered.ID).Str("session", sess.ID).Msg("pairing complete")
	return sess, nil
}

// RegisterDevice adds or updates a device in the registry.
func (l *Link) RegisterDevice(d registry.Device) *registry.Device {
	return l.registry.Register(d)
}

// SendCommand sends a command to a known device, returning the
// correlation id for matching the eventual response. When the channel is
// down or throttled the command lands in the device's durable queue.
func (l *Link) SendCommand(deviceID, command string, args map[string]any) (string, error) {
	if l.registry.Get(deviceID) == nil {
		lerr := linkerr.New(linkerr.CodeDeviceNotFound, "unknown device "+deviceID, deviceID)
		l.classifier.Handle(lerr)
		return "", lerr
	}

	m := wire.NewMessage(wire.TypeCommand, map[string]any{
		"command": command,
		"args":    args,
	})
	m.Source = l.deviceID
	m.Target = deviceID
	m.CorrelationID = uuid.NewString()

	l.mu.Lock()
	ch := l.channel
	throttled := time.Now().Before(l.throttledTil)
	l.mu.Unlock()

	if ch == nil || !ch.IsConnected() || throttled {
		if err := l.store.Enqueue(deviceID, m); err != nil {
			return "", err
		}
		return m.CorrelationID, nil
	}

	ch.Send(m)
	return m.CorrelationID, nil
}

// DelegateTool routes a tool invocation to the best-suited online device:
// the highest-trust online device advertising the capability. Returns the
// chosen device id and the command's correlation id.
func (l *Link) DelegateTool(tool string, args map[string]any) (deviceID, correlationID string, err error) {
	best, advertised := l.registry.SelectBestDevice(tool)
	if best == nil {
		var lerr *linkerr.Error
		if advertised {
			lerr = linkerr.New(linkerr.CodeDeviceNotFound, "no online device offers "+tool)
		} else {
			lerr = linkerr.New(linkerr.CodeCapabilityNotFound, "no device offers "+tool)
		}
		l.classifier.Handle(lerr)
		return "", "", lerr
	}

	corr, err := l.SendCommand(best.ID, tool, args)
	if err != nil {
		return "", "", err
	}
	l.log.Debug().Str("tool", tool).Str("device", best.ID).Msg("tool delegated")
	return best.ID, corr, nil
}

// SyncState broadcasts a best-effort shared-state update. Fire and
// forget: no delivery guarantee, no queuing.
func (l *Link) SyncState(key string, data map[string]any) {
	l.mu.Lock()
	ch := l.channel
	l.mu.Unlock()
	if ch == nil || !ch.IsConnected() {
		return
	}

	m := wire.NewMessage(wire.TypeSync, map[string]any{
		"key":  key,
		"data": data,
	})
	m.Source = l.deviceID
	ch.Send(m)
}

// Devices returns every known device.
func (l *Link) Devices() []*registry.Device {
	return l.registry.AllDevices()
}

// OnlineDevices returns the devices currently online.
func (l *Link) OnlineDevices() []*registry.Device {
	return l.registry.DevicesByStatus(registry.StatusOnline)
}

// RemoveDevice unpairs a device: registry entry, durable session, and
// queued messages all go.
func (l *Link) RemoveDevice(deviceID string) error {
	if err := l.registry.Remove(deviceID); err != nil {
		return err
	}

	for {
		sess, err := l.store.GetByDevice(deviceID)
		if errors.Is(err, session.ErrSessionNotFound) {
			break
		}
		if err != nil {
			return err
		}
		if err := l.store.Delete(sess.ID); err != nil {
			return err
		}
	}
	return l.store.ClearQueue(deviceID)
}

// ConnectionState returns the channel state.
func (l *Link) ConnectionState() channel.State {
	l.mu.Lock()
	ch := l.channel
	l.mu.Unlock()
	if ch == nil {
		return channel.StateDisconnected
	}
	return ch.State()
}

// IsConnected reports whether the secure channel is up.
func (l *Link) IsConnected() bool {
	return l.ConnectionState() == channel.StateConnected
}

// Diagnostics returns the classifier's support snapshot.
func (l *Link) Diagnostics() linkerr.Diagnostics {
	return l.classifier.ExportDiagnostics()
}

// OnCommand sets the handler for inbound commands.
func (l *Link) OnCommand(fn func(*wire.Message)) { l.withLock(func() { l.onCommand = fn }) }

// OnResponse sets the handler for inbound command responses.
func (l *Link) OnResponse(fn func(*wire.Message)) { l.withLock(func() { l.onResponse = fn }) }

// OnEvent sets the handler for inbound device events.
func (l *Link) OnEvent(fn func(*wire.Message)) { l.withLock(func() { l.onEvent = fn }) }

// OnSync sets the handler for inbound state sync updates.
func (l *Link) OnSync(fn func(*wire.Message)) { l.withLock(func() { l.onSync = fn }) }

func (l *Link) withLock(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

// dispatch routes one decrypted inbound message to its typed handler.
// Heartbeats feed registry liveness directly.
func (l *Link) dispatch(m *wire.Message) {
	l.mu.Lock()
	onCommand := l.onCommand
	onResponse := l.onResponse
	onEvent := l.onEvent
	onSync := l.onSync
	l.mu.Unlock()

	switch m.Type {
	case wire.TypeCommand:
		if onCommand != nil {
			onCommand(m)
		}
	case wire.TypeResponse:
		if onResponse != nil {
			onResponse(m)
		}
	case wire.TypeEvent:
		if onEvent != nil {
			onEvent(m)
		}
	case wire.TypeSync:
		if onSync != nil {
			onSync(m)
		}
	case wire.TypeHeartbeat:
		deviceID, ok := m.PayloadString("deviceId")
		if !ok {
			deviceID = m.Source
		}
		if deviceID != "" {
			if err := l.registry.Heartbeat(deviceID, nil); err != nil {
				l.log.Debug().Str("device", deviceID).Msg("heartbeat from unknown device")
			}
		}
	default:
		l.classifier.Handle(linkerr.New(linkerr.CodeUnsupportedMessage, "type "+string(m.Type)))
	}
}

// handleSystem reacts to plaintext control frames from the peer.
func (l *Link) handleSystem(sf *wire.SystemFrame) {
	switch sf.System {
	case wire.SystemRateLimited:
		l.classifier.Handle(linkerr.New(linkerr.CodeRateLimited, "peer signaled rate limit"))
	default:
		l.log.Debug().Str("command", sf.System).Msg("unhandled system frame")
	}
}

// livenessLoop periodically demotes devices that stopped heartbeating.
func (l *Link) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(livenessSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.registry.MarkStale(time.Now())
		}
	}
}

// Recovery hooks, invoked by the classifier.

var _ linkerr.Recovery = (*Link)(nil)

// ForceDisconnect tears the channel down in response to a security error.
func (l *Link) ForceDisconnect(reason *linkerr.Error) {
	l.log.Warn().Str("code", string(reason.Code)).Msg("forcing disconnect")
	l.Disconnect()
}

// RecoverSession re-validates and recovers stored sessions for the
// affected devices, purging any that cannot be restored.
func (l *Link) RecoverSession(deviceIDs []string) {
	for _, id := range deviceIDs {
		l.restoreSession(id)
	}
}

// SignalBackoff throttles outbound commands for a short window; commands
// issued meanwhile land in the durable queue.
func (l *Link) SignalBackoff() {
	l.mu.Lock()
	l.throttledTil = time.Now().Add(rateLimitPause)
	l.mu.Unlock()
	l.log.Info().Dur("pause", rateLimitPause).Msg("send throttle engaged")
}
