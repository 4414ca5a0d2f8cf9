package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neurallink-protocol/neurallink-go/pkg/crypto"
	"github.com/neurallink-protocol/neurallink-go/pkg/linkerr"
	"github.com/neurallink-protocol/neurallink-go/pkg/transport"
	"github.com/neurallink-protocol/neurallink-go/pkg/wire"
)

// Channel timeouts.
const (
	// DefaultHandshakeTimeout bounds the public-key exchange.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultHeartbeatInterval is the liveness heartbeat period.
	DefaultHeartbeatInterval = 30 * time.Second
)

// Channel errors.
var (
	ErrAlreadyConnecting = errors.New("connect already in progress")
	ErrHandshakeTimeout  = errors.New("handshake timed out")
)

// SocketFactory produces a fresh raw socket for each connection attempt.
type SocketFactory func() transport.Socket

// Config tunes a channel. Zero values select defaults.
type Config struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	MaxMessageAge     time.Duration
	Backoff           BackoffConfig
	MaxAttempts       int
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = MaxReconnectAttempts
	}
}

// Channel is one secure connection between the hub and its peer.
// All state transitions, encryption, and queue mutations are serialized
// under one mutex; a hub owns exactly one channel.
type Channel struct {
	log       zerolog.Logger
	cfg       Config
	deviceID  string
	newSocket SocketFactory

	mu      sync.Mutex
	state   State
	socket  transport.Socket
	keys    *crypto.KeyPair
	secret  *crypto.SharedSecret
	guard   *wire.ReplayGuard
	offline []*wire.Message
	backoff *Backoff
	connID  string

	hsCh        chan string
	reconnectT  *time.Timer
	heartbeatCh chan struct{}

	onConnected    func()
	onDisconnected func()
	onReconnecting func(attempt int, delay time.Duration)
	onMessage      func(*wire.Message)
	onSystem       func(*wire.SystemFrame)
	onError        func(*linkerr.Error)
}

// New creates a channel for the given device identity. The factory is
// invoked once per connection attempt so every attempt gets a clean
// socket.
func New(deviceID string, factory SocketFactory, cfg Config, log zerolog.Logger) *Channel {
	cfg.applyDefaults()
	return &Channel{
		log:       log.With().Str("component", "channel").Str("device", deviceID).Logger(),
		cfg:       cfg,
		deviceID:  deviceID,
		newSocket: factory,
		state:     StateDisconnected,
		guard:     wire.NewReplayGuard(cfg.MaxMessageAge),
		backoff:   NewBackoff(cfg.Backoff),
	}
}

// OnConnected sets the callback for a completed connection.
func (c *Channel) OnConnected(fn func()) { c.withLock(func() { c.onConnected = fn }) }

// OnDisconnected sets the callback for connection loss or teardown.
func (c *Channel) OnDisconnected(fn func()) { c.withLock(func() { c.onDisconnected = fn }) }

// OnReconnecting sets the callback for reconnection attempts.
func (c *Channel) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	c.withLock(func() { c.onReconnecting = fn })
}

// OnMessage sets the callback for decrypted inbound messages.
func (c *Channel) OnMessage(fn func(*wire.Message)) { c.withLock(func() { c.onMessage = fn }) }

// OnSystem sets the callback for plaintext system control frames.
func (c *Channel) OnSystem(fn func(*wire.SystemFrame)) { c.withLock(func() { c.onSystem = fn }) }

// OnError sets the callback for classified channel errors.
func (c *Channel) OnError(fn func(*linkerr.Error)) { c.withLock(func() { c.onError = fn }) }

func (c *Channel) withLock(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether encrypted traffic may flow.
func (c *Channel) IsConnected() bool {
	return c.State() == StateConnected
}

// Attempts returns the reconnection attempts since the last success.
func (c *Channel) Attempts() int {
	return c.backoff.Attempts()
}

// QueuedCount returns the size of the in-memory offline queue.
func (c *Channel) QueuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.offline)
}

// Connect generates a fresh key pair, opens the socket, performs the
// handshake, and on success starts heartbeats and flushes the offline
// queue. A failure schedules a reconnection attempt. Blocks until
// connected, failed, or ctx is done.
//
// An explicit Connect resets the attempt budget, including out of the
// terminal FAILED state.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateHandshaking, StateAuthenticating:
		c.mu.Unlock()
		return ErrAlreadyConnecting
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateReconnecting:
		// Explicit connect takes over from the backoff timer.
		if c.reconnectT != nil {
			c.reconnectT.Stop()
			c.reconnectT = nil
		}
		c.toStateLocked(StateDisconnected)
	}
	c.backoff.Reset()
	c.mu.Unlock()

	return c.connectAttempt(ctx)
}

// connectAttempt runs one connection attempt. Used by both Connect and
// the reconnection timer; only the former resets the attempt budget.
func (c *Channel) connectAttempt(ctx context.Context) error {
	c.mu.Lock()
	if !c.toStateLocked(StateConnecting) {
		c.mu.Unlock()
		return fmt.Errorf("illegal transition from %s", c.state)
	}

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		c.toStateLocked(StateDisconnected)
		c.mu.Unlock()
		return err
	}
	c.keys = keys
	c.connID = uuid.NewString()

	sock := c.newSocket()
	sock.SetHandlers(c.handleFrame, c.handleLoss)
	c.socket = sock

	hsCh := make(chan string, 1)
	c.hsCh = hsCh
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, transport.DialTimeout)
	err = sock.Connect(dialCtx)
	cancel()
	if err != nil {
		return c.failConnect(linkerr.Wrap(linkerr.CodeConnectionFailed, err))
	}

	// Handshake: emit our public key, wait for the peer's.
	c.mu.Lock()
	c.toStateLocked(StateHandshaking)
	c.mu.Unlock()

	frame, err := wire.Marshal(&wire.HandshakeFrame{PublicKey: keys.PublicHex()})
	if err != nil {
		return c.failConnect(linkerr.Wrap(linkerr.CodeEncodingFailed, err))
	}
	if err := sock.Send(frame); err != nil {
		return c.failConnect(linkerr.Wrap(linkerr.CodeConnectionFailed, err))
	}

	var peerKeyHex string
	select {
	case peerKeyHex = <-hsCh:
	case <-time.After(c.cfg.HandshakeTimeout):
		return c.failConnect(linkerr.Wrap(linkerr.CodeHandshakeTimeout, ErrHandshakeTimeout))
	case <-ctx.Done():
		return c.failConnect(linkerr.Wrap(linkerr.CodeConnectionFailed, ctx.Err()))
	}

	c.mu.Lock()
	c.toStateLocked(StateAuthenticating)
	c.mu.Unlock()

	peerKey, err := crypto.DecodePublicKey(peerKeyHex)
	if err == nil {
		var secret *crypto.SharedSecret
		secret, err = crypto.DeriveSharedSecret(keys.Private, peerKey)
		if err == nil {
			return c.completeConnect(secret)
		}
	}

	// Key agreement failures are security errors: close, do not retry.
	c.mu.Lock()
	c.teardownLocked(StateDisconnected)
	c.mu.Unlock()
	lerr := linkerr.Wrap(linkerr.CodeKeyExchangeFailed, err)
	c.emitError(lerr)
	return lerr
}

// completeConnect finalizes a successful handshake.
func (c *Channel) completeConnect(secret *crypto.SharedSecret) error {
	c.mu.Lock()
	c.secret = secret
	c.guard.Reset()
	c.backoff.Reset()
	c.toStateLocked(StateConnected)

	stop := make(chan struct{})
	c.heartbeatCh = stop

	pending := c.offline
	c.offline = nil
	onConnected := c.onConnected
	c.mu.Unlock()

	c.log.Info().Str("conn", c.connID).Msg("channel connected")
	go c.heartbeatLoop(stop)

	if onConnected != nil {
		onConnected()
	}

	// Flush messages queued while offline. Failures land back in the
	// queue via Send's own fallback.
	for _, m := range pending {
		c.Send(m)
	}
	return nil
}

// failConnect tears down a failed attempt and schedules a retry.
func (c *Channel) failConnect(lerr *linkerr.Error) error {
	c.mu.Lock()
	sock := c.socket
	c.socket = nil
	c.destroyKeysLocked()
	c.toStateLocked(StateReconnecting)
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}

	c.emitError(lerr)
	c.scheduleReconnect()
	return lerr
}

// Send encrypts and transmits the message when connected; otherwise it
// appends to the offline queue. Never returns an error to the caller:
// offline sends are fire-and-forget.
func (c *Channel) Send(m *wire.Message) {
	c.mu.Lock()

	if c.state != StateConnected || c.secret == nil {
		c.offline = append(c.offline, m)
		c.mu.Unlock()
		return
	}

	env, err := wire.Seal(c.secret, m)
	if err != nil {
		c.offline = append(c.offline, m)
		c.mu.Unlock()
		c.emitError(linkerr.Wrap(linkerr.CodeEncodingFailed, err))
		return
	}
	frame, err := wire.Marshal(env)
	if err != nil {
		c.offline = append(c.offline, m)
		c.mu.Unlock()
		c.emitError(linkerr.Wrap(linkerr.CodeEncodingFailed, err))
		return
	}

	// The socket write stays under the lock so that seal order and wire
	// order agree when multiple goroutines send concurrently.
	if err := c.socket.Send(frame); err != nil {
		// Transport refused the frame: queue for the next connection.
		c.offline = append(c.offline, m)
	}
	c.mu.Unlock()
}

// Disconnect stops heartbeats, cancels any pending reconnect, closes the
// socket, and discards all key material.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.teardownLocked(StateDisconnected)
	onDisconnected := c.onDisconnected
	c.mu.Unlock()

	c.log.Info().Str("conn", c.connID).Msg("channel disconnected")
	if onDisconnected != nil {
		onDisconnected()
	}
}

// teardownLocked stops timers and heartbeats, closes the socket, discards
// key material, and transitions to the target state. Caller holds c.mu.
func (c *Channel) teardownLocked(target State) {
	if c.reconnectT != nil {
		c.reconnectT.Stop()
		c.reconnectT = nil
	}
	if c.heartbeatCh != nil {
		close(c.heartbeatCh)
		c.heartbeatCh = nil
	}
	if c.socket != nil {
		_ = c.socket.Close()
		c.socket = nil
	}
	c.destroyKeysLocked()
	c.toStateLocked(target)
}

func (c *Channel) destroyKeysLocked() {
	if c.keys != nil {
		c.keys.Destroy()
		c.keys = nil
	}
	if c.secret != nil {
		c.secret.Destroy()
		c.secret = nil
	}
}

// toStateLocked applies a transition, rejecting illegal ones.
func (c *Channel) toStateLocked(to State) bool {
	if c.state == to {
		return true
	}
	if !canTransition(c.state, to) {
		c.log.Error().
			Stringer("from", c.state).
			Stringer("to", to).
			Msg("illegal state transition rejected")
		return false
	}
	c.log.Debug().Stringer("from", c.state).Stringer("to", to).Msg("state transition")
	c.state = to
	return true
}

// handleLoss reacts to an unexpected socket drop.
func (c *Channel) handleLoss(err error) {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateFailed {
		c.mu.Unlock()
		return
	}

	if c.heartbeatCh != nil {
		close(c.heartbeatCh)
		c.heartbeatCh = nil
	}
	c.socket = nil
	c.destroyKeysLocked()
	c.toStateLocked(StateReconnecting)
	onDisconnected := c.onDisconnected
	c.mu.Unlock()

	c.log.Warn().Err(err).Str("conn", c.connID).Msg("connection lost")
	if onDisconnected != nil {
		onDisconnected()
	}
	c.emitError(linkerr.Wrap(linkerr.CodeConnectionLost, err))
	c.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt, or
// transitions to FAILED when the budget is exhausted.
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}

	if c.backoff.Attempts() >= c.cfg.MaxAttempts {
		c.toStateLocked(StateFailed)
		c.mu.Unlock()
		c.emitError(linkerr.New(linkerr.CodeMaxReconnects,
			fmt.Sprintf("gave up after %d attempts", c.cfg.MaxAttempts)))
		return
	}

	delay := c.backoff.Next()
	attempt := c.backoff.Attempts()
	onReconnecting := c.onReconnecting

	c.reconnectT = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		// Errors here feed back into failConnect, which schedules the
		// next attempt without resetting the budget.
		_ = c.reconnect()
	})
	c.mu.Unlock()

	c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	if onReconnecting != nil {
		onReconnecting(attempt, delay)
	}
}

// reconnect is Connect minus the budget reset, used by the backoff timer.
func (c *Channel) reconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(),
		transport.DialTimeout+c.cfg.HandshakeTimeout)
	defer cancel()
	return c.connectAttempt(ctx)
}

// heartbeatLoop sends an authenticated heartbeat on a fixed interval
// while connected, keeping liveness current on the peer side.
func (c *Channel) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m := wire.NewMessage(wire.TypeHeartbeat, map[string]any{
				"deviceId": c.deviceID,
			})
			m.Source = c.deviceID
			c.Send(m)
		}
	}
}

// handleFrame routes one raw inbound frame.
func (c *Channel) handleFrame(data []byte) {
	kind, err := wire.SniffKind(data)
	if err != nil {
		c.log.Debug().Err(err).Msg("dropping unrecognized frame")
		return
	}

	switch kind {
	case wire.KindHandshake:
		c.handleHandshake(data)
	case wire.KindEnvelope:
		c.handleEnvelope(data)
	case wire.KindSystem:
		c.handleSystem(data)
	}
}

func (c *Channel) handleHandshake(data []byte) {
	hs, err := wire.DecodeHandshake(data)
	if err != nil {
		c.log.Debug().Err(err).Msg("dropping malformed handshake frame")
		return
	}

	// A fast peer may emit its key before our state reaches HANDSHAKING,
	// so delivery keys off the pending channel rather than the state.
	c.mu.Lock()
	ch := c.hsCh
	c.hsCh = nil
	c.mu.Unlock()

	if ch == nil {
		c.log.Debug().Msg("unexpected handshake frame ignored")
		return
	}
	ch <- hs.PublicKey
}

func (c *Channel) handleEnvelope(data []byte) {
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		c.emitError(linkerr.Wrap(linkerr.CodeMalformedMessage, err))
		return
	}

	c.mu.Lock()
	secret := c.secret
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || secret == nil {
		c.log.Debug().Msg("dropping envelope before handshake completion")
		return
	}

	// Replay checks run before decryption: a stale or duplicated frame is
	// rejected regardless of whether it would decrypt.
	if err := c.guard.Check(env); err != nil {
		c.log.Warn().Err(err).Str("nonce", env.Nonce).Msg("replay rejected")
		c.emitError(linkerr.Wrap(linkerr.CodeMessageReplayed, err))
		return
	}

	m, err := wire.Open(secret, env)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			c.emitError(linkerr.Wrap(linkerr.CodeInvalidSignature, err))
		} else {
			c.emitError(linkerr.Wrap(linkerr.CodeMalformedMessage, err))
		}
		return
	}

	c.mu.Lock()
	onMessage := c.onMessage
	c.mu.Unlock()
	if onMessage != nil {
		onMessage(m)
	}
}

func (c *Channel) handleSystem(data []byte) {
	sf, err := wire.DecodeSystem(data)
	if err != nil {
		c.log.Debug().Err(err).Msg("dropping malformed system frame")
		return
	}

	c.mu.Lock()
	onSystem := c.onSystem
	c.mu.Unlock()

	c.log.Debug().Str("command", sf.System).Msg("system frame received")
	if onSystem != nil {
		onSystem(sf)
	}
}

func (c *Channel) emitError(lerr *linkerr.Error) {
	c.mu.Lock()
	onError := c.onError
	c.mu.Unlock()
	if onError != nil {
		onError(lerr)
	}
}
