package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurallink-protocol/neurallink-go/pkg/crypto"
	"github.com/neurallink-protocol/neurallink-go/pkg/linkerr"
	"github.com/neurallink-protocol/neurallink-go/pkg/transport"
	"github.com/neurallink-protocol/neurallink-go/pkg/wire"
)

// fakePeer plays the remote end of the secure channel: it answers the
// handshake with its own key pair and decrypts whatever arrives.
type fakePeer struct {
	mu       sync.Mutex
	secret   *crypto.SharedSecret
	received []*wire.Message
	mute     bool // when set, never answer the handshake
}

func (p *fakePeer) messages() []*wire.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*wire.Message, len(p.received))
	copy(out, p.received)
	return out
}

func (p *fakePeer) messagesOfType(t wire.MessageType) []*wire.Message {
	var out []*wire.Message
	for _, m := range p.messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// fakeSocket is an in-memory transport.Socket wired to a fakePeer.
type fakeSocket struct {
	peer        *fakePeer
	failConnect bool

	mu      sync.Mutex
	onFrame func([]byte)
	onClose func(error)
	open    bool
}

func (s *fakeSocket) SetHandlers(onFrame func([]byte), onClose func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrame = onFrame
	s.onClose = onClose
}

func (s *fakeSocket) Connect(ctx context.Context) error {
	if s.failConnect {
		return errors.New("connection refused")
	}
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

// Send runs the peer's side of the protocol synchronously.
func (s *fakeSocket) Send(data []byte) error {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if !open {
		return transport.ErrNotOpen
	}

	kind, err := wire.SniffKind(data)
	if err != nil {
		return err
	}

	switch kind {
	case wire.KindHandshake:
		hs, err := wire.DecodeHandshake(data)
		if err != nil {
			return err
		}
		s.peer.mu.Lock()
		mute := s.peer.mute
		s.peer.mu.Unlock()
		if mute {
			return nil
		}

		keys, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		theirKey, err := crypto.DecodePublicKey(hs.PublicKey)
		if err != nil {
			return err
		}
		secret, err := crypto.DeriveSharedSecret(keys.Private, theirKey)
		if err != nil {
			return err
		}
		s.peer.mu.Lock()
		s.peer.secret = secret
		s.peer.mu.Unlock()

		reply, err := wire.Marshal(&wire.HandshakeFrame{PublicKey: keys.PublicHex()})
		if err != nil {
			return err
		}
		s.deliver(reply)

	case wire.KindEnvelope:
		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			return err
		}
		s.peer.mu.Lock()
		secret := s.peer.secret
		s.peer.mu.Unlock()
		m, err := wire.Open(secret, env)
		if err != nil {
			return err
		}
		s.peer.mu.Lock()
		s.peer.received = append(s.peer.received, m)
		s.peer.mu.Unlock()
	}
	return nil
}

// deliver pushes a raw frame into the channel's inbound handler.
func (s *fakeSocket) deliver(frame []byte) {
	s.mu.Lock()
	onFrame := s.onFrame
	s.mu.Unlock()
	if onFrame != nil {
		onFrame(frame)
	}
}

// sendToChannel seals a message under the peer's secret and delivers it.
func (s *fakeSocket) sendToChannel(t *testing.T, m *wire.Message) *wire.Envelope {
	t.Helper()
	s.peer.mu.Lock()
	secret := s.peer.secret
	s.peer.mu.Unlock()
	require.NotNil(t, secret, "peer has no secret, handshake incomplete")

	env, err := wire.Seal(secret, m)
	require.NoError(t, err)
	frame, err := wire.Marshal(env)
	require.NoError(t, err)
	s.deliver(frame)
	return env
}

// drop simulates an unexpected transport loss.
func (s *fakeSocket) drop() {
	s.mu.Lock()
	s.open = false
	onClose := s.onClose
	s.mu.Unlock()
	if onClose != nil {
		onClose(errors.New("connection reset by peer"))
	}
}

var _ transport.Socket = (*fakeSocket)(nil)

// testChannel builds a channel over fake sockets with fast timings.
func testChannel(t *testing.T, peer *fakePeer) (*Channel, func() *fakeSocket) {
	t.Helper()

	var mu sync.Mutex
	var current *fakeSocket
	factory := func() transport.Socket {
		mu.Lock()
		defer mu.Unlock()
		current = &fakeSocket{peer: peer}
		return current
	}

	c := New("hub-test", factory, Config{
		HandshakeTimeout:  500 * time.Millisecond,
		HeartbeatInterval: time.Hour, // heartbeats off unless a test wants them
		MaxAttempts:       3,
		Backoff: BackoffConfig{
			Initial:   10 * time.Millisecond,
			Max:       20 * time.Millisecond,
			MaxJitter: -1,
		},
	}, zerolog.Nop())
	t.Cleanup(c.Disconnect)

	return c, func() *fakeSocket {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
}

func TestChannelConnect(t *testing.T) {
	peer := &fakePeer{}
	c, _ := testChannel(t, peer)

	connected := make(chan struct{}, 1)
	c.OnConnected(func() { connected <- struct{}{} })

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.IsConnected())
	assert.Zero(t, c.Attempts())

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnected never fired")
	}

	peer.mu.Lock()
	assert.NotNil(t, peer.secret, "peer should have derived the shared secret")
	peer.mu.Unlock()

	// Idempotent while connected.
	assert.NoError(t, c.Connect(context.Background()))
}

func TestChannelSendReceive(t *testing.T) {
	peer := &fakePeer{}
	c, sock := testChannel(t, peer)
	require.NoError(t, c.Connect(context.Background()))

	inbound := make(chan *wire.Message, 1)
	c.OnMessage(func(m *wire.Message) { inbound <- m })

	// Outbound: channel seals, peer opens.
	m := wire.NewMessage(wire.TypeCommand, map[string]any{"command": "notify"})
	c.Send(m)

	require.Len(t, peer.messages(), 1)
	got := peer.messages()[0]
	assert.Equal(t, wire.TypeCommand, got.Type)
	cmd, _ := got.PayloadString("command")
	assert.Equal(t, "notify", cmd)

	// Inbound: peer seals, channel opens and dispatches.
	sock().sendToChannel(t, wire.NewMessage(wire.TypeEvent, map[string]any{"event": "shake"}))
	select {
	case in := <-inbound:
		assert.Equal(t, wire.TypeEvent, in.Type)
	case <-time.After(time.Second):
		t.Fatal("inbound message never dispatched")
	}
}

func TestChannelConcurrentSendOrdering(t *testing.T) {
	peer := &fakePeer{}
	c, _ := testChannel(t, peer)
	require.NoError(t, c.Connect(context.Background()))

	const senders = 4
	const perSender = 25

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(sender int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				c.Send(wire.NewMessage(wire.TypeCommand, map[string]any{
					"sender": fmt.Sprintf("s%d", sender),
					"seq":    fmt.Sprintf("%03d", i),
				}))
			}
		}(s)
	}
	wg.Wait()

	got := peer.messages()
	require.Len(t, got, senders*perSender)

	// Each sender's messages must arrive in its own call order: seal
	// order and wire order agree even under concurrent senders.
	last := make(map[string]string)
	for _, m := range got {
		sender, ok := m.PayloadString("sender")
		require.True(t, ok)
		seq, ok := m.PayloadString("seq")
		require.True(t, ok)
		if prev, seen := last[sender]; seen {
			assert.Greater(t, seq, prev, "sender %s out of order", sender)
		}
		last[sender] = seq
	}
}

func TestChannelOfflineQueue(t *testing.T) {
	peer := &fakePeer{}
	c, _ := testChannel(t, peer)

	// Sends while disconnected never error and queue up.
	for i := 0; i < 3; i++ {
		c.Send(wire.NewMessage(wire.TypeSync, map[string]any{"i": int64(i)}))
	}
	assert.Equal(t, 3, c.QueuedCount())
	assert.Empty(t, peer.messages())

	// Connecting flushes the queue.
	require.NoError(t, c.Connect(context.Background()))
	assert.Zero(t, c.QueuedCount())
	assert.Len(t, peer.messages(), 3)
}

func TestChannelReplayRejected(t *testing.T) {
	peer := &fakePeer{}
	c, sock := testChannel(t, peer)
	require.NoError(t, c.Connect(context.Background()))

	var mu sync.Mutex
	var delivered int
	var lastErr *linkerr.Error
	c.OnMessage(func(*wire.Message) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	c.OnError(func(e *linkerr.Error) {
		mu.Lock()
		lastErr = e
		mu.Unlock()
	})

	env := sock().sendToChannel(t, wire.NewMessage(wire.TypeEvent, nil))

	// Replay the exact same envelope.
	frame, err := wire.Marshal(env)
	require.NoError(t, err)
	sock().deliver(frame)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered, "replayed envelope must not be dispatched")
	require.NotNil(t, lastErr)
	assert.Equal(t, linkerr.CodeMessageReplayed, lastErr.Code)
	// The channel itself stays up; disconnect policy belongs to the
	// classifier's recovery hooks.
	assert.Equal(t, StateConnected, c.State())
}

func TestChannelHandshakeTimeout(t *testing.T) {
	peer := &fakePeer{mute: true}
	c, _ := testChannel(t, peer)

	errs := make(chan *linkerr.Error, 8)
	c.OnError(func(e *linkerr.Error) { errs <- e })

	err := c.Connect(context.Background())
	require.Error(t, err)

	var lerr *linkerr.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, linkerr.CodeHandshakeTimeout, lerr.Code)
	assert.Equal(t, StateReconnecting, c.State())

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestChannelReconnectAfterLoss(t *testing.T) {
	peer := &fakePeer{}
	c, sock := testChannel(t, peer)
	require.NoError(t, c.Connect(context.Background()))

	reconnecting := make(chan int, 8)
	c.OnReconnecting(func(attempt int, _ time.Duration) { reconnecting <- attempt })

	sock().drop()

	select {
	case attempt := <-reconnecting:
		assert.Equal(t, 1, attempt)
	case <-time.After(time.Second):
		t.Fatal("OnReconnecting never fired")
	}

	// The backoff timer redials the factory and the fake peer answers, so
	// the channel comes back on its own.
	require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, c.Attempts(), "attempt counter resets on success")
}

func TestChannelFailsAfterMaxAttempts(t *testing.T) {
	peer := &fakePeer{}

	factory := func() transport.Socket {
		return &fakeSocket{peer: peer, failConnect: true}
	}
	c := New("hub-test", factory, Config{
		MaxAttempts: 2,
		Backoff: BackoffConfig{
			Initial:   5 * time.Millisecond,
			Max:       10 * time.Millisecond,
			MaxJitter: -1,
		},
	}, zerolog.Nop())
	t.Cleanup(c.Disconnect)

	var mu sync.Mutex
	var codes []linkerr.Code
	c.OnError(func(e *linkerr.Error) {
		mu.Lock()
		codes = append(codes, e.Code)
		mu.Unlock()
	})

	require.Error(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return c.State() == StateFailed
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Contains(t, codes, linkerr.CodeConnectionFailed)
	assert.Contains(t, codes, linkerr.CodeMaxReconnects)
	mu.Unlock()

	// An explicit Connect leaves FAILED and starts a fresh attempt rather
	// than rejecting the transition.
	err := c.Connect(context.Background())
	require.Error(t, err)
	var lerr *linkerr.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, linkerr.CodeConnectionFailed, lerr.Code)
}

func TestChannelHeartbeat(t *testing.T) {
	peer := &fakePeer{}

	var mu sync.Mutex
	var current *fakeSocket
	factory := func() transport.Socket {
		mu.Lock()
		defer mu.Unlock()
		current = &fakeSocket{peer: peer}
		return current
	}

	c := New("hub-test", factory, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		Backoff:           BackoffConfig{Initial: 10 * time.Millisecond, MaxJitter: -1},
	}, zerolog.Nop())
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return len(peer.messagesOfType(wire.TypeHeartbeat)) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	hb := peer.messagesOfType(wire.TypeHeartbeat)[0]
	deviceID, ok := hb.PayloadString("deviceId")
	assert.True(t, ok)
	assert.Equal(t, "hub-test", deviceID)
}

func TestChannelSystemFrame(t *testing.T) {
	peer := &fakePeer{}
	c, sock := testChannel(t, peer)
	require.NoError(t, c.Connect(context.Background()))

	frames := make(chan *wire.SystemFrame, 1)
	c.OnSystem(func(sf *wire.SystemFrame) { frames <- sf })

	raw, err := wire.Marshal(&wire.SystemFrame{System: wire.SystemRateLimited})
	require.NoError(t, err)
	sock().deliver(raw)

	select {
	case sf := <-frames:
		assert.Equal(t, wire.SystemRateLimited, sf.System)
	case <-time.After(time.Second):
		t.Fatal("system frame never dispatched")
	}
}

func TestChannelDisconnect(t *testing.T) {
	peer := &fakePeer{}
	c, _ := testChannel(t, peer)
	require.NoError(t, c.Connect(context.Background()))

	disconnected := make(chan struct{}, 1)
	c.OnDisconnected(func() { disconnected <- struct{}{} })

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnected never fired")
	}

	// Idempotent.
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
}
