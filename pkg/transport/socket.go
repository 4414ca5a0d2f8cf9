package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// DialTimeout bounds how long a socket connect may take.
const DialTimeout = 10 * time.Second

// Socket errors.
var (
	ErrSocketClosed = errors.New("socket closed")
	ErrNotOpen      = errors.New("socket not open")
)

// Socket is the bidirectional message-event abstraction the secure
// channel runs over. Implementations deliver each inbound frame to the
// message handler and report terminal read failures to the close handler.
type Socket interface {
	// Connect opens the socket. Blocks until open or ctx is done.
	Connect(ctx context.Context) error

	// Send transmits one frame. Returns an error if the socket is not open.
	Send(data []byte) error

	// SetHandlers installs the inbound frame and connection-loss callbacks.
	// Must be called before Connect.
	SetHandlers(onFrame func(data []byte), onClose func(err error))

	// Close shuts the socket down. Safe to call multiple times.
	Close() error
}

// FramedSocket is a TCP Socket using length-prefixed framing.
type FramedSocket struct {
	addr string

	mu      sync.Mutex
	conn    net.Conn
	writer  *FrameWriter
	open    bool
	onFrame func(data []byte)
	onClose func(err error)
}

// NewFramedSocket creates a framed TCP socket for the given address.
func NewFramedSocket(addr string) *FramedSocket {
	return &FramedSocket{addr: addr}
}

// SetHandlers installs the inbound callbacks.
func (s *FramedSocket) SetHandlers(onFrame func(data []byte), onClose func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrame = onFrame
	s.onClose = onClose
}

// Connect dials the remote address and starts the read loop.
func (s *FramedSocket) Connect(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	s.mu.Lock()
	s.conn = conn
	s.writer = NewFrameWriter(conn)
	s.open = true
	s.mu.Unlock()

	go s.readLoop(conn)

	return nil
}

// Send transmits one frame.
func (s *FramedSocket) Send(data []byte) error {
	s.mu.Lock()
	writer := s.writer
	open := s.open
	s.mu.Unlock()

	if !open || writer == nil {
		return ErrNotOpen
	}
	return writer.WriteFrame(data)
}

// Close shuts the socket down. The read loop exits on its own once the
// underlying connection is closed; no connection-loss callback fires for
// a locally initiated close.
func (s *FramedSocket) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	conn := s.conn
	s.conn = nil
	s.writer = nil
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *FramedSocket) readLoop(conn net.Conn) {
	reader := NewFrameReader(conn)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			s.mu.Lock()
			wasOpen := s.open
			s.open = false
			onClose := s.onClose
			s.mu.Unlock()

			// Only report losses the caller didn't initiate.
			if wasOpen && onClose != nil {
				onClose(err)
			}
			return
		}

		s.mu.Lock()
		onFrame := s.onFrame
		s.mu.Unlock()
		if onFrame != nil {
			onFrame(frame)
		}
	}
}

// Compile-time interface satisfaction check.
var _ Socket = (*FramedSocket)(nil)
