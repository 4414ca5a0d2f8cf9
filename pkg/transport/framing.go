package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Framing constants.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4

	// DefaultMaxFrameSize is the default maximum frame size (256 KB).
	DefaultMaxFrameSize = 256 * 1024
)

// Framing errors.
var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrFrameEmpty    = errors.New("frame is empty")
)

// FrameWriter writes length-prefixed frames to an underlying writer.
// Thread-safe: frames from concurrent writers never interleave.
type FrameWriter struct {
	mu       sync.Mutex
	w        io.Writer
	maxFrame uint32
}

// NewFrameWriter creates a frame writer with the default max frame size.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w, maxFrame: DefaultMaxFrameSize}
}

// WriteFrame writes one length-prefixed frame.
func (fw *FrameWriter) WriteFrame(data []byte) error {
	if len(data) == 0 {
		return ErrFrameEmpty
	}
	if uint32(len(data)) > fw.maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), fw.maxFrame)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(data)))

	if _, err := fw.w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// FrameReader reads length-prefixed frames from an underlying reader.
type FrameReader struct {
	r        io.Reader
	maxFrame uint32
}

// NewFrameReader creates a frame reader with the default max frame size.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, maxFrame: DefaultMaxFrameSize}
}

// ReadFrame reads one length-prefixed frame.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(fr.r, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, ErrFrameEmpty
	}
	if length > fr.maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.maxFrame)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(fr.r, data); err != nil {
		return nil, fmt.Errorf("%w: %v", io.ErrUnexpectedEOF, err)
	}
	return data, nil
}
