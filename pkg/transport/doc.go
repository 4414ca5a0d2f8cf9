// Package transport provides the raw bidirectional message socket the
// secure channel runs over.
//
// Frames are length-prefixed: a 4-byte big-endian length followed by the
// payload. The transport carries opaque bytes; all encryption and message
// semantics live above it in the channel and wire layers.
//
// The channel consumes the Socket interface, so tests substitute in-memory
// pipes and alternative transports can be dropped in without touching the
// channel.
package transport
