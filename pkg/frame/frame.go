// Package frame implements the wire framing shared by every tether
// connection: 4-byte big-endian length-prefixed frames for the multiplexed
// protocol, newline-delimited JSON for the helper control channel, and the
// codecs turning an envelope (id + payload) into a frame body.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4

	// MaxFrameSize is the largest payload a peer may announce.
	// Anything above is a protocol violation.
	MaxFrameSize = 10 << 20
)

var (
	ErrEmptyFrame    = errors.New("frame: zero-length frame")
	ErrTooLargeFrame = errors.New("frame: frame exceeds maximum size")
	ErrDecode        = errors.New("frame: could not decode envelope")
	ErrEncode        = errors.New("frame: could not encode envelope")
)

// Write sends payload as a single frame.
//
// The prefix and the payload are written with one call so a concurrent
// reader never observes a torn header from our side. Any error leaves the
// stream in an unknown state and the connection must be dropped.
func Write(w io.Writer, payload []byte) error {
	n := len(payload)
	if n == 0 {
		return ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, n)
	}

	buf := make([]byte, HeaderSize+n)
	binary.BigEndian.PutUint32(buf, uint32(n))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// Read blocks until a full frame has been read from r.
//
// A zero or oversized prefix is reported before any payload byte is
// consumed. A stream ending in the middle of a frame is reported as
// io.ErrUnexpectedEOF, a stream ending cleanly between frames as io.EOF.
func Read(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: peer announced %d bytes", ErrTooLargeFrame, n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
