// Package proto implements the framed request/response transport spoken by
// the native debugger backend: a 4-byte little-endian length prefix followed
// by a JSON payload, carried over the backend subprocess's standard streams.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize rejects absurd length prefixes before allocating. A register
// dump or a 2048-instruction disassembly batch stays far below this.
const MaxFrameSize = 16 << 20

var (
	// ErrFrameTooLarge is returned for a length prefix above MaxFrameSize.
	ErrFrameTooLarge = errors.New("proto: frame exceeds maximum size")
)

// WriteFrame writes one length-prefixed payload. The write is a single call
// so concurrent writers only need external serialization, not buffering.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("proto: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed payload, blocking until the full frame
// arrives. Partial reads are retried via io.ReadFull; a stream that ends
// mid-frame yields io.ErrUnexpectedEOF, which callers treat the same as EOF:
// the channel is dead, not "a short message arrived".
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return payload, nil
}
