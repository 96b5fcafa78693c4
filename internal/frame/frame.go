// Package frame implements the length-prefixed framing used on every dispatcher
// socket: a 4-byte little-endian body length followed by exactly that many bytes.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 4

// DefaultMaxPacketSize bounds a body when no explicit limit is configured.
const DefaultMaxPacketSize = 256 * 1024

var (
	// ErrFrameTooLarge is returned when a header declares a body at or above the limit.
	ErrFrameTooLarge = errors.New("frame: declared length exceeds maximum packet size")
	// ErrShortHeader is returned when fewer than HeaderSize bytes are available.
	ErrShortHeader = errors.New("frame: truncated header")
)

// Encode returns body prefixed with its little-endian length.
func Encode(body []byte) []byte {
	out := make([]byte, 0, HeaderSize+len(body))
	out = AppendHeader(out, len(body))
	return append(out, body...)
}

// AppendHeader appends the length prefix for an n-byte body to dst.
func AppendHeader(dst []byte, n int) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(n))
}

// DecodeHeader interprets exactly HeaderSize bytes as a body length.
func DecodeHeader(header []byte) (uint32, error) {
	if len(header) != HeaderSize {
		return 0, fmt.Errorf("%w: got %d bytes", ErrShortHeader, len(header))
	}
	return binary.LittleEndian.Uint32(header), nil
}

// CheckLength validates a declared body length against maxSize.
// Valid lengths lie in [0, maxSize).
func CheckLength(n, maxSize uint32) error {
	if n >= maxSize {
		return fmt.Errorf("%w: %d >= %d", ErrFrameTooLarge, n, maxSize)
	}
	return nil
}

// Read reads one frame from r. The body is never read when the header declares
// a length outside [0, maxSize).
func Read(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrShortHeader, err)
		}
		return nil, err
	}
	n, err := DecodeHeader(header[:])
	if err != nil {
		return nil, err
	}
	if err := CheckLength(n, maxSize); err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("frame: read body: %w", err)
	}
	return body, nil
}

// Write writes body as one frame in a single Write call.
func Write(w io.Writer, body []byte) error {
	_, err := w.Write(Encode(body))
	return err
}
