// Package bytebuf provides append-style binary writers and bounds-checked
// readers with a configurable byte order.
//
// The Reader never panics on short input: a read past the end sets a sticky
// error flag and yields zero values, so callers can decode a whole record and
// check Err once at the end.
package bytebuf

import (
	"encoding/binary"
	"errors"
)

// ErrUnderflow is reported by Reader.Err after a read past the buffer end.
var ErrUnderflow = errors.New("bytebuf: read past end of buffer")

// Writer appends fixed-width integers and raw byte ranges to a buffer.
type Writer struct {
	order binary.AppendByteOrder
	buf   []byte
}

// NewWriter returns a Writer using order. A nil order means little-endian.
func NewWriter(order binary.AppendByteOrder, capacity int) *Writer {
	if order == nil {
		order = binary.LittleEndian
	}
	return &Writer{order: order, buf: make([]byte, 0, capacity)}
}

// Bytes returns the accumulated buffer. The slice aliases the writer's storage.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Reset drops the accumulated bytes and keeps the allocation.
func (w *Writer) Reset() { w.buf = w.buf[:0] }

func (w *Writer) AddUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) AddUint16(v uint16) { w.buf = w.order.AppendUint16(w.buf, v) }

func (w *Writer) AddUint32(v uint32) { w.buf = w.order.AppendUint32(w.buf, v) }

func (w *Writer) AddUint64(v uint64) { w.buf = w.order.AppendUint64(w.buf, v) }

// AddBuffer appends b verbatim.
func (w *Writer) AddBuffer(b []byte) { w.buf = append(w.buf, b...) }

// AddPadding appends n zero bytes.
func (w *Writer) AddPadding(n int) {
	for range n {
		w.buf = append(w.buf, 0)
	}
}

// Reader consumes fixed-width integers and byte ranges from a buffer.
type Reader struct {
	order  binary.ByteOrder
	buf    []byte
	offset int
	err    error
}

// NewReader returns a Reader over buf. A nil order means little-endian.
func NewReader(buf []byte, order binary.ByteOrder) *Reader {
	if order == nil {
		order = binary.LittleEndian
	}
	return &Reader{order: order, buf: buf}
}

// Err returns ErrUnderflow once any read has run past the end of the buffer.
func (r *Reader) Err() error { return r.err }

// Remaining reports how many unread bytes are left.
func (r *Reader) Remaining() int {
	if r.offset >= len(r.buf) {
		return 0
	}
	return len(r.buf) - r.offset
}

func (r *Reader) take(n int) []byte {
	if n < 0 || r.offset+n > len(r.buf) {
		r.offset += max(n, 0)
		r.err = ErrUnderflow
		return nil
	}
	v := r.buf[r.offset : r.offset+n]
	r.offset += n
	return v
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return r.order.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return r.order.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return r.order.Uint64(b)
}

// Buffer returns the next n bytes, or nil with the error flag set when fewer remain.
// The returned slice aliases the underlying buffer.
func (r *Reader) Buffer(n int) []byte { return r.take(n) }

// Remain returns every unread byte and advances to the end.
func (r *Reader) Remain() []byte {
	if r.offset >= len(r.buf) {
		return nil
	}
	v := r.buf[r.offset:]
	r.offset = len(r.buf)
	return v
}

// Skip advances past n bytes.
func (r *Reader) Skip(n int) { r.take(n) }
