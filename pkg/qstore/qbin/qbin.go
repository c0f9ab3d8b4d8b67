// Package qbin implements the canonical binary encoding the quorum
// store uses for anything that is hashed or put on the wire: a fixed
// field order, explicit widths, and length-prefixed variable data, so
// that two peers encoding the same logical value always produce the
// same bytes. A small, dependency-free read/write pair that every wire
// type is built from.
package qbin

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned by any Reader method that runs out of
// input before it can satisfy the request.
var ErrTruncated = errors.New("qbin: truncated input")

// Writer accumulates a canonical encoding into an in-memory buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with size as an initial capacity hint.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

// Bytes returns the accumulated encoding. The returned slice aliases
// the Writer's internal buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Uint8 appends a single byte.
func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

// Uint32 appends v as 4 big-endian bytes.
func (w *Writer) Uint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// Uint64 appends v as 8 big-endian bytes.
func (w *Writer) Uint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// Varint appends v as a zig-zag varint, a compact integer encoding
// well suited to sizes that are usually small.
func (w *Writer) Varint(v int64) {
	zz := uint64(v<<1) ^ uint64(v>>63)
	w.Uvarint(zz)
}

// Uvarint appends v as an unsigned LEB128 varint.
func (w *Writer) Uvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.buf = append(w.buf, tmp[:n]...)
}

// RawBytes appends a length-prefixed byte slice.
func (w *Writer) RawBytes(b []byte) {
	w.Uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// Append appends b verbatim, with no length prefix. Used where the
// boundary between successive writes must not be recoverable from the
// encoding, unlike RawBytes.
func (w *Writer) Append(b []byte) {
	w.buf = append(w.buf, b...)
}

// String appends a length-prefixed string.
func (w *Writer) String(s string) {
	w.RawBytes([]byte(s))
}

// BytesSlice appends a length-prefixed sequence of length-prefixed
// byte slices, canonicalizing an ordered payload list (e.g. a
// fragment's transaction blobs).
func (w *Writer) BytesSlice(bs [][]byte) {
	w.Uvarint(uint64(len(bs)))
	for _, b := range bs {
		w.RawBytes(b)
	}
}

// Reader consumes a canonical encoding produced by Writer.
type Reader struct {
	buf []byte
	err error
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Err returns the first error encountered, if any. Once set, all
// further reads are no-ops returning zero values.
func (r *Reader) Err() error { return r.err }

// Remaining reports how many bytes are left unconsumed.
func (r *Reader) Remaining() int { return len(r.buf) }

func (r *Reader) fail() {
	if r.err == nil {
		r.err = ErrTruncated
	}
}

func (r *Reader) Uint8() uint8 {
	if r.err != nil || len(r.buf) < 1 {
		r.fail()
		return 0
	}
	v := r.buf[0]
	r.buf = r.buf[1:]
	return v
}

func (r *Reader) Uint32() uint32 {
	if r.err != nil || len(r.buf) < 4 {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[:4])
	r.buf = r.buf[4:]
	return v
}

func (r *Reader) Uint64() uint64 {
	if r.err != nil || len(r.buf) < 8 {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[:8])
	r.buf = r.buf[8:]
	return v
}

func (r *Reader) Varint() int64 {
	u := r.Uvarint()
	return int64(u>>1) ^ -int64(u&1)
}

func (r *Reader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.fail()
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *Reader) RawBytes() []byte {
	n := r.Uvarint()
	if r.err != nil {
		return nil
	}
	if uint64(len(r.buf)) < n {
		r.fail()
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *Reader) String() string {
	return string(r.RawBytes())
}

func (r *Reader) BytesSlice() [][]byte {
	n := r.Uvarint()
	if r.err != nil {
		return nil
	}
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		b := r.RawBytes()
		if r.err != nil {
			return nil
		}
		// RawBytes aliases the reader's buffer; copy so callers can
		// retain it past further decoding.
		cp := make([]byte, len(b))
		copy(cp, b)
		out = append(out, cp)
	}
	return out
}
