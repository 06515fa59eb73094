// Package wire implements the size-prefixed message schema exchanged
// between host and guest across the shared input/output buffers (§6).
// The schema mirrors a FlatBuffers-style layout closely enough to stay
// bit-compatible with existing guests: a little-endian u32 length
// prefix followed by a flat, self-describing payload, never nested
// pointer chains.
package wire

import (
	"encoding/binary"
	"fmt"
)

// putU32 / putU64 / putString / putBytes and the reader's methods are
// the primitive codecs every message type builds on.

func putU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putString(buf []byte, s string) []byte {
	buf = putU32(buf, uint32(len(s)))
	return append(buf, s...)
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putU32(buf, uint32(len(b)))
	return append(buf, b...)
}

type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, fmt.Errorf("%w: want 4 bytes at %d, have %d", ErrTruncatedFrame, r.pos, len(r.buf))
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("%w: want 8 bytes at %d, have %d", ErrTruncatedFrame, r.pos, len(r.buf))
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) byte() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, fmt.Errorf("%w: want 1 byte at %d, have %d", ErrTruncatedFrame, r.pos, len(r.buf))
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) string() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.buf) {
		return "", fmt.Errorf("%w: string of length %d at %d exceeds buffer of %d", ErrTruncatedFrame, n, r.pos, len(r.buf))
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, fmt.Errorf("%w: bytes of length %d at %d exceeds buffer of %d", ErrTruncatedFrame, n, r.pos, len(r.buf))
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}

// EncodeFrame prepends a little-endian u32 length prefix to payload,
// the form written into the input/output buffers at offset 0 (§4.6).
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, 0, 4+len(payload))
	out = putU32(out, uint32(len(payload)))
	out = append(out, payload...)
	return out
}

// DecodeFrame strips the size prefix and returns the payload, checking
// that the declared length does not exceed the buffer it was read
// from.
func DecodeFrame(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: buffer shorter than length prefix", ErrTruncatedFrame)
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	if uint64(n)+4 > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: declared length %d exceeds buffer of %d", ErrTruncatedFrame, n, len(buf)-4)
	}
	return buf[4 : 4+n], nil
}
