// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package buffer

import (
	"encoding/binary"
	"fmt"
)

// Reader consumes a Buffer sequentially. Reading a sub-buffer either returns
// the attached buffer (for buffers built locally) or the length-prefixed
// bytes that follow (for buffers received from the network).
type Reader struct {
	buf *Buffer
	pos int
}

// NewReader returns a reader positioned at the start of b.
func NewReader(b *Buffer) *Reader {
	return &Reader{buf: b}
}

// Position returns the current offset in the buffer's own bytes.
func (r *Reader) Position() int { return r.pos }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf.data) - r.pos }

// Read returns the next n bytes without copying.
func (r *Reader) Read(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf.data) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.pos, r.Remaining())
	}
	p := r.buf.data[r.pos : r.pos+n]
	r.pos += n
	return p, nil
}

// ReadByte returns the next byte.
func (r *Reader) ReadByte() (byte, error) {
	p, err := r.Read(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	p, err := r.Read(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	p, err := r.Read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	p, err := r.Read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

// HasSubBuffer reports whether an attached sub-buffer starts at the current
// position.
func (r *Reader) HasSubBuffer() bool {
	return r.buf.HasSubBuffer(r.pos)
}

// ReadSubBuffer returns the sub-buffer at the current position.
func (r *Reader) ReadSubBuffer() (*Buffer, error) {
	if sub, ok := r.buf.subBufferAt(r.pos); ok {
		r.pos += prefixSize
		return sub, nil
	}
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	p, err := r.Read(int(n))
	if err != nil {
		return nil, err
	}
	return FromBytes(p), nil
}
