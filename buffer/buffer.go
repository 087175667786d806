// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package buffer provides the growable byte buffer used as message payload.
//
// A Buffer can embed other buffers without copying them: AddSubBuffer writes
// a uint32 length prefix into the outer byte stream and records the nested
// buffer at that offset. When the buffer is written to the network the
// nested bytes are spliced right after their prefix.
package buffer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrTruncated is returned when a read runs past the end of the buffer.
var ErrTruncated = errors.New("truncated message")

// prefixSize is the width of the length prefix written for each sub-buffer.
const prefixSize = 4

type subBuffer struct {
	offset int
	buf    *Buffer
}

// Buffer is an append-only byte sequence with sub-buffer attachments.
//
// Invariant: TotalSize() == Size() + sum of TotalSize() of every sub-buffer.
type Buffer struct {
	data     []byte
	subs     []subBuffer
	subTotal int
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// FromBytes wraps p without copying.
func FromBytes(p []byte) *Buffer {
	return &Buffer{data: p}
}

// Write appends p. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// WriteByte appends c.
func (b *Buffer) WriteByte(c byte) error {
	b.data = append(b.data, c)
	return nil
}

// WriteUint16 appends v in little-endian order.
func (b *Buffer) WriteUint16(v uint16) {
	b.data = binary.LittleEndian.AppendUint16(b.data, v)
}

// WriteUint32 appends v in little-endian order.
func (b *Buffer) WriteUint32(v uint32) {
	b.data = binary.LittleEndian.AppendUint32(b.data, v)
}

// WriteUint64 appends v in little-endian order.
func (b *Buffer) WriteUint64(v uint64) {
	b.data = binary.LittleEndian.AppendUint64(b.data, v)
}

// AddSubBuffer embeds sub at the current position and returns the offset of
// its length prefix.
func (b *Buffer) AddSubBuffer(sub *Buffer) int {
	offset := len(b.data)
	b.WriteUint32(uint32(sub.TotalSize()))
	b.subs = append(b.subs, subBuffer{offset: offset, buf: sub})
	b.subTotal += sub.TotalSize()
	return offset
}

// HasSubBuffer reports whether a sub-buffer prefix sits at offset.
func (b *Buffer) HasSubBuffer(offset int) bool {
	_, ok := b.subBufferAt(offset)
	return ok
}

// SubBuffer returns the sub-buffer recorded at offset.
func (b *Buffer) SubBuffer(offset int) (*Buffer, error) {
	sub, ok := b.subBufferAt(offset)
	if !ok {
		return nil, fmt.Errorf("no sub-buffer at offset %d", offset)
	}
	return sub, nil
}

func (b *Buffer) subBufferAt(offset int) (*Buffer, bool) {
	for _, s := range b.subs {
		if s.offset == offset {
			return s.buf, true
		}
		if s.offset > offset {
			break
		}
	}
	return nil, false
}

// SubBufferCount returns the number of directly attached sub-buffers.
func (b *Buffer) SubBufferCount() int { return len(b.subs) }

// Bytes returns the buffer's own bytes, excluding sub-buffer contents.
func (b *Buffer) Bytes() []byte { return b.data }

// Size returns the length of the buffer's own bytes.
func (b *Buffer) Size() int { return len(b.data) }

// TotalSize returns the number of bytes the buffer occupies once flattened.
func (b *Buffer) TotalSize() int { return len(b.data) + b.subTotal }

// Reset empties the buffer and drops its sub-buffers.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.subs = nil
	b.subTotal = 0
}

// Segments returns the flattened buffer as a sequence of slices suitable for
// a vectored write. No bytes are copied.
func (b *Buffer) Segments() net.Buffers {
	var out net.Buffers
	b.appendSegments(&out)
	return out
}

func (b *Buffer) appendSegments(out *net.Buffers) {
	last := 0
	for _, s := range b.subs {
		end := s.offset + prefixSize
		if end > last {
			*out = append(*out, b.data[last:end])
		}
		s.buf.appendSegments(out)
		last = end
	}
	if last < len(b.data) {
		*out = append(*out, b.data[last:])
	}
}

// Flatten returns a contiguous copy of the buffer with sub-buffers spliced in.
func (b *Buffer) Flatten() []byte {
	out := make([]byte, 0, b.TotalSize())
	for _, seg := range b.Segments() {
		out = append(out, seg...)
	}
	return out
}

// WriteTo writes the flattened buffer to w.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	segs := b.Segments()
	return segs.WriteTo(w)
}

// Clone returns a deep copy of b.
func (b *Buffer) Clone() *Buffer {
	c := &Buffer{
		data:     append([]byte(nil), b.data...),
		subTotal: b.subTotal,
	}
	if len(b.subs) > 0 {
		c.subs = make([]subBuffer, len(b.subs))
		for i, s := range b.subs {
			c.subs[i] = subBuffer{offset: s.offset, buf: s.buf.Clone()}
		}
	}
	return c
}

// Equal compares the flattened contents of two buffers.
func (b *Buffer) Equal(o *Buffer) bool {
	if b == nil || o == nil {
		return b == o
	}
	if b.TotalSize() != o.TotalSize() {
		return false
	}
	return bytes.Equal(b.Flatten(), o.Flatten())
}
