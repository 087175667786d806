// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTotalSizeInvariant(t *testing.T) {
	inner := New()
	inner.Write([]byte("payload"))

	nested := New()
	nested.Write([]byte("ab"))
	nested.AddSubBuffer(inner)

	outer := New()
	outer.WriteUint32(7)
	off := outer.AddSubBuffer(nested)
	outer.Write([]byte("tail"))

	assert.Equal(t, 4, off)
	assert.Equal(t, 12, outer.Size())
	assert.Equal(t, outer.Size()+nested.TotalSize(), outer.TotalSize())
	assert.Equal(t, len(outer.Flatten()), outer.TotalSize())
}

func TestFlattenSplicesAfterPrefix(t *testing.T) {
	sub := FromBytes([]byte{0xAA, 0xBB})
	b := New()
	b.WriteByte(1)
	b.AddSubBuffer(sub)
	b.WriteByte(2)

	assert.Equal(t, []byte{1, 2, 0, 0, 0, 0xAA, 0xBB, 2}, b.Flatten())

	var w bytes.Buffer
	n, err := b.WriteTo(&w)
	require.NoError(t, err)
	assert.EqualValues(t, b.TotalSize(), n)
	assert.Equal(t, b.Flatten(), w.Bytes())
}

func TestReaderSubBufferLocalAndFlat(t *testing.T) {
	sub := FromBytes([]byte("raw bytes"))
	b := New()
	b.WriteUint32(42)
	b.AddSubBuffer(sub)
	b.WriteUint32(43)

	// Locally built: the attached buffer comes back as is.
	r := NewReader(b)
	v, err := r.ReadUint32()
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)
	require.True(t, r.HasSubBuffer())
	got, err := r.ReadSubBuffer()
	require.NoError(t, err)
	assert.Same(t, sub, got)
	v, err = r.ReadUint32()
	require.NoError(t, err)
	assert.EqualValues(t, 43, v)

	// Received from the wire: the bytes are inline after the prefix.
	r = NewReader(FromBytes(b.Flatten()))
	_, err = r.ReadUint32()
	require.NoError(t, err)
	assert.False(t, r.HasSubBuffer())
	got, err = r.ReadSubBuffer()
	require.NoError(t, err)
	assert.Equal(t, "raw bytes", string(got.Bytes()))
	v, err = r.ReadUint32()
	require.NoError(t, err)
	assert.EqualValues(t, 43, v)
}

func TestReaderTruncated(t *testing.T) {
	r := NewReader(FromBytes([]byte{1, 2}))
	_, err := r.ReadUint32()
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestCloneAndEqual(t *testing.T) {
	b := New()
	b.Write([]byte("x"))
	b.AddSubBuffer(FromBytes([]byte("y")))
	c := b.Clone()
	assert.True(t, b.Equal(c))
	c.Write([]byte("z"))
	assert.False(t, b.Equal(c))
}
