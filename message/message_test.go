// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/qimessaging/buffer"
	"github.com/luxfi/qimessaging/codec"
	"github.com/luxfi/qimessaging/value"
)

func TestHeaderLayout(t *testing.T) {
	m := New(TypeCall, Address{Service: 1, Object: 1, Action: DirectoryService})
	m.ID = 7
	require.NoError(t, m.SetValue(value.NewString("echo"), value.StringType, codec.Options{}))
	frame := Encode(m)

	require.Len(t, frame, HeaderSize+8)
	assert.Equal(t, []byte{0x42, 0xde, 0xad, 0x42}, frame[0:4])
	assert.Equal(t, []byte{7, 0, 0, 0}, frame[4:8])
	assert.Equal(t, byte(TypeCall), frame[10])
	assert.Equal(t, []byte{100, 0, 0, 0}, frame[20:24])
	assert.Equal(t, []byte{8, 0, 0, 0}, frame[24:28])

	back, err := Decode(frame, 0)
	require.NoError(t, err)
	assert.Equal(t, m.Header, back.Header)
	v, err := back.Value(value.StringType, codec.Options{})
	require.NoError(t, err)
	assert.Equal(t, "echo", v.String())
}

func TestBadHeaders(t *testing.T) {
	frame := Encode(New(TypeReply, Address{}))

	bad := append([]byte(nil), frame...)
	bad[0] = 0
	_, err := ParseHeader(bad, 0)
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = ParseHeader(frame, 0)
	require.NoError(t, err)

	big := append([]byte(nil), frame...)
	big[27] = 0xff
	_, err = ParseHeader(big, 0)
	assert.ErrorIs(t, err, ErrProtocol)

	unknown := append([]byte(nil), frame...)
	unknown[10] = 42
	_, err = ParseHeader(unknown, 0)
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = Decode(append(frame, 1), 0)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestStreamPreservesOrder(t *testing.T) {
	var stream bytes.Buffer
	for i := 1; i <= 3; i++ {
		m := New(TypePost, Address{Service: 2, Object: 1, Action: 100})
		m.ID = uint32(i)
		raw := buffer.FromBytes(bytes.Repeat([]byte{byte(i)}, 10*i))
		require.NoError(t, m.SetValue(value.NewRaw(raw), value.RawType, codec.Options{}))
		require.NoError(t, WriteTo(&stream, m))
	}

	r := NewReader(&stream, 0)
	for i := 1; i <= 3; i++ {
		m, err := r.Next()
		require.NoError(t, err)
		assert.EqualValues(t, i, m.ID)
		v, err := m.Value(value.RawType, codec.Options{})
		require.NoError(t, err)
		b, err := v.ToRaw()
		require.NoError(t, err)
		assert.Equal(t, 10*i, b.Size())
	}
	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestTruncatedStream(t *testing.T) {
	m := New(TypeCall, Address{Service: 1, Object: 1, Action: 100})
	require.NoError(t, m.SetValue(value.NewString("hello"), value.StringType, codec.Options{}))
	frame := Encode(m)

	_, err := NewReader(bytes.NewReader(frame[:len(frame)-2]), 0).Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDynamicPayload(t *testing.T) {
	m := New(TypeReply, Address{})
	require.NoError(t, m.SetValue(value.NewInt(value.Int32Type, 42), value.DynamicType, codec.Options{}))
	assert.Equal(t, FlagDynamicPayload, m.Flags&FlagDynamicPayload)

	v, err := m.Value(value.Int64Type, codec.Options{})
	require.NoError(t, err)
	assert.Same(t, value.Int64Type, v.Type())
	n, err := v.ToInt()
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)
}

func TestRemoteError(t *testing.T) {
	sentinel := errors.New("method not found")
	m := NewReply(New(TypeCall, Address{Service: 3}), TypeError)
	m.SetError("method not found: id 12")
	err := m.Error()
	assert.EqualError(t, err, "method not found: id 12")
	assert.ErrorIs(t, err, sentinel)
	assert.NotErrorIs(t, err, errors.New("method"))
	assert.EqualValues(t, 3, m.Service)
}

func TestCancelTarget(t *testing.T) {
	m := New(TypeCancel, Address{Service: 2, Object: 1})
	m.SetCancelTarget(99)
	id, err := m.CancelTarget()
	require.NoError(t, err)
	assert.EqualValues(t, 99, id)
}
