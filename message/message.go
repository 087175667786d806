// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package message defines the wire envelope exchanged between peers: a
// fixed 28-byte little-endian header followed by a codec-encoded payload.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/luxfi/qimessaging/buffer"
	"github.com/luxfi/qimessaging/codec"
	"github.com/luxfi/qimessaging/value"
)

var (
	// ErrProtocol is returned for a header that cannot start a valid message.
	// The byte stream is desynchronized and the connection must be dropped.
	ErrProtocol = errors.New("protocol error")
)

const (
	// Magic starts every header.
	Magic uint32 = 0x42adde42
	// HeaderSize is the encoded size of a Header.
	HeaderSize = 28
	// Version is the header version written by this package.
	Version uint16 = 0
	// DefaultMaxPayload bounds the payload size accepted from a peer.
	DefaultMaxPayload = 64 * 1024 * 1024
)

// Type is the message kind.
type Type uint8

const (
	TypeNone Type = iota
	TypeCall
	TypeReply
	TypeError
	TypePost
	TypeEvent
	TypeCapability
	TypeCancel
	TypeCanceled
)

var typeNames = [...]string{"None", "Call", "Reply", "Error", "Post", "Event", "Capability", "Cancel", "Canceled"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Flags modify how the payload is read.
type Flags uint8

// FlagDynamicPayload marks a payload holding a dynamic value.
const FlagDynamicPayload Flags = 1

// Well-known service and object ids.
const (
	ServiceServer    uint32 = 0
	ServiceDirectory uint32 = 1

	ObjectNone uint32 = 0
	ObjectMain uint32 = 1
)

// Actions every bound object answers. User members start at 100.
const (
	ActionRegisterEvent uint32 = iota
	ActionUnregisterEvent
	ActionMetaObject
	ActionTerminate
	_
	ActionProperty
	ActionSetProperty
	ActionProperties
	ActionRegisterEventWithSignature
)

// Actions of the service directory object.
const (
	DirectoryService uint32 = 100 + iota
	DirectoryServices
	DirectoryRegisterService
	DirectoryUnregisterService
	DirectoryServiceReady
	DirectoryUpdateServiceInfo
	DirectoryServiceRegistered
	DirectoryServiceUnregistered
	DirectoryMachineID
)

// Address names the target of a message.
type Address struct {
	Service uint32
	Object  uint32
	Action  uint32
}

func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d", a.Service, a.Object, a.Action)
}

// Header is the fixed part of a message.
type Header struct {
	ID      uint32
	Version uint16
	Type    Type
	Flags   Flags
	Address
	PayloadSize uint32
}

// Put encodes h into p, which must hold HeaderSize bytes.
func (h Header) Put(p []byte) {
	le := binary.LittleEndian
	le.PutUint32(p[0:], Magic)
	le.PutUint32(p[4:], h.ID)
	le.PutUint16(p[8:], h.Version)
	p[10] = byte(h.Type)
	p[11] = byte(h.Flags)
	le.PutUint32(p[12:], h.Service)
	le.PutUint32(p[16:], h.Object)
	le.PutUint32(p[20:], h.Action)
	le.PutUint32(p[24:], h.PayloadSize)
}

// ParseHeader decodes a header and validates it against maxPayload (zero
// selects DefaultMaxPayload).
func ParseHeader(p []byte, maxPayload int) (Header, error) {
	if len(p) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", ErrProtocol, len(p))
	}
	le := binary.LittleEndian
	if m := le.Uint32(p[0:]); m != Magic {
		return Header{}, fmt.Errorf("%w: bad magic %#x", ErrProtocol, m)
	}
	h := Header{
		ID:      le.Uint32(p[4:]),
		Version: le.Uint16(p[8:]),
		Type:    Type(p[10]),
		Flags:   Flags(p[11]),
		Address: Address{
			Service: le.Uint32(p[12:]),
			Object:  le.Uint32(p[16:]),
			Action:  le.Uint32(p[20:]),
		},
		PayloadSize: le.Uint32(p[24:]),
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if int64(h.PayloadSize) > int64(maxPayload) {
		return Header{}, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrProtocol, h.PayloadSize, maxPayload)
	}
	if h.Type == TypeNone || h.Type > TypeCanceled {
		return Header{}, fmt.Errorf("%w: unknown message type %d", ErrProtocol, p[10])
	}
	return h, nil
}

var nextID atomic.Uint32

// NextID returns a process-unique message id.
func NextID() uint32 { return nextID.Add(1) }

// Message is a header plus its payload.
type Message struct {
	Header
	Payload *buffer.Buffer
}

// New returns a message of type t for addr with a fresh id.
func New(t Type, addr Address) *Message {
	return &Message{
		Header:  Header{ID: NextID(), Version: Version, Type: t, Address: addr},
		Payload: buffer.New(),
	}
}

// NewReply returns a message answering m: same id and address.
func NewReply(m *Message, t Type) *Message {
	return &Message{
		Header:  Header{ID: m.ID, Version: Version, Type: t, Address: m.Address},
		Payload: buffer.New(),
	}
}

func (m *Message) String() string {
	size := 0
	if m.Payload != nil {
		size = m.Payload.TotalSize()
	}
	return fmt.Sprintf("%s #%d %s (%d bytes)", m.Type, m.ID, m.Address, size)
}

// SetValue encodes v as the payload. v is converted to t first; a dynamic t
// sets FlagDynamicPayload.
func (m *Message) SetValue(v value.Value, t value.Type, opts codec.Options) error {
	if !v.IsValid() {
		v = value.Void()
	}
	if t == nil {
		t = v.Type()
	}
	if t.Kind() == value.KindDynamic {
		m.Flags |= FlagDynamicPayload
		v = value.NewDynamic(v)
	} else {
		m.Flags &^= FlagDynamicPayload
		c, _, err := v.Convert(t)
		if err != nil {
			return err
		}
		v = c
	}
	m.Payload = buffer.New()
	return codec.Encode(m.Payload, v, opts)
}

// Value decodes the payload as t. A dynamic payload is decoded as dynamic
// and then converted.
func (m *Message) Value(t value.Type, opts codec.Options) (value.Value, error) {
	if m.Payload == nil {
		m.Payload = buffer.New()
	}
	if m.Flags&FlagDynamicPayload != 0 {
		v, err := codec.Unmarshal(m.Payload, value.DynamicType, opts)
		if err != nil {
			return value.Value{}, err
		}
		if t == nil || t.Kind() == value.KindDynamic {
			return v, nil
		}
		out, _, err := v.Unwrap().Convert(t)
		return out, err
	}
	return codec.Unmarshal(m.Payload, t, opts)
}

// SetError makes the payload a dynamic string describing the failure.
func (m *Message) SetError(text string) {
	m.Flags |= FlagDynamicPayload
	m.Payload = buffer.New()
	_ = codec.Encode(m.Payload, value.NewDynamic(value.NewString(text)), codec.Options{})
}

// Error returns the remote error carried by an Error message.
func (m *Message) Error() error {
	v, err := m.Value(value.DynamicType, codec.Options{})
	if err != nil {
		return &RemoteError{Message: fmt.Sprintf("undecodable error payload: %v", err)}
	}
	s, err := v.Unwrap().ToString()
	if err != nil {
		s = v.Unwrap().String()
	}
	return &RemoteError{Message: s}
}

// SetCancelTarget makes the payload the id of the call to cancel.
func (m *Message) SetCancelTarget(id uint32) {
	m.Payload = buffer.New()
	m.Payload.WriteUint32(id)
}

// CancelTarget returns the id carried by a Cancel message.
func (m *Message) CancelTarget() (uint32, error) {
	return buffer.NewReader(m.Payload).ReadUint32()
}

// RemoteError is a failure reported by the peer. errors.Is matches a local
// sentinel whose text the remote message equals or starts with, so
// object.ErrMethodNotFound survives the trip.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Is(target error) bool {
	if target == nil {
		return false
	}
	t := target.Error()
	return e.Message == t || strings.HasPrefix(e.Message, t+":")
}
