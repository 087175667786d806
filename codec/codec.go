// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package codec implements the binary encoding of values.
//
// Integers and floats are fixed-width little-endian. Strings are a uint32
// length followed by the bytes. Lists and maps are a uint32 count followed
// by their elements, map entries as key then value in iteration order.
// Tuples are the concatenation of their members. Raw values travel in a
// sub-buffer. A dynamic value is its signature string followed by the
// value, an optional a bool followed by the value when set.
//
// Object references go through an ObjectSerializer, which registers the
// object on the connection and yields the ids the peer uses to reach it.
package codec

import (
	"errors"
	"fmt"
	"math"

	"github.com/luxfi/qimessaging/buffer"
	"github.com/luxfi/qimessaging/object"
	"github.com/luxfi/qimessaging/value"
)

var (
	// ErrTruncated is returned when decoding runs past the end of the input.
	ErrTruncated = buffer.ErrTruncated
	// ErrUnsupported is returned for values with no wire form.
	ErrUnsupported = errors.New("unsupported value")
	// ErrNoObjectSerializer is returned when an object crosses the wire
	// without an ObjectSerializer.
	ErrNoObjectSerializer = errors.New("object serialization requires a serializer")
	// ErrUnknownMetaObject is returned for a metaobject cache id that was
	// never transmitted.
	ErrUnknownMetaObject = errors.New("unknown metaobject cache id")
)

// NullObjectID is the object id of a null object reference.
const NullObjectID uint32 = 0

// ObjectInfo is what travels on the wire for an object reference.
type ObjectInfo struct {
	MetaObject *object.MetaObject
	ServiceID  uint32
	ObjectID   uint32
}

// ObjectSerializer hosts objects leaving the process and builds proxies for
// objects arriving from the peer.
type ObjectSerializer interface {
	SerializeObject(obj any) (ObjectInfo, error)
	DeserializeObject(info ObjectInfo) (any, error)
}

// Options carries the per-connection state used while encoding.
type Options struct {
	Stream  *StreamContext
	Objects ObjectSerializer
}

var emptyMetaObject = &object.MetaObject{
	Methods:    map[uint32]object.MetaMethod{},
	Signals:    map[uint32]object.MetaSignal{},
	Properties: map[uint32]object.MetaProperty{},
}

// Marshal encodes v into a new buffer.
func Marshal(v value.Value, opts Options) (*buffer.Buffer, error) {
	buf := buffer.New()
	if err := Encode(buf, v, opts); err != nil {
		return nil, err
	}
	return buf, nil
}

// Unmarshal decodes a value of type t from b. Trailing bytes are ignored.
func Unmarshal(b *buffer.Buffer, t value.Type, opts Options) (value.Value, error) {
	return Decode(buffer.NewReader(b), t, opts)
}

// Encode appends the encoding of v to buf.
func Encode(buf *buffer.Buffer, v value.Value, opts Options) error {
	if !v.IsValid() {
		return fmt.Errorf("%w: %w", ErrUnsupported, value.ErrNullType)
	}
	e := encoder{buf: buf, opts: opts}
	return e.encode(v)
}

type encoder struct {
	buf  *buffer.Buffer
	opts Options
}

func (e *encoder) writeString(s string) {
	e.buf.WriteUint32(uint32(len(s)))
	_, _ = e.buf.Write([]byte(s))
}

func (e *encoder) encode(v value.Value) error {
	switch t := v.Type().(type) {
	case *value.IntType:
		return e.encodeInt(v, t)
	case *value.FloatType:
		f, err := v.ToFloat()
		if err != nil {
			return err
		}
		if t.Size() == 4 {
			e.buf.WriteUint32(math.Float32bits(float32(f)))
		} else {
			e.buf.WriteUint64(math.Float64bits(f))
		}
		return nil
	case *value.ListType:
		elems, err := v.Elements()
		if err != nil {
			return err
		}
		e.buf.WriteUint32(uint32(len(elems)))
		for _, el := range elems {
			if err := e.encode(el); err != nil {
				return err
			}
		}
		return nil
	case *value.MapType:
		entries, err := v.Entries()
		if err != nil {
			return err
		}
		e.buf.WriteUint32(uint32(len(entries)))
		for _, en := range entries {
			if err := e.encode(en.Key); err != nil {
				return err
			}
			if err := e.encode(en.Value); err != nil {
				return err
			}
		}
		return nil
	case *value.TupleType:
		members, err := v.Elements()
		if err != nil {
			return err
		}
		if len(members) != t.Len() {
			return fmt.Errorf("%w: tuple %s has %d members", value.ErrTypeMismatch, t, len(members))
		}
		for _, m := range members {
			if err := e.encode(m); err != nil {
				return err
			}
		}
		return nil
	case *value.OptionalType:
		inner, ok, err := v.Optional()
		if err != nil {
			return err
		}
		_ = e.buf.WriteByte(boolByte(ok))
		if ok {
			return e.encode(inner)
		}
		return nil
	}

	switch v.Kind() {
	case value.KindVoid:
		return nil
	case value.KindString:
		s, err := v.ToString()
		if err != nil {
			return err
		}
		e.writeString(s)
		return nil
	case value.KindRaw:
		b, err := v.ToRaw()
		if err != nil {
			return err
		}
		if b == nil {
			b = buffer.New()
		}
		e.buf.AddSubBuffer(b)
		return nil
	case value.KindDynamic:
		inner, err := v.Content()
		if err != nil {
			return err
		}
		if !inner.IsValid() || inner.Kind() == value.KindVoid {
			e.writeString("")
			return nil
		}
		e.writeString(inner.Signature().String())
		return e.encode(inner)
	case value.KindObject:
		return e.encodeObject(v.Raw())
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, v.Type())
}

func (e *encoder) encodeInt(v value.Value, t *value.IntType) error {
	var u uint64
	switch d := v.Raw().(type) {
	case bool:
		u = uint64(boolByte(d))
	case int64:
		u = uint64(d)
	case uint64:
		u = d
	default:
		return fmt.Errorf("%w: %T stored in %s", value.ErrTypeMismatch, d, t)
	}
	switch t.Size() {
	case 0, 1:
		_ = e.buf.WriteByte(byte(u))
	case 2:
		e.buf.WriteUint16(uint16(u))
	case 4:
		e.buf.WriteUint32(uint32(u))
	default:
		e.buf.WriteUint64(u)
	}
	return nil
}

func (e *encoder) encodeObject(obj any) error {
	info := ObjectInfo{MetaObject: emptyMetaObject, ObjectID: NullObjectID}
	if obj != nil {
		if e.opts.Objects == nil {
			return ErrNoObjectSerializer
		}
		var err error
		info, err = e.opts.Objects.SerializeObject(obj)
		if err != nil {
			return fmt.Errorf("serializing object: %w", err)
		}
		if info.MetaObject == nil {
			info.MetaObject = emptyMetaObject
		}
	}
	if s := e.opts.Stream; s != nil && s.SharedCapability(CapMetaObjectCache) {
		id, transmit := s.SendCacheSet(info.MetaObject)
		_ = e.buf.WriteByte(boolByte(transmit))
		if transmit {
			if err := e.encode(info.MetaObject.ToValue()); err != nil {
				return err
			}
		}
		e.buf.WriteUint32(id)
	} else if err := e.encode(info.MetaObject.ToValue()); err != nil {
		return err
	}
	e.buf.WriteUint32(info.ServiceID)
	e.buf.WriteUint32(info.ObjectID)
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Decode reads a value of type t from r.
func Decode(r *buffer.Reader, t value.Type, opts Options) (value.Value, error) {
	if t == nil {
		return value.Value{}, value.ErrNullType
	}
	d := decoder{r: r, opts: opts}
	return d.decode(t)
}

// MaxDepth bounds the nesting of decoded values, dynamic values included.
const MaxDepth = 1024

type decoder struct {
	r     *buffer.Reader
	opts  Options
	depth int
}

func (d *decoder) readString() (string, error) {
	n, err := d.r.ReadUint32()
	if err != nil {
		return "", err
	}
	p, err := d.r.Read(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// capacity bounds preallocation by what the input can still hold.
func (d *decoder) capacity(n uint32) int {
	if rem := d.r.Remaining(); int64(n) > int64(rem) {
		return rem
	}
	return int(n)
}

func (d *decoder) decode(t value.Type) (value.Value, error) {
	if d.depth >= MaxDepth {
		return value.Value{}, fmt.Errorf("%w: values nested deeper than %d", ErrTruncated, MaxDepth)
	}
	d.depth++
	defer func() { d.depth-- }()

	switch tt := t.(type) {
	case *value.IntType:
		return d.decodeInt(tt)
	case *value.FloatType:
		if tt.Size() == 4 {
			u, err := d.r.ReadUint32()
			if err != nil {
				return value.Value{}, err
			}
			return value.NewFloat(t, float64(math.Float32frombits(u))), nil
		}
		u, err := d.r.ReadUint64()
		if err != nil {
			return value.Value{}, err
		}
		return value.NewFloat(t, math.Float64frombits(u)), nil
	case *value.ListType:
		n, err := d.r.ReadUint32()
		if err != nil {
			return value.Value{}, err
		}
		elems := make([]value.Value, 0, d.capacity(n))
		for i := uint32(0); i < n; i++ {
			el, err := d.decode(tt.Elem())
			if err != nil {
				return value.Value{}, err
			}
			elems = append(elems, el)
		}
		return value.NewList(t, elems), nil
	case *value.MapType:
		n, err := d.r.ReadUint32()
		if err != nil {
			return value.Value{}, err
		}
		entries := make([]value.MapEntry, 0, d.capacity(n))
		for i := uint32(0); i < n; i++ {
			k, err := d.decode(tt.Key())
			if err != nil {
				return value.Value{}, err
			}
			v, err := d.decode(tt.Elem())
			if err != nil {
				return value.Value{}, err
			}
			entries = append(entries, value.MapEntry{Key: k, Value: v})
		}
		return value.NewMap(t, entries), nil
	case *value.TupleType:
		members := make([]value.Value, tt.Len())
		for i := range members {
			m, err := d.decode(tt.Member(i))
			if err != nil {
				return value.Value{}, err
			}
			members[i] = m
		}
		return value.NewTuple(t, members), nil
	case *value.OptionalType:
		set, err := d.r.ReadByte()
		if err != nil {
			return value.Value{}, err
		}
		if set == 0 {
			return value.None(t), nil
		}
		inner, err := d.decode(tt.Elem())
		if err != nil {
			return value.Value{}, err
		}
		return value.Some(t, inner), nil
	}

	switch t.Kind() {
	case value.KindVoid:
		return value.Void(), nil
	case value.KindString:
		s, err := d.readString()
		if err != nil {
			return value.Value{}, err
		}
		return value.NewString(s), nil
	case value.KindRaw:
		b, err := d.r.ReadSubBuffer()
		if err != nil {
			return value.Value{}, err
		}
		return value.NewRaw(b), nil
	case value.KindDynamic:
		sig, err := d.readString()
		if err != nil {
			return value.Value{}, err
		}
		if sig == "" || sig == "v" {
			return value.NewDynamic(value.Void()), nil
		}
		inner, err := value.ParseType(sig)
		if err != nil {
			return value.Value{}, fmt.Errorf("dynamic value: %w", err)
		}
		v, err := d.decode(inner)
		if err != nil {
			return value.Value{}, err
		}
		return value.NewDynamic(v), nil
	case value.KindObject:
		return d.decodeObject()
	}
	return value.Value{}, fmt.Errorf("%w: cannot decode %s", ErrUnsupported, t)
}

func (d *decoder) decodeInt(t *value.IntType) (value.Value, error) {
	var u uint64
	switch t.Size() {
	case 0, 1:
		b, err := d.r.ReadByte()
		if err != nil {
			return value.Value{}, err
		}
		if t.IsBool() {
			return value.NewBool(b != 0), nil
		}
		if t.Signed() {
			return value.NewInt(t, int64(int8(b))), nil
		}
		u = uint64(b)
	case 2:
		x, err := d.r.ReadUint16()
		if err != nil {
			return value.Value{}, err
		}
		if t.Signed() {
			return value.NewInt(t, int64(int16(x))), nil
		}
		u = uint64(x)
	case 4:
		x, err := d.r.ReadUint32()
		if err != nil {
			return value.Value{}, err
		}
		if t.Signed() {
			return value.NewInt(t, int64(int32(x))), nil
		}
		u = uint64(x)
	default:
		x, err := d.r.ReadUint64()
		if err != nil {
			return value.Value{}, err
		}
		if t.Signed() {
			return value.NewInt(t, int64(x)), nil
		}
		u = x
	}
	return value.NewUint(t, u), nil
}

func (d *decoder) decodeMetaObject() (*object.MetaObject, error) {
	v, err := d.decode(object.MetaObjectType)
	if err != nil {
		return nil, err
	}
	return object.MetaObjectFromValue(v)
}

func (d *decoder) decodeObject() (value.Value, error) {
	var (
		mo  *object.MetaObject
		err error
	)
	if s := d.opts.Stream; s != nil && s.SharedCapability(CapMetaObjectCache) {
		transmit, err := d.r.ReadByte()
		if err != nil {
			return value.Value{}, err
		}
		if transmit != 0 {
			if mo, err = d.decodeMetaObject(); err != nil {
				return value.Value{}, err
			}
		}
		id, err := d.r.ReadUint32()
		if err != nil {
			return value.Value{}, err
		}
		if transmit != 0 {
			s.ReceiveCacheSet(id, mo)
		} else if mo, err = s.ReceiveCacheGet(id); err != nil {
			return value.Value{}, err
		}
	} else if mo, err = d.decodeMetaObject(); err != nil {
		return value.Value{}, err
	}

	service, err := d.r.ReadUint32()
	if err != nil {
		return value.Value{}, err
	}
	obj, err := d.r.ReadUint32()
	if err != nil {
		return value.Value{}, err
	}
	if obj == NullObjectID {
		return value.NewObject(nil), nil
	}
	if d.opts.Objects == nil {
		return value.Value{}, ErrNoObjectSerializer
	}
	proxy, err := d.opts.Objects.DeserializeObject(ObjectInfo{MetaObject: mo, ServiceID: service, ObjectID: obj})
	if err != nil {
		return value.Value{}, fmt.Errorf("deserializing object %d.%d: %w", service, obj, err)
	}
	return value.NewObject(proxy), nil
}
