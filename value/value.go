// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package value

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/luxfi/qimessaging/buffer"
	"github.com/luxfi/qimessaging/signature"
)

// Value pairs a type descriptor with its storage.
//
// A Value built with From references the caller's data (slices, buffers and
// objects are shared). A Value built with Copy, Clone or by a conversion owns
// a private copy of its containers. Destroy releases the storage of an owning
// value; calling it on a reference is a no-op.
//
// Storage per kind:
//
//	Int (signed)    int64
//	Int (unsigned)  uint64
//	Int (bool)      bool
//	Float           float64
//	String          string
//	Raw             *buffer.Buffer
//	List, VarArgs   []Value
//	Map             []MapEntry
//	Tuple           []Value
//	Dynamic         Value
//	Optional        *Value (nil when absent)
//	Object          any
type Value struct {
	typ   Type
	data  any
	owned bool
}

// MapEntry is one key/value pair of a map value.
type MapEntry struct {
	Key, Value Value
}

// Void returns the void value.
func Void() Value { return Value{typ: VoidType} }

// NewBool returns a bool value.
func NewBool(b bool) Value { return Value{typ: BoolType, data: b} }

// NewInt returns a signed integer value of descriptor t.
func NewInt(t Type, i int64) Value { return Value{typ: t, data: i} }

// NewUint returns an unsigned integer value of descriptor t.
func NewUint(t Type, u uint64) Value { return Value{typ: t, data: u} }

// NewFloat returns a floating point value of descriptor t.
func NewFloat(t Type, f float64) Value { return Value{typ: t, data: f} }

// NewString returns a string value.
func NewString(s string) Value { return Value{typ: StringType, data: s} }

// NewRaw returns a raw value referencing b.
func NewRaw(b *buffer.Buffer) Value { return Value{typ: RawType, data: b} }

// NewObject returns an object value referencing obj.
func NewObject(obj any) Value { return Value{typ: ObjectType, data: obj} }

// NewList returns a list value of descriptor t. The elements must already be
// of t's element type.
func NewList(t Type, elems []Value) Value { return Value{typ: t, data: elems} }

// NewMap returns a map value of descriptor t.
func NewMap(t Type, entries []MapEntry) Value { return Value{typ: t, data: entries} }

// NewTuple returns a tuple value of descriptor t.
func NewTuple(t Type, members []Value) Value { return Value{typ: t, data: members} }

// NewDynamic wraps v in a dynamic value. Dynamic values are not nested.
func NewDynamic(v Value) Value {
	if v.Kind() == KindDynamic {
		return v
	}
	if !v.IsValid() {
		v = Void()
	}
	return Value{typ: DynamicType, data: v}
}

// Some returns an optional of descriptor t holding v.
func Some(t Type, v Value) Value { return Value{typ: t, data: &v} }

// None returns an empty optional of descriptor t.
func None(t Type) Value { return Value{typ: t, data: (*Value)(nil)} }

// List builds a list from vals. Homogeneous values produce a list of their
// type, anything else a list of dynamic.
func List(vals ...Value) Value {
	var elem Type
	for _, v := range vals {
		if elem == nil {
			elem = v.typ
		} else if elem != v.typ {
			elem = DynamicType
			break
		}
	}
	if elem == nil {
		elem = DynamicType
	}
	elems := make([]Value, len(vals))
	for i, v := range vals {
		if elem == DynamicType {
			v = NewDynamic(v)
		}
		elems[i] = v
	}
	return Value{typ: ListOf(elem), data: elems}
}

// Tuple builds an anonymous tuple from vals.
func Tuple(vals ...Value) Value {
	members := make([]Type, len(vals))
	for i, v := range vals {
		members[i] = v.typ
	}
	elems := make([]Value, len(vals))
	copy(elems, vals)
	return Value{typ: TupleOf(members...), data: elems}
}

// Type returns the descriptor, nil for the zero Value.
func (v Value) Type() Type { return v.typ }

// Kind returns the kind of the descriptor.
func (v Value) Kind() Kind {
	if v.typ == nil {
		return KindUnknown
	}
	return v.typ.Kind()
}

// IsValid reports whether the value carries a descriptor.
func (v Value) IsValid() bool { return v.typ != nil }

// IsOwned reports whether the value owns its storage.
func (v Value) IsOwned() bool { return v.owned }

// Signature returns the signature of the descriptor.
func (v Value) Signature() signature.Signature {
	if v.typ == nil {
		return signature.Signature{}
	}
	return v.typ.Signature()
}

func (v Value) mismatch(want string) error {
	return &ConversionError{From: typeName(v.typ), To: want, Reason: "wrong accessor"}
}

// ToInt returns an integer or bool value as int64.
func (v Value) ToInt() (int64, error) {
	switch d := v.data.(type) {
	case int64:
		return d, nil
	case uint64:
		if d > 1<<63-1 {
			return 0, &ConversionError{From: typeName(v.typ), To: "l", Reason: "out of range"}
		}
		return int64(d), nil
	case bool:
		if d {
			return 1, nil
		}
		return 0, nil
	}
	return 0, v.mismatch("l")
}

// ToUint returns a non-negative integer value as uint64.
func (v Value) ToUint() (uint64, error) {
	switch d := v.data.(type) {
	case uint64:
		return d, nil
	case int64:
		if d < 0 {
			return 0, &ConversionError{From: typeName(v.typ), To: "L", Reason: "out of range"}
		}
		return uint64(d), nil
	case bool:
		if d {
			return 1, nil
		}
		return 0, nil
	}
	return 0, v.mismatch("L")
}

// ToFloat returns a numeric value as float64.
func (v Value) ToFloat() (float64, error) {
	switch d := v.data.(type) {
	case float64:
		return d, nil
	case int64:
		return float64(d), nil
	case uint64:
		return float64(d), nil
	}
	return 0, v.mismatch("d")
}

// ToBool returns a bool, or whether an integer is non-zero.
func (v Value) ToBool() (bool, error) {
	switch d := v.data.(type) {
	case bool:
		return d, nil
	case int64:
		return d != 0, nil
	case uint64:
		return d != 0, nil
	}
	return false, v.mismatch("b")
}

// ToString returns a string value. Raw values are returned as their bytes.
func (v Value) ToString() (string, error) {
	switch d := v.data.(type) {
	case string:
		return d, nil
	case *buffer.Buffer:
		return string(d.Flatten()), nil
	}
	return "", v.mismatch("s")
}

// ToRaw returns the buffer of a raw value.
func (v Value) ToRaw() (*buffer.Buffer, error) {
	if b, ok := v.data.(*buffer.Buffer); ok {
		return b, nil
	}
	return nil, v.mismatch("r")
}

// Elements returns the elements of a list or the members of a tuple. The
// returned slice is shared with the value.
func (v Value) Elements() ([]Value, error) {
	switch v.Kind() {
	case KindList, KindVarArgs, KindTuple:
		elems, _ := v.data.([]Value)
		return elems, nil
	}
	return nil, v.mismatch("[m]")
}

// Len returns the number of elements of a list, tuple or map.
func (v Value) Len() int {
	switch d := v.data.(type) {
	case []Value:
		return len(d)
	case []MapEntry:
		return len(d)
	}
	return 0
}

// Element returns the i-th element of a list or tuple.
func (v Value) Element(i int) (Value, error) {
	elems, err := v.Elements()
	if err != nil {
		return Value{}, err
	}
	if i < 0 || i >= len(elems) {
		return Value{}, fmt.Errorf("index %d out of range [0,%d)", i, len(elems))
	}
	return elems[i], nil
}

// Entries returns the entries of a map value.
func (v Value) Entries() ([]MapEntry, error) {
	if v.Kind() != KindMap {
		return nil, v.mismatch("{mm}")
	}
	entries, _ := v.data.([]MapEntry)
	return entries, nil
}

// Lookup returns the value stored under key in a map value.
func (v Value) Lookup(key Value) (Value, bool) {
	entries, err := v.Entries()
	if err != nil {
		return Value{}, false
	}
	mt := v.typ.(*MapType)
	k, _, err := key.Convert(mt.Key())
	if err != nil {
		return Value{}, false
	}
	for _, e := range entries {
		if Equal(e.Key, k) {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Content returns the value wrapped by a dynamic.
func (v Value) Content() (Value, error) {
	if inner, ok := v.data.(Value); ok && v.Kind() == KindDynamic {
		return inner, nil
	}
	return Value{}, v.mismatch("m")
}

// Unwrap strips dynamic wrappers. Other values are returned unchanged.
func (v Value) Unwrap() Value {
	for v.Kind() == KindDynamic {
		inner, ok := v.data.(Value)
		if !ok {
			return Void()
		}
		v = inner
	}
	return v
}

// Optional returns the content of an optional value and whether it is set.
func (v Value) Optional() (Value, bool, error) {
	if v.Kind() != KindOptional {
		return Value{}, false, v.mismatch("+m")
	}
	p, _ := v.data.(*Value)
	if p == nil {
		return Value{}, false, nil
	}
	return *p, true, nil
}

// ToObject returns the object referenced by an object value.
func (v Value) ToObject() (any, error) {
	if v.Kind() != KindObject {
		return nil, v.mismatch("o")
	}
	if v.data == nil {
		return nil, fmt.Errorf("%w: null object", ErrTypeMismatch)
	}
	return v.data, nil
}

// Raw returns the underlying storage.
func (v Value) Raw() any { return v.data }

// Clone returns an owning deep copy of v.
func (v Value) Clone() Value {
	out := Value{typ: v.typ, owned: true}
	switch d := v.data.(type) {
	case []Value:
		elems := make([]Value, len(d))
		for i, e := range d {
			elems[i] = e.Clone()
		}
		out.data = elems
	case []MapEntry:
		entries := make([]MapEntry, len(d))
		for i, e := range d {
			entries[i] = MapEntry{Key: e.Key.Clone(), Value: e.Value.Clone()}
		}
		out.data = entries
	case Value:
		out.data = d.Clone()
	case *Value:
		if d == nil {
			out.data = (*Value)(nil)
		} else {
			c := d.Clone()
			out.data = &c
		}
	case *buffer.Buffer:
		if d == nil {
			out.data = buffer.New()
		} else {
			out.data = d.Clone()
		}
	default:
		out.data = d
	}
	return out
}

// Copy returns an owning value holding a deep copy of x.
func Copy(x any) Value {
	return From(x).Clone()
}

// Destroy releases the storage of an owning value and leaves it void.
// Destroying a reference only detaches it.
func (v *Value) Destroy() {
	if v.owned {
		switch d := v.data.(type) {
		case []Value:
			for i := range d {
				d[i].Destroy()
			}
		case []MapEntry:
			for i := range d {
				d[i].Key.Destroy()
				d[i].Value.Destroy()
			}
		case *buffer.Buffer:
			if d != nil {
				d.Reset()
			}
		}
	}
	*v = Value{}
}

// Interface returns the storage as plain Go values: lists and tuples become
// []any, maps map[any]any (or map[string]any for string keys), dynamics and
// optionals their content or nil. Map keys that Go cannot hash, such as
// lists, are replaced by their String form.
func (v Value) Interface() any {
	switch d := v.data.(type) {
	case []Value:
		out := make([]any, len(d))
		for i, e := range d {
			out[i] = e.Interface()
		}
		return out
	case []MapEntry:
		if mt, ok := v.typ.(*MapType); ok && mt.Key() == StringType {
			out := make(map[string]any, len(d))
			for _, e := range d {
				k, _ := e.Key.data.(string)
				out[k] = e.Value.Interface()
			}
			return out
		}
		out := make(map[any]any, len(d))
		for _, e := range d {
			k := e.Key.Interface()
			if k != nil && !reflect.TypeOf(k).Comparable() {
				k = e.Key.String()
			}
			out[k] = e.Value.Interface()
		}
		return out
	case Value:
		return d.Interface()
	case *Value:
		if d == nil {
			return nil
		}
		return d.Interface()
	case *buffer.Buffer:
		if d == nil {
			return []byte(nil)
		}
		return d.Flatten()
	}
	return v.data
}

// String renders the value for logs and the command line client.
func (v Value) String() string {
	var sb strings.Builder
	v.format(&sb)
	return sb.String()
}

func (v Value) format(sb *strings.Builder) {
	switch d := v.data.(type) {
	case nil:
		switch {
		case v.typ == nil:
			sb.WriteString("<invalid>")
		case v.Kind() == KindObject:
			sb.WriteString("<null object>")
		default:
			sb.WriteString("void")
		}
	case bool:
		sb.WriteString(strconv.FormatBool(d))
	case int64:
		sb.WriteString(strconv.FormatInt(d, 10))
	case uint64:
		sb.WriteString(strconv.FormatUint(d, 10))
	case float64:
		sb.WriteString(strconv.FormatFloat(d, 'g', -1, 64))
	case string:
		sb.WriteString(strconv.Quote(d))
	case *buffer.Buffer:
		size := 0
		if d != nil {
			size = d.TotalSize()
		}
		fmt.Fprintf(sb, "<raw %d bytes>", size)
	case []Value:
		open, end := "[", "]"
		if v.Kind() == KindTuple {
			open, end = "(", ")"
		}
		sb.WriteString(open)
		for i, e := range d {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.format(sb)
		}
		sb.WriteString(end)
	case []MapEntry:
		sb.WriteByte('{')
		for i, e := range d {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.Key.format(sb)
			sb.WriteString(": ")
			e.Value.format(sb)
		}
		sb.WriteByte('}')
	case Value:
		d.format(sb)
	case *Value:
		if d == nil {
			sb.WriteString("none")
		} else {
			d.format(sb)
		}
	default:
		fmt.Fprintf(sb, "<object %v>", d)
	}
}

func typeName(t Type) string {
	if t == nil {
		return "<null>"
	}
	return t.String()
}
