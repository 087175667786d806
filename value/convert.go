// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package value

import (
	"fmt"
	"math"

	"github.com/luxfi/qimessaging/buffer"
)

// ConversionError reports a failed conversion between two types.
type ConversionError struct {
	From   string
	To     string
	Reason string
}

func (e *ConversionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("cannot convert %s to %s", e.From, e.To)
	}
	return fmt.Sprintf("cannot convert %s to %s: %s", e.From, e.To, e.Reason)
}

// Unwrap makes errors.Is(err, ErrTypeMismatch) hold for conversion errors.
func (e *ConversionError) Unwrap() error { return ErrTypeMismatch }

func convErr(from Value, to Type, reason string) error {
	return &ConversionError{From: typeName(from.typ), To: typeName(to), Reason: reason}
}

// Convert returns v converted to t. The boolean reports whether a new value
// was allocated; when it is false the result shares v's storage.
func (v Value) Convert(t Type) (Value, bool, error) {
	if v.typ == nil || t == nil {
		return Value{}, false, ErrNullType
	}
	return convert(v, t)
}

// CanConvert reports whether values of type from can be converted to to.
// Numeric narrowing is accepted; the range is checked on actual values.
func CanConvert(from, to Type) bool {
	if from == nil || to == nil {
		return false
	}
	if from == to || to.Kind() == KindDynamic || from.Kind() == KindDynamic {
		return true
	}
	if ot, ok := to.(*OptionalType); ok {
		if from.Kind() == KindVoid {
			return true
		}
		if of, ok := from.(*OptionalType); ok {
			return CanConvert(of.Elem(), ot.Elem())
		}
		return CanConvert(from, ot.Elem())
	}
	if of, ok := from.(*OptionalType); ok {
		return CanConvert(of.Elem(), to)
	}
	switch to.Kind() {
	case KindInt, KindFloat:
		return from.Kind() == KindInt || from.Kind() == KindFloat
	case KindString, KindRaw:
		return from.Kind() == KindString || from.Kind() == KindRaw
	case KindList, KindVarArgs:
		fl, ok := from.(*ListType)
		return ok && CanConvert(fl.Elem(), to.(*ListType).Elem())
	case KindMap:
		fm, ok := from.(*MapType)
		tm := to.(*MapType)
		return ok && CanConvert(fm.Key(), tm.Key()) && CanConvert(fm.Elem(), tm.Elem())
	case KindTuple:
		ft, ok := from.(*TupleType)
		tt := to.(*TupleType)
		if !ok || ft.Len() != tt.Len() {
			return false
		}
		for i := 0; i < ft.Len(); i++ {
			if !CanConvert(ft.Member(i), tt.Member(i)) {
				return false
			}
		}
		return true
	}
	return from.Kind() == to.Kind()
}

func convert(v Value, t Type) (Value, bool, error) {
	if v.typ == t {
		return v, false, nil
	}
	if t.Kind() == KindDynamic {
		return Value{typ: DynamicType, data: v, owned: v.owned}, true, nil
	}
	if v.Kind() == KindDynamic {
		inner, _ := v.data.(Value)
		if !inner.IsValid() {
			inner = Void()
		}
		out, _, err := convert(inner, t)
		return out, true, err
	}
	if ot, ok := t.(*OptionalType); ok {
		return toOptional(v, ot)
	}
	if v.Kind() == KindOptional {
		p, _ := v.data.(*Value)
		if p == nil {
			if t.Kind() == KindVoid {
				return Void(), true, nil
			}
			return Value{}, false, convErr(v, t, "optional is empty")
		}
		out, _, err := convert(*p, t)
		return out, true, err
	}

	switch tt := t.(type) {
	case *IntType:
		return toInt(v, tt)
	case *FloatType:
		return toFloat(v, tt)
	case *ListType:
		return toList(v, tt)
	case *MapType:
		return toMap(v, tt)
	case *TupleType:
		return toTuple(v, tt)
	}

	switch t.Kind() {
	case KindVoid:
		if v.Kind() == KindVoid {
			return Void(), true, nil
		}
	case KindString:
		switch d := v.data.(type) {
		case string:
			return NewString(d), true, nil
		case *buffer.Buffer:
			if d == nil {
				return NewString(""), true, nil
			}
			return NewString(string(d.Flatten())), true, nil
		}
	case KindRaw:
		switch d := v.data.(type) {
		case *buffer.Buffer:
			return NewRaw(d), true, nil
		case string:
			return NewRaw(buffer.FromBytes([]byte(d))), true, nil
		}
	case KindObject:
		if v.Kind() == KindObject {
			return Value{typ: t, data: v.data}, true, nil
		}
	}
	return Value{}, false, convErr(v, t, "")
}

func toOptional(v Value, t *OptionalType) (Value, bool, error) {
	switch v.Kind() {
	case KindVoid:
		return None(t), true, nil
	case KindOptional:
		p, _ := v.data.(*Value)
		if p == nil {
			return None(t), true, nil
		}
		inner, _, err := convert(*p, t.Elem())
		if err != nil {
			return Value{}, false, err
		}
		return Some(t, inner), true, nil
	}
	inner, _, err := convert(v, t.Elem())
	if err != nil {
		return Value{}, false, err
	}
	return Some(t, inner), true, nil
}

func intBounds(t *IntType) (int64, uint64) {
	if t.size == 0 {
		return 0, 1
	}
	bits := uint(t.size * 8)
	if t.signed {
		if bits == 64 {
			return math.MinInt64, math.MaxInt64
		}
		return -(1 << (bits - 1)), 1<<(bits-1) - 1
	}
	if bits == 64 {
		return 0, math.MaxUint64
	}
	return 0, 1<<bits - 1
}

func toInt(v Value, t *IntType) (Value, bool, error) {
	lo, hi := intBounds(t)
	var (
		neg bool
		mag uint64
		i   int64
	)
	switch d := v.data.(type) {
	case bool:
		if d {
			mag, i = 1, 1
		}
	case int64:
		i = d
		if d < 0 {
			neg = true
		} else {
			mag = uint64(d)
		}
	case uint64:
		mag = d
		if d <= math.MaxInt64 {
			i = int64(d)
		}
	case float64:
		if math.IsNaN(d) || math.IsInf(d, 0) || d != math.Trunc(d) {
			return Value{}, false, convErr(v, t, "not an integral value")
		}
		if d < 0 {
			if d < math.MinInt64 {
				return Value{}, false, convErr(v, t, "out of range")
			}
			neg, i = true, int64(d)
		} else {
			if d >= math.MaxUint64 {
				return Value{}, false, convErr(v, t, "out of range")
			}
			mag = uint64(d)
			if mag <= math.MaxInt64 {
				i = int64(mag)
			}
		}
	default:
		return Value{}, false, convErr(v, t, "")
	}

	if neg {
		if i < lo {
			return Value{}, false, convErr(v, t, "out of range")
		}
		return NewInt(t, i), true, nil
	}
	if mag > hi {
		return Value{}, false, convErr(v, t, "out of range")
	}
	switch {
	case t.size == 0:
		return NewBool(mag == 1), true, nil
	case t.signed:
		return NewInt(t, int64(mag)), true, nil
	}
	return NewUint(t, mag), true, nil
}

func toFloat(v Value, t *FloatType) (Value, bool, error) {
	var f float64
	switch d := v.data.(type) {
	case float64:
		f = d
	case int64:
		f = float64(d)
	case uint64:
		f = float64(d)
	case bool:
		if d {
			f = 1
		}
	default:
		return Value{}, false, convErr(v, t, "")
	}
	if t.size == 4 && !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
		return Value{}, false, convErr(v, t, "out of range")
	}
	if t.size == 4 {
		f = float64(float32(f))
	}
	return NewFloat(t, f), true, nil
}

func toList(v Value, t *ListType) (Value, bool, error) {
	if v.Kind() != KindList && v.Kind() != KindVarArgs {
		return Value{}, false, convErr(v, t, "")
	}
	src, _ := v.data.([]Value)
	elems := make([]Value, len(src))
	for i, e := range src {
		c, _, err := convert(e, t.Elem())
		if err != nil {
			return Value{}, false, fmt.Errorf("element %d: %w", i, err)
		}
		elems[i] = c
	}
	return Value{typ: t, data: elems, owned: true}, true, nil
}

func toMap(v Value, t *MapType) (Value, bool, error) {
	if v.Kind() != KindMap {
		return Value{}, false, convErr(v, t, "")
	}
	src, _ := v.data.([]MapEntry)
	entries := make([]MapEntry, len(src))
	for i, e := range src {
		k, _, err := convert(e.Key, t.Key())
		if err != nil {
			return Value{}, false, fmt.Errorf("key %v: %w", e.Key, err)
		}
		val, _, err := convert(e.Value, t.Elem())
		if err != nil {
			return Value{}, false, fmt.Errorf("value for key %v: %w", e.Key, err)
		}
		entries[i] = MapEntry{Key: k, Value: val}
	}
	return Value{typ: t, data: entries, owned: true}, true, nil
}

func toTuple(v Value, t *TupleType) (Value, bool, error) {
	if v.Kind() != KindTuple {
		return Value{}, false, convErr(v, t, "")
	}
	src, _ := v.data.([]Value)
	if len(src) != t.Len() {
		return Value{}, false, convErr(v, t, fmt.Sprintf("arity %d, want %d", len(src), t.Len()))
	}
	members := make([]Value, len(src))
	for i, m := range src {
		c, _, err := convert(m, t.Member(i))
		if err != nil {
			return Value{}, false, fmt.Errorf("member %d: %w", i, err)
		}
		members[i] = c
	}
	return Value{typ: t, data: members, owned: true}, true, nil
}
