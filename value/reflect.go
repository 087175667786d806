// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package value

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/luxfi/qimessaging/buffer"
)

var (
	valueType  = reflect.TypeOf(Value{})
	bufferType = reflect.TypeOf((*buffer.Buffer)(nil))
	bytesType  = reflect.TypeOf([]byte(nil))

	objectIface atomic.Pointer[reflect.Type]
	reflected   sync.Map // reflect.Type -> Type
)

// RegisterObjectInterface declares the interface implemented by remotely
// callable objects. Go values implementing it map to the object kind.
func RegisterObjectInterface(t reflect.Type) {
	objectIface.Store(&t)
}

func isObjectType(rt reflect.Type) bool {
	p := objectIface.Load()
	if p == nil {
		return false
	}
	iface := *p
	return rt == iface || (iface.Kind() == reflect.Interface && rt.Implements(iface))
}

// TypeOf returns the descriptor of the Go type T.
func TypeOf[T any]() Type {
	return TypeOfReflect(reflect.TypeOf((*T)(nil)).Elem())
}

// TypeOfReflect returns the descriptor of rt. Types with no wire mapping,
// such as channels and functions, map to the unknown type.
func TypeOfReflect(rt reflect.Type) Type {
	if t, ok := reflected.Load(rt); ok {
		return t.(Type)
	}
	t := typeOfReflect(rt, map[reflect.Type]bool{})
	actual, _ := reflected.LoadOrStore(rt, t)
	return actual.(Type)
}

func typeOfReflect(rt reflect.Type, building map[reflect.Type]bool) Type {
	if rt == valueType {
		return DynamicType
	}
	if rt == bufferType || rt == bytesType {
		return RawType
	}
	if isObjectType(rt) {
		return ObjectType
	}
	if building[rt] {
		return DynamicType
	}

	switch rt.Kind() {
	case reflect.Bool:
		return BoolType
	case reflect.Int8:
		return Int8Type
	case reflect.Uint8:
		return UInt8Type
	case reflect.Int16:
		return Int16Type
	case reflect.Uint16:
		return UInt16Type
	case reflect.Int32:
		return Int32Type
	case reflect.Uint32:
		return UInt32Type
	case reflect.Int, reflect.Int64:
		return Int64Type
	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		return UInt64Type
	case reflect.Float32:
		return Float32Type
	case reflect.Float64:
		return Float64Type
	case reflect.String:
		return StringType
	case reflect.Interface:
		return DynamicType
	}

	building[rt] = true
	defer delete(building, rt)

	switch rt.Kind() {
	case reflect.Slice, reflect.Array:
		return ListOf(typeOfReflect(rt.Elem(), building))
	case reflect.Map:
		return MapOf(typeOfReflect(rt.Key(), building), typeOfReflect(rt.Elem(), building))
	case reflect.Pointer:
		return OptionalOf(typeOfReflect(rt.Elem(), building))
	case reflect.Struct:
		fields := structFields(rt)
		members := make([]Type, len(fields))
		names := make([]string, len(fields))
		for i, f := range fields {
			members[i] = typeOfReflect(rt.Field(f.index).Type, building)
			names[i] = f.name
		}
		if len(names) == 0 {
			names = nil
		}
		return NamedTupleOf(sanitize(rt.Name()), names, members...)
	}
	return UnknownType
}

type field struct {
	index int
	name  string
}

var structCache sync.Map // reflect.Type -> []field

// structFields lists the exported fields of rt. The wire name comes from a
// `qi:"name"` tag or the field name with a lowercase first letter; a tag of
// "-" skips the field.
func structFields(rt reflect.Type) []field {
	if f, ok := structCache.Load(rt); ok {
		return f.([]field)
	}
	var out []field
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Tag.Get("qi")
		if name == "-" {
			continue
		}
		if name == "" {
			r, size := utf8.DecodeRuneInString(sf.Name)
			name = string(unicode.ToLower(r)) + sf.Name[size:]
		}
		out = append(out, field{index: i, name: sanitize(name)})
	}
	actual, _ := structCache.LoadOrStore(rt, out)
	return actual.([]field)
}

// sanitize keeps annotation names parseable. Generic instantiations such as
// Pair[int] carry brackets and commas.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, name)
}

// From wraps x without copying. Go containers are walked once to build the
// value tree, but their leaves (byte slices, buffers, objects) are shared.
// A nil x yields void, a Value is returned unchanged.
func From(x any) Value {
	switch d := x.(type) {
	case nil:
		return Void()
	case Value:
		return d
	case *Value:
		if d == nil {
			return Void()
		}
		return *d
	case string:
		return NewString(d)
	case bool:
		return NewBool(d)
	case int32:
		return NewInt(Int32Type, int64(d))
	case int:
		return NewInt(Int64Type, int64(d))
	case int64:
		return NewInt(Int64Type, d)
	case float64:
		return NewFloat(Float64Type, d)
	case *buffer.Buffer:
		return NewRaw(d)
	}
	rv := reflect.ValueOf(x)
	return fromReflect(rv, TypeOfReflect(rv.Type()))
}

func fromReflect(rv reflect.Value, t Type) Value {
	if rv.Type() == valueType {
		v := rv.Interface().(Value)
		if t.Kind() == KindDynamic {
			return NewDynamic(v)
		}
		return v
	}
	switch t.Kind() {
	case KindDynamic:
		if rv.Kind() == reflect.Interface {
			if rv.IsNil() {
				return NewDynamic(Void())
			}
			return NewDynamic(From(rv.Elem().Interface()))
		}
		return NewDynamic(From(rv.Interface()))
	case KindRaw:
		if rv.Type() == bytesType {
			return NewRaw(buffer.FromBytes(rv.Bytes()))
		}
		b, _ := rv.Interface().(*buffer.Buffer)
		return NewRaw(b)
	case KindObject:
		if (rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer) && rv.IsNil() {
			return NewObject(nil)
		}
		return NewObject(rv.Interface())
	case KindInt:
		switch rv.Kind() {
		case reflect.Bool:
			return NewBool(rv.Bool())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return NewInt(t, rv.Int())
		}
		return NewUint(t, rv.Uint())
	case KindFloat:
		return NewFloat(t, rv.Float())
	case KindString:
		return NewString(rv.String())
	case KindList:
		elem := t.(*ListType).Elem()
		elems := make([]Value, rv.Len())
		for i := range elems {
			elems[i] = fromReflect(rv.Index(i), elem)
		}
		return NewList(t, elems)
	case KindMap:
		mt := t.(*MapType)
		entries := make([]MapEntry, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			entries = append(entries, MapEntry{
				Key:   fromReflect(iter.Key(), mt.Key()),
				Value: fromReflect(iter.Value(), mt.Elem()),
			})
		}
		return NewMap(t, entries)
	case KindTuple:
		tt := t.(*TupleType)
		fields := structFields(rv.Type())
		members := make([]Value, len(fields))
		for i, f := range fields {
			members[i] = fromReflect(rv.Field(f.index), tt.Member(i))
		}
		return NewTuple(t, members)
	case KindOptional:
		if rv.IsNil() {
			return None(t)
		}
		return Some(t, fromReflect(rv.Elem(), t.(*OptionalType).Elem()))
	}
	if !rv.CanInterface() {
		return Value{typ: UnknownType}
	}
	return Value{typ: UnknownType, data: rv.Interface()}
}

// As converts v to the Go type T.
func As[T any](v Value) (T, error) {
	var out T
	err := v.AssignTo(&out)
	return out, err
}

// AssignTo converts v and stores the result into the variable ptr points to.
func (v Value) AssignTo(ptr any) error {
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: AssignTo needs a non-nil pointer, got %T", ErrTypeMismatch, ptr)
	}
	if v.typ == nil {
		return ErrNullType
	}
	dst := rv.Elem()
	target := TypeOfReflect(dst.Type())
	cv, _, err := v.Convert(target)
	if err != nil {
		return err
	}
	return assign(dst, cv)
}

func assign(dst reflect.Value, v Value) error {
	dt := dst.Type()
	if dt == valueType {
		dst.Set(reflect.ValueOf(v.Unwrap()))
		return nil
	}
	switch v.Kind() {
	case KindDynamic:
		inner := v.Unwrap()
		if dst.Kind() == reflect.Interface {
			x := inner.Interface()
			if inner.Kind() == KindObject {
				x = inner.data
			}
			if x == nil {
				dst.SetZero()
				return nil
			}
			xv := reflect.ValueOf(x)
			if !xv.Type().AssignableTo(dt) {
				return fmt.Errorf("%w: %T is not assignable to %s", ErrTypeMismatch, x, dt)
			}
			dst.Set(xv)
			return nil
		}
		cv, _, err := inner.Convert(TypeOfReflect(dt))
		if err != nil {
			return err
		}
		return assign(dst, cv)
	case KindRaw:
		b, _ := v.data.(*buffer.Buffer)
		if dt == bytesType {
			if b == nil {
				dst.SetBytes(nil)
			} else {
				dst.SetBytes(b.Flatten())
			}
			return nil
		}
		dst.Set(reflect.ValueOf(b))
		return nil
	case KindObject:
		if v.data == nil {
			dst.SetZero()
			return nil
		}
		xv := reflect.ValueOf(v.data)
		if !xv.Type().AssignableTo(dt) {
			return fmt.Errorf("%w: object %T is not assignable to %s", ErrTypeMismatch, v.data, dt)
		}
		dst.Set(xv)
		return nil
	case KindInt:
		switch d := v.data.(type) {
		case bool:
			dst.SetBool(d)
		case int64:
			dst.SetInt(d)
		case uint64:
			dst.SetUint(d)
		}
		return nil
	case KindFloat:
		dst.SetFloat(v.data.(float64))
		return nil
	case KindString:
		dst.SetString(v.data.(string))
		return nil
	case KindList, KindVarArgs:
		elems, _ := v.data.([]Value)
		if dst.Kind() == reflect.Array {
			if len(elems) != dst.Len() {
				return fmt.Errorf("%w: list of %d elements into array of %d", ErrTypeMismatch, len(elems), dst.Len())
			}
		} else {
			dst.Set(reflect.MakeSlice(dt, len(elems), len(elems)))
		}
		for i, e := range elems {
			if err := assign(dst.Index(i), e); err != nil {
				return err
			}
		}
		return nil
	case KindMap:
		entries, _ := v.data.([]MapEntry)
		m := reflect.MakeMapWithSize(dt, len(entries))
		for _, e := range entries {
			k := reflect.New(dt.Key()).Elem()
			if err := assign(k, e.Key); err != nil {
				return err
			}
			val := reflect.New(dt.Elem()).Elem()
			if err := assign(val, e.Value); err != nil {
				return err
			}
			m.SetMapIndex(k, val)
		}
		dst.Set(m)
		return nil
	case KindTuple:
		members, _ := v.data.([]Value)
		fields := structFields(dt)
		if len(fields) != len(members) {
			return fmt.Errorf("%w: tuple arity %d into %s", ErrTypeMismatch, len(members), dt)
		}
		for i, f := range fields {
			if err := assign(dst.Field(f.index), members[i]); err != nil {
				return err
			}
		}
		return nil
	case KindOptional:
		p, _ := v.data.(*Value)
		if p == nil {
			dst.SetZero()
			return nil
		}
		elem := reflect.New(dt.Elem())
		if err := assign(elem.Elem(), *p); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	case KindVoid:
		dst.SetZero()
		return nil
	}
	return fmt.Errorf("%w: cannot assign %s to %s", ErrTypeMismatch, typeName(v.typ), dt)
}
