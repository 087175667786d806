// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package value implements the runtime type model: type descriptors, the
// polymorphic Value container and the conversion rules between types.
//
// Descriptors are process-wide and interned by signature, so two descriptors
// describing the same shape are always the same pointer and may be compared
// with ==.
package value

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/luxfi/qimessaging/signature"
)

var (
	// ErrTypeMismatch is returned when a value cannot be converted.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrNullType is returned when operating on a value without descriptor.
	ErrNullType = errors.New("value has no type")
)

// Kind is the closed set of value shapes.
type Kind int

const (
	KindUnknown Kind = iota
	KindVoid
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
	KindObject
	KindPointer
	KindTuple
	KindDynamic
	KindRaw
	KindIterator
	KindFunction
	KindSignal
	KindProperty
	KindVarArgs
	KindOptional
)

var kindNames = [...]string{
	KindUnknown:  "Unknown",
	KindVoid:     "Void",
	KindInt:      "Int",
	KindFloat:    "Float",
	KindString:   "String",
	KindList:     "List",
	KindMap:      "Map",
	KindObject:   "Object",
	KindPointer:  "Pointer",
	KindTuple:    "Tuple",
	KindDynamic:  "Dynamic",
	KindRaw:      "Raw",
	KindIterator: "Iterator",
	KindFunction: "Function",
	KindSignal:   "Signal",
	KindProperty: "Property",
	KindVarArgs:  "VarArgs",
	KindOptional: "Optional",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Type describes the shape and storage of a value.
type Type interface {
	Kind() Kind
	Signature() signature.Signature
	String() string
}

type basicType struct {
	kind Kind
	sig  signature.Signature
}

func (t *basicType) Kind() Kind                     { return t.kind }
func (t *basicType) Signature() signature.Signature { return t.sig }
func (t *basicType) String() string                 { return t.sig.String() }

// IntType describes integers. A size of zero denotes bool.
type IntType struct {
	sig    signature.Signature
	size   int
	signed bool
}

func (t *IntType) Kind() Kind                     { return KindInt }
func (t *IntType) Signature() signature.Signature { return t.sig }
func (t *IntType) String() string                 { return t.sig.String() }

// Size returns the width in bytes, zero for bool.
func (t *IntType) Size() int { return t.size }

// Signed reports whether the integer is signed.
func (t *IntType) Signed() bool { return t.signed }

// IsBool reports whether the descriptor is bool.
func (t *IntType) IsBool() bool { return t.size == 0 }

// FloatType describes 4 or 8 byte floating point numbers.
type FloatType struct {
	sig  signature.Signature
	size int
}

func (t *FloatType) Kind() Kind                     { return KindFloat }
func (t *FloatType) Signature() signature.Signature { return t.sig }
func (t *FloatType) String() string                 { return t.sig.String() }

// Size returns the width in bytes.
func (t *FloatType) Size() int { return t.size }

// ListType describes homogeneous lists. It also backs variadic arguments.
type ListType struct {
	sig     signature.Signature
	elem    Type
	varArgs bool
}

func (t *ListType) Kind() Kind {
	if t.varArgs {
		return KindVarArgs
	}
	return KindList
}
func (t *ListType) Signature() signature.Signature { return t.sig }
func (t *ListType) String() string                 { return t.sig.String() }

// Elem returns the element descriptor.
func (t *ListType) Elem() Type { return t.elem }

// MapType describes maps.
type MapType struct {
	sig       signature.Signature
	key, elem Type
}

func (t *MapType) Kind() Kind                     { return KindMap }
func (t *MapType) Signature() signature.Signature { return t.sig }
func (t *MapType) String() string                 { return t.sig.String() }

// Key returns the key descriptor.
func (t *MapType) Key() Type { return t.key }

// Elem returns the value descriptor.
func (t *MapType) Elem() Type { return t.elem }

// TupleType describes tuples and structs.
type TupleType struct {
	sig     signature.Signature
	members []Type
	name    string
	fields  []string
}

func (t *TupleType) Kind() Kind                     { return KindTuple }
func (t *TupleType) Signature() signature.Signature { return t.sig }
func (t *TupleType) String() string {
	if t.name != "" {
		return t.name
	}
	return t.sig.String()
}

// Members returns the member descriptors.
func (t *TupleType) Members() []Type {
	out := make([]Type, len(t.members))
	copy(out, t.members)
	return out
}

// Member returns the i-th member descriptor.
func (t *TupleType) Member(i int) Type { return t.members[i] }

// Len returns the arity.
func (t *TupleType) Len() int { return len(t.members) }

// Name returns the struct name, empty for anonymous tuples.
func (t *TupleType) Name() string { return t.name }

// FieldNames returns the struct field names, nil for anonymous tuples.
func (t *TupleType) FieldNames() []string { return t.fields }

// OptionalType describes a value that may be absent.
type OptionalType struct {
	sig  signature.Signature
	elem Type
}

func (t *OptionalType) Kind() Kind                     { return KindOptional }
func (t *OptionalType) Signature() signature.Signature { return t.sig }
func (t *OptionalType) String() string                 { return t.sig.String() }

// Elem returns the descriptor of the present value.
func (t *OptionalType) Elem() Type { return t.elem }

var registry sync.Map // signature text -> Type

func intern(t Type) Type {
	actual, _ := registry.LoadOrStore(t.Signature().String(), t)
	return actual.(Type)
}

func basic(kind Kind, text string) Type {
	return intern(&basicType{kind: kind, sig: signature.MustParse(text)})
}

func integer(text string, size int, signed bool) Type {
	return intern(&IntType{sig: signature.MustParse(text), size: size, signed: signed})
}

func float(text string, size int) Type {
	return intern(&FloatType{sig: signature.MustParse(text), size: size})
}

// Process-wide scalar descriptors.
var (
	VoidType    = basic(KindVoid, "v")
	BoolType    = integer("b", 0, false)
	Int8Type    = integer("c", 1, true)
	UInt8Type   = integer("C", 1, false)
	Int16Type   = integer("w", 2, true)
	UInt16Type  = integer("W", 2, false)
	Int32Type   = integer("i", 4, true)
	UInt32Type  = integer("I", 4, false)
	Int64Type   = integer("l", 8, true)
	UInt64Type  = integer("L", 8, false)
	Float32Type = float("f", 4)
	Float64Type = float("d", 8)
	StringType  = basic(KindString, "s")
	RawType     = basic(KindRaw, "r")
	DynamicType = basic(KindDynamic, "m")
	ObjectType  = basic(KindObject, "o")
	UnknownType = basic(KindUnknown, "X")
)

func lookup(text string, build func() Type) Type {
	if t, ok := registry.Load(text); ok {
		return t.(Type)
	}
	return intern(build())
}

// ListOf returns the descriptor of lists of elem.
func ListOf(elem Type) Type {
	text := "[" + elem.Signature().String() + "]"
	return lookup(text, func() Type {
		return &ListType{sig: signature.MustParse(text), elem: elem}
	})
}

// VarArgsOf returns the descriptor of variadic elem arguments.
func VarArgsOf(elem Type) Type {
	text := "#" + elem.Signature().String()
	return lookup(text, func() Type {
		return &ListType{sig: signature.MustParse(text), elem: elem, varArgs: true}
	})
}

// MapOf returns the descriptor of maps from key to elem.
func MapOf(key, elem Type) Type {
	text := "{" + key.Signature().String() + elem.Signature().String() + "}"
	return lookup(text, func() Type {
		return &MapType{sig: signature.MustParse(text), key: key, elem: elem}
	})
}

// OptionalOf returns the descriptor of optional elem.
func OptionalOf(elem Type) Type {
	text := "+" + elem.Signature().String()
	return lookup(text, func() Type {
		return &OptionalType{sig: signature.MustParse(text), elem: elem}
	})
}

// TupleOf returns the descriptor of anonymous tuples.
func TupleOf(members ...Type) Type {
	return NamedTupleOf("", nil, members...)
}

// NamedTupleOf returns the descriptor of a struct. fields may be nil; when
// given it must have one entry per member.
func NamedTupleOf(name string, fields []string, members ...Type) Type {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, m := range members {
		sb.WriteString(m.Signature().String())
	}
	sb.WriteByte(')')
	if name != "" || len(fields) > 0 {
		sb.WriteByte('<')
		sb.WriteString(name)
		for _, f := range fields {
			sb.WriteByte(',')
			sb.WriteString(f)
		}
		sb.WriteByte('>')
	}
	text := sb.String()
	return lookup(text, func() Type {
		ms := make([]Type, len(members))
		copy(ms, members)
		return &TupleType{sig: signature.MustParse(text), members: ms, name: name, fields: fields}
	})
}

// TypeFromSignature returns the descriptor matching sig.
func TypeFromSignature(sig signature.Signature) (Type, error) {
	switch sig.Kind() {
	case signature.KindVoid:
		return VoidType, nil
	case signature.KindBool:
		return BoolType, nil
	case signature.KindInt8:
		return Int8Type, nil
	case signature.KindUInt8:
		return UInt8Type, nil
	case signature.KindInt16:
		return Int16Type, nil
	case signature.KindUInt16:
		return UInt16Type, nil
	case signature.KindInt32:
		return Int32Type, nil
	case signature.KindUInt32:
		return UInt32Type, nil
	case signature.KindInt64:
		return Int64Type, nil
	case signature.KindUInt64:
		return UInt64Type, nil
	case signature.KindFloat:
		return Float32Type, nil
	case signature.KindDouble:
		return Float64Type, nil
	case signature.KindString:
		return StringType, nil
	case signature.KindRaw:
		return RawType, nil
	case signature.KindDynamic:
		return DynamicType, nil
	case signature.KindObject:
		return ObjectType, nil
	case signature.KindUnknown:
		return UnknownType, nil
	case signature.KindList, signature.KindVarArgs, signature.KindOptional:
		elem, err := TypeFromSignature(sig.Element())
		if err != nil {
			return nil, err
		}
		switch sig.Kind() {
		case signature.KindList:
			return ListOf(elem), nil
		case signature.KindVarArgs:
			return VarArgsOf(elem), nil
		}
		return OptionalOf(elem), nil
	case signature.KindMap:
		key, err := TypeFromSignature(sig.Key())
		if err != nil {
			return nil, err
		}
		elem, err := TypeFromSignature(sig.Element())
		if err != nil {
			return nil, err
		}
		return MapOf(key, elem), nil
	case signature.KindTuple:
		children := sig.Members()
		members := make([]Type, len(children))
		for i, c := range children {
			m, err := TypeFromSignature(c)
			if err != nil {
				return nil, err
			}
			members[i] = m
		}
		fields := sig.FieldNames()
		if fields != nil && len(fields) != len(members) {
			fields = nil
		}
		return NamedTupleOf(sig.Name(), fields, members...), nil
	}
	return nil, fmt.Errorf("%w: no type for signature %q", signature.ErrMalformed, sig.String())
}

// ParseType parses text and returns the matching descriptor.
func ParseType(text string) (Type, error) {
	sig, err := signature.Parse(text)
	if err != nil {
		return nil, err
	}
	return TypeFromSignature(sig)
}

// MustParseType is like ParseType but panics on error.
func MustParseType(text string) Type {
	t, err := ParseType(text)
	if err != nil {
		panic(err)
	}
	return t
}
