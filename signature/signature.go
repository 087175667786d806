// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package signature implements the compact type grammar used to describe the
// shape of values exchanged between processes.
//
// A signature is a string over a closed alphabet:
//
//	v void      b bool      c int8     C uint8    w int16   W uint16
//	i int32     I uint32    l int64    L uint64   f float   d double
//	s string    r raw       m dynamic  o object   X unknown
//	[T]   list of T
//	{KV}  map from K to V
//	(T..) tuple
//	+T    optional T
//	#T    variadic T
//
// A tuple may be followed by an annotation carrying its struct and field
// names, for instance (is)<Point,x,name>. Any element may carry a trailing
// '*' marking it as a pointer.
package signature

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when a signature cannot be parsed.
var ErrMalformed = errors.New("malformed signature")

// MaxDepth bounds the nesting of containers in a signature.
const MaxDepth = 256

// Kind is the leading tag of a signature element.
type Kind byte

const (
	KindNone     Kind = 0
	KindVoid     Kind = 'v'
	KindBool     Kind = 'b'
	KindInt8     Kind = 'c'
	KindUInt8    Kind = 'C'
	KindInt16    Kind = 'w'
	KindUInt16   Kind = 'W'
	KindInt32    Kind = 'i'
	KindUInt32   Kind = 'I'
	KindInt64    Kind = 'l'
	KindUInt64   Kind = 'L'
	KindFloat    Kind = 'f'
	KindDouble   Kind = 'd'
	KindString   Kind = 's'
	KindRaw      Kind = 'r'
	KindDynamic  Kind = 'm'
	KindObject   Kind = 'o'
	KindUnknown  Kind = 'X'
	KindList     Kind = '['
	KindMap      Kind = '{'
	KindTuple    Kind = '('
	KindOptional Kind = '+'
	KindVarArgs  Kind = '#'
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindVoid:
		return "void"
	case KindBool:
		return "bool"
	case KindInt8:
		return "int8"
	case KindUInt8:
		return "uint8"
	case KindInt16:
		return "int16"
	case KindUInt16:
		return "uint16"
	case KindInt32:
		return "int32"
	case KindUInt32:
		return "uint32"
	case KindInt64:
		return "int64"
	case KindUInt64:
		return "uint64"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindRaw:
		return "raw"
	case KindDynamic:
		return "dynamic"
	case KindObject:
		return "object"
	case KindUnknown:
		return "unknown"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindTuple:
		return "tuple"
	case KindOptional:
		return "optional"
	case KindVarArgs:
		return "varargs"
	}
	return fmt.Sprintf("Kind(%q)", byte(k))
}

func isScalar(c byte) bool {
	switch Kind(c) {
	case KindVoid, KindBool, KindInt8, KindUInt8, KindInt16, KindUInt16,
		KindInt32, KindUInt32, KindInt64, KindUInt64, KindFloat, KindDouble,
		KindString, KindRaw, KindDynamic, KindObject, KindUnknown:
		return true
	}
	return false
}

// Signature is a parsed, immutable signature element.
//
// The zero Signature is invalid and renders as the empty string.
type Signature struct {
	text       string
	kind       Kind
	children   []Signature
	annotation string
	pointer    bool
}

// Parse parses exactly one signature element. Trailing characters after the
// first complete element are an error; use NewIterator to walk a sequence.
func Parse(text string) (Signature, error) {
	sig, next, err := parseElement(text, 0)
	if err != nil {
		return Signature{}, err
	}
	if next != len(text) {
		return Signature{}, fmt.Errorf("%w: trailing characters %q in %q", ErrMalformed, text[next:], text)
	}
	return sig, nil
}

// MustParse is like Parse but panics on error. It is meant for signatures
// known at compile time.
func MustParse(text string) Signature {
	sig, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return sig
}

// ParseAll parses a concatenation of signature elements, such as "is".
func ParseAll(text string) ([]Signature, error) {
	var out []Signature
	it := NewIterator(text)
	for it.More() {
		sig, err := it.Next()
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

func parseElement(text string, pos int) (Signature, int, error) {
	return parseNested(text, pos, 0)
}

func parseNested(text string, pos, depth int) (Signature, int, error) {
	if depth > MaxDepth {
		return Signature{}, pos, fmt.Errorf("%w: nesting deeper than %d in %q", ErrMalformed, MaxDepth, truncate(text))
	}
	if pos >= len(text) {
		return Signature{}, pos, fmt.Errorf("%w: truncated %q", ErrMalformed, text)
	}
	start := pos
	c := text[pos]
	var sig Signature
	switch {
	case isScalar(c):
		sig.kind = Kind(c)
		pos++
	case c == byte(KindList):
		elem, next, err := parseNested(text, pos+1, depth+1)
		if err != nil {
			return Signature{}, pos, err
		}
		if next >= len(text) || text[next] != ']' {
			return Signature{}, pos, fmt.Errorf("%w: unterminated list in %q", ErrMalformed, text)
		}
		sig.kind = KindList
		sig.children = []Signature{elem}
		pos = next + 1
	case c == byte(KindMap):
		key, next, err := parseNested(text, pos+1, depth+1)
		if err != nil {
			return Signature{}, pos, err
		}
		if next < len(text) && text[next] == '}' {
			return Signature{}, pos, fmt.Errorf("%w: map needs a key and a value in %q", ErrMalformed, text)
		}
		val, next, err := parseNested(text, next, depth+1)
		if err != nil {
			return Signature{}, pos, err
		}
		if next >= len(text) || text[next] != '}' {
			return Signature{}, pos, fmt.Errorf("%w: unterminated map in %q", ErrMalformed, text)
		}
		sig.kind = KindMap
		sig.children = []Signature{key, val}
		pos = next + 1
	case c == byte(KindTuple):
		pos++
		sig.kind = KindTuple
		sig.children = []Signature{}
		for {
			if pos >= len(text) {
				return Signature{}, pos, fmt.Errorf("%w: unterminated tuple in %q", ErrMalformed, text)
			}
			if text[pos] == ')' {
				pos++
				break
			}
			member, next, err := parseNested(text, pos, depth+1)
			if err != nil {
				return Signature{}, pos, err
			}
			sig.children = append(sig.children, member)
			pos = next
		}
	case c == byte(KindOptional) || c == byte(KindVarArgs):
		elem, next, err := parseNested(text, pos+1, depth+1)
		if err != nil {
			return Signature{}, pos, err
		}
		sig.kind = Kind(c)
		sig.children = []Signature{elem}
		pos = next
	default:
		return Signature{}, pos, fmt.Errorf("%w: unknown tag %q in %q", ErrMalformed, c, text)
	}

	if pos < len(text) && text[pos] == '<' {
		end := strings.IndexByte(text[pos:], '>')
		if end < 0 {
			return Signature{}, pos, fmt.Errorf("%w: unterminated annotation in %q", ErrMalformed, text)
		}
		if strings.ContainsRune(text[pos+1:pos+end], '<') {
			return Signature{}, pos, fmt.Errorf("%w: nested annotation in %q", ErrMalformed, text)
		}
		sig.annotation = text[pos+1 : pos+end]
		pos += end + 1
	}
	if pos < len(text) && text[pos] == '*' {
		sig.pointer = true
		pos++
	}
	sig.text = text[start:pos]
	return sig, pos, nil
}

// String returns the textual form of the signature.

func truncate(text string) string {
	if len(text) > 64 {
		return text[:64] + "..."
	}
	return text
}
func (s Signature) String() string { return s.text }

// Kind returns the leading tag.
func (s Signature) Kind() Kind { return s.kind }

// IsValid reports whether s was produced by a successful parse.
func (s Signature) IsValid() bool { return s.kind != KindNone }

// IsPointer reports whether the element carried a '*' suffix.
func (s Signature) IsPointer() bool { return s.pointer }

// Children returns the nested elements: the element of a list, optional or
// varargs, key then value of a map, members of a tuple.
func (s Signature) Children() []Signature {
	out := make([]Signature, len(s.children))
	copy(out, s.children)
	return out
}

// Element returns the element signature of a list, optional or varargs, or
// the value signature of a map.
func (s Signature) Element() Signature {
	switch s.kind {
	case KindList, KindOptional, KindVarArgs:
		return s.children[0]
	case KindMap:
		return s.children[1]
	}
	return Signature{}
}

// Key returns the key signature of a map.
func (s Signature) Key() Signature {
	if s.kind == KindMap {
		return s.children[0]
	}
	return Signature{}
}

// Members returns the member signatures of a tuple.
func (s Signature) Members() []Signature {
	if s.kind != KindTuple {
		return nil
	}
	return s.Children()
}

// Annotation returns the raw annotation text, without the angle brackets.
func (s Signature) Annotation() string { return s.annotation }

// Name returns the struct name carried by the annotation, if any.
func (s Signature) Name() string {
	if s.annotation == "" {
		return ""
	}
	name, _, _ := strings.Cut(s.annotation, ",")
	return name
}

// FieldNames returns the field names carried by the annotation, if any.
func (s Signature) FieldNames() []string {
	parts := strings.Split(s.annotation, ",")
	if len(parts) < 2 {
		return nil
	}
	return parts[1:]
}

// Equal reports whether both signatures have the same textual form.
func (s Signature) Equal(o Signature) bool { return s.text == o.text }

// Iterator walks a concatenation of top-level signature elements. It is lazy,
// finite and cannot be restarted.
type Iterator struct {
	text string
	pos  int
	err  error
}

// NewIterator returns an iterator over the elements of text.
func NewIterator(text string) *Iterator {
	return &Iterator{text: text}
}

// More reports whether another element is available.
func (it *Iterator) More() bool {
	return it.err == nil && it.pos < len(it.text)
}

// Next parses and returns the next element.
func (it *Iterator) Next() (Signature, error) {
	if it.err != nil {
		return Signature{}, it.err
	}
	sig, next, err := parseElement(it.text, it.pos)
	if err != nil {
		it.err = err
		return Signature{}, err
	}
	it.pos = next
	return sig, nil
}
