// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package value

import (
	"bytes"
	"cmp"
	"reflect"
	"strings"

	"github.com/luxfi/qimessaging/buffer"
)

// Equal reports whether a and b have the same type and content.
func Equal(a, b Value) bool {
	return a.typ == b.typ && Compare(a, b) == 0
}

// Compare orders two values. Values of different kinds are ordered by kind,
// values of the same kind by content: numbers numerically, strings and raw
// buffers lexically, containers element by element.
func Compare(a, b Value) int {
	a, b = a.Unwrap(), b.Unwrap()
	if a.Kind() != b.Kind() {
		return cmp.Compare(a.Kind(), b.Kind())
	}
	switch a.Kind() {
	case KindInt, KindFloat:
		return compareNumbers(a, b)
	case KindString:
		as, _ := a.data.(string)
		bs, _ := b.data.(string)
		return strings.Compare(as, bs)
	case KindRaw:
		return bytes.Compare(flat(a), flat(b))
	case KindList, KindVarArgs, KindTuple:
		ae, _ := a.data.([]Value)
		be, _ := b.data.([]Value)
		for i := 0; i < len(ae) && i < len(be); i++ {
			if c := Compare(ae[i], be[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(ae), len(be))
	case KindMap:
		ae, _ := a.data.([]MapEntry)
		be, _ := b.data.([]MapEntry)
		for i := 0; i < len(ae) && i < len(be); i++ {
			if c := Compare(ae[i].Key, be[i].Key); c != 0 {
				return c
			}
			if c := Compare(ae[i].Value, be[i].Value); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(ae), len(be))
	case KindOptional:
		ap, _ := a.data.(*Value)
		bp, _ := b.data.(*Value)
		switch {
		case ap == nil && bp == nil:
			return 0
		case ap == nil:
			return -1
		case bp == nil:
			return 1
		}
		return Compare(*ap, *bp)
	case KindObject:
		if a.data == nil && b.data == nil {
			return 0
		}
		if a.data == nil {
			return -1
		}
		if b.data == nil {
			return 1
		}
		ap, bp := pointerOf(a.data), pointerOf(b.data)
		return cmp.Compare(ap, bp)
	}
	return 0
}

func compareNumbers(a, b Value) int {
	switch ad := a.data.(type) {
	case int64:
		if bd, ok := b.data.(int64); ok {
			return cmp.Compare(ad, bd)
		}
	case uint64:
		if bd, ok := b.data.(uint64); ok {
			return cmp.Compare(ad, bd)
		}
	case bool:
		if bd, ok := b.data.(bool); ok {
			switch {
			case ad == bd:
				return 0
			case !ad:
				return -1
			}
			return 1
		}
	}
	af, _ := a.ToFloat()
	bf, _ := b.ToFloat()
	return cmp.Compare(af, bf)
}

func flat(v Value) []byte {
	b, _ := v.data.(*buffer.Buffer)
	if b == nil {
		return nil
	}
	return b.Flatten()
}

func pointerOf(x any) uintptr {
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return rv.Pointer()
	}
	return 0
}
