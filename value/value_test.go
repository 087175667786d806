// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package value

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/qimessaging/buffer"
	"github.com/luxfi/qimessaging/signature"
)

type point struct {
	X    int32
	Name string
	skip int
}

func TestDescriptorsAreInterned(t *testing.T) {
	a := ListOf(MapOf(StringType, Int32Type))
	b, err := ParseType("[{si}]")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "[{si}]", a.Signature().String())
	assert.Same(t, Int32Type, TypeOf[int32]())
	assert.Same(t, ListOf(StringType), TypeOf[[]string]())
	assert.Same(t, RawType, TypeOf[[]byte]())
	assert.Same(t, DynamicType, TypeOf[any]())
}

func TestStructMapsToNamedTuple(t *testing.T) {
	typ := TypeOf[point]()
	tt, ok := typ.(*TupleType)
	require.True(t, ok)
	assert.Equal(t, "point", tt.Name())
	assert.Equal(t, []string{"x", "name"}, tt.FieldNames())
	assert.Equal(t, "(is)<point,x,name>", typ.Signature().String())

	sig, err := signature.Parse(typ.Signature().String())
	require.NoError(t, err)
	back, err := TypeFromSignature(sig)
	require.NoError(t, err)
	assert.Same(t, typ, back)
}

func TestFromAndAs(t *testing.T) {
	in := map[string][]int32{"a": {1, 2}, "b": nil}
	v := From(in)
	assert.Equal(t, "{s[i]}", v.Signature().String())
	assert.False(t, v.IsOwned())

	out, err := As[map[string][]int32](v)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, out["a"])
	assert.Empty(t, out["b"])

	p, err := As[point](From(point{X: 3, Name: "p"}))
	require.NoError(t, err)
	assert.Equal(t, point{X: 3, Name: "p"}, p)
}

func TestNumericConversion(t *testing.T) {
	v := From(int64(300))
	_, _, err := v.Convert(Int8Type)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	c, allocated, err := v.Convert(Int16Type)
	require.NoError(t, err)
	assert.True(t, allocated)
	i, err := c.ToInt()
	require.NoError(t, err)
	assert.EqualValues(t, 300, i)

	_, _, err = From(int64(-1)).Convert(UInt32Type)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	u, _, err := From(uint64(math.MaxUint32)).Convert(UInt32Type)
	require.NoError(t, err)
	got, err := u.ToUint()
	require.NoError(t, err)
	assert.EqualValues(t, math.MaxUint32, got)

	f, _, err := From(int32(7)).Convert(Float64Type)
	require.NoError(t, err)
	fv, err := f.ToFloat()
	require.NoError(t, err)
	assert.InDelta(t, 7.0, fv, 0)

	_, _, err = From(2.5).Convert(Int32Type)
	assert.ErrorIs(t, err, ErrTypeMismatch)
	n, _, err := From(2.0).Convert(Int32Type)
	require.NoError(t, err)
	assert.Equal(t, "2", n.String())

	b, _, err := From(int32(1)).Convert(BoolType)
	require.NoError(t, err)
	bv, err := b.ToBool()
	require.NoError(t, err)
	assert.True(t, bv)
	_, _, err = From(int32(2)).Convert(BoolType)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestSameTypeConversionShares(t *testing.T) {
	v := From([]string{"x"})
	c, allocated, err := v.Convert(v.Type())
	require.NoError(t, err)
	assert.False(t, allocated)
	assert.True(t, Equal(v, c))
}

func TestDynamicWrapAndUnwrap(t *testing.T) {
	v := From("hello")
	d, _, err := v.Convert(DynamicType)
	require.NoError(t, err)
	assert.Equal(t, KindDynamic, d.Kind())

	inner, err := d.Content()
	require.NoError(t, err)
	assert.True(t, Equal(v, inner))

	s, _, err := d.Convert(StringType)
	require.NoError(t, err)
	str, err := s.ToString()
	require.NoError(t, err)
	assert.Equal(t, "hello", str)

	// Dynamic values never nest.
	assert.Equal(t, KindString, NewDynamic(d).Unwrap().Kind())
	x, err := As[any](d)
	require.NoError(t, err)
	assert.Equal(t, "hello", x)
}

func TestListElementConversion(t *testing.T) {
	v := From([]int32{1, 2, 3})
	c, _, err := v.Convert(ListOf(Float64Type))
	require.NoError(t, err)
	out, err := As[[]float64](c)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, out)

	_, _, err = From([]string{"a"}).Convert(ListOf(Int32Type))
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestTupleArity(t *testing.T) {
	v := Tuple(From(int32(1)), From("a"))
	_, _, err := v.Convert(TupleOf(Int32Type))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	c, _, err := v.Convert(TupleOf(Int64Type, StringType))
	require.NoError(t, err)
	assert.Equal(t, "(ls)", c.Signature().String())
}

func TestOptional(t *testing.T) {
	ot := OptionalOf(Int32Type)
	s, _, err := From(int64(4)).Convert(ot)
	require.NoError(t, err)
	inner, ok, err := s.Optional()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "4", inner.String())

	n, _, err := Void().Convert(ot)
	require.NoError(t, err)
	_, ok, err = n.Optional()
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = n.Convert(Int32Type)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	ptr, err := As[*int32](s)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	assert.EqualValues(t, 4, *ptr)
}

func TestStringAndRaw(t *testing.T) {
	r, _, err := From("bytes").Convert(RawType)
	require.NoError(t, err)
	b, err := r.ToRaw()
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), b.Bytes())

	out, err := As[[]byte](NewRaw(buffer.FromBytes([]byte{1, 2})))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, out)
}

func TestCopyOwnsStorage(t *testing.T) {
	src := []string{"a", "b"}
	ref := From(src)
	own := Copy(src)
	assert.False(t, ref.IsOwned())
	assert.True(t, own.IsOwned())
	assert.True(t, Equal(ref, own))

	own.Destroy()
	assert.False(t, own.IsValid())
	assert.Equal(t, 2, ref.Len())
}

func TestCompareOrdering(t *testing.T) {
	assert.Equal(t, -1, Compare(From(int32(1)), From(int32(2))))
	assert.Equal(t, 1, Compare(From("b"), From("a")))
	assert.Equal(t, 0, Compare(From([]int32{1, 2}), From([]int32{1, 2})))
	assert.Equal(t, -1, Compare(From([]int32{1}), From([]int32{1, 2})))
	assert.False(t, Equal(From(int32(1)), From(int64(1))))
}

func TestNullType(t *testing.T) {
	var v Value
	_, _, err := v.Convert(Int32Type)
	assert.ErrorIs(t, err, ErrNullType)
	assert.False(t, CanConvert(nil, Int32Type))
	assert.True(t, CanConvert(Int32Type, Float64Type))
	assert.False(t, CanConvert(StringType, Int32Type))
}

func TestMapLookup(t *testing.T) {
	v := From(map[string]int32{"k": 5})
	got, ok := v.Lookup(From("k"))
	require.True(t, ok)
	assert.Equal(t, "5", got.String())
	_, ok = v.Lookup(From("missing"))
	assert.False(t, ok)
}

func TestInterfaceUnhashableKeys(t *testing.T) {
	keyType := ListOf(Int32Type)
	key := NewList(keyType, []Value{NewInt(Int32Type, 1), NewInt(Int32Type, 2)})
	m := NewMap(MapOf(keyType, StringType), []MapEntry{{Key: key, Value: NewString("a")}})

	var out any
	require.NotPanics(t, func() { out = m.Interface() })
	assert.Equal(t, map[any]any{key.String(): "a"}, out)

	ints := NewMap(MapOf(Int32Type, StringType), []MapEntry{{Key: NewInt(Int32Type, 4), Value: NewString("b")}})
	assert.Equal(t, map[any]any{int64(4): "b"}, ints.Interface())
}
