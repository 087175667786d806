// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package signature

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScalars(t *testing.T) {
	for _, text := range []string{"v", "b", "c", "C", "w", "W", "i", "I", "l", "L", "f", "d", "s", "r", "m", "o", "X"} {
		sig, err := Parse(text)
		require.NoError(t, err, text)
		assert.Equal(t, Kind(text[0]), sig.Kind())
		assert.Equal(t, text, sig.String())
		assert.Empty(t, sig.Children())
	}
}

func TestParseContainers(t *testing.T) {
	sig, err := Parse("[{s(if)}]")
	require.NoError(t, err)
	assert.Equal(t, KindList, sig.Kind())

	m := sig.Element()
	assert.Equal(t, KindMap, m.Kind())
	assert.Equal(t, "s", m.Key().String())
	assert.Equal(t, "(if)", m.Element().String())

	members := m.Element().Members()
	require.Len(t, members, 2)
	assert.Equal(t, KindInt32, members[0].Kind())
	assert.Equal(t, KindFloat, members[1].Kind())
}

func TestParseAnnotationAndPointer(t *testing.T) {
	sig, err := Parse("(is)<Point,x,name>")
	require.NoError(t, err)
	assert.Equal(t, "Point", sig.Name())
	assert.Equal(t, []string{"x", "name"}, sig.FieldNames())
	assert.False(t, sig.IsPointer())

	sig, err = Parse("o*")
	require.NoError(t, err)
	assert.True(t, sig.IsPointer())
	assert.Equal(t, KindObject, sig.Kind())
}

func TestParseOptionalAndVarArgs(t *testing.T) {
	sig, err := Parse("+[i]")
	require.NoError(t, err)
	assert.Equal(t, KindOptional, sig.Kind())
	assert.Equal(t, "[i]", sig.Element().String())

	sig, err = Parse("#m")
	require.NoError(t, err)
	assert.Equal(t, KindVarArgs, sig.Kind())
	assert.Equal(t, KindDynamic, sig.Element().Kind())
}

func TestParseEmptyTuple(t *testing.T) {
	sig, err := Parse("()")
	require.NoError(t, err)
	assert.Equal(t, KindTuple, sig.Kind())
	assert.Empty(t, sig.Members())
}

func TestParseMalformed(t *testing.T) {
	for _, text := range []string{"", "[i", "{s}", ")(", "(is", "{si", "[]", "q", "(i)<Point", "+", "is"} {
		_, err := Parse(text)
		assert.ErrorIs(t, err, ErrMalformed, "%q", text)
	}
}

func TestParseDepthLimit(t *testing.T) {
	nest := func(n int) string {
		return strings.Repeat("[", n) + "i" + strings.Repeat("]", n)
	}
	_, err := Parse(nest(MaxDepth))
	require.NoError(t, err)

	_, err = Parse(nest(MaxDepth + 1))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse(strings.Repeat("[", 1_000_000))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Parse(strings.Repeat("+", 1_000_000) + "i")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestIterator(t *testing.T) {
	it := NewIterator("(is)")
	require.True(t, it.More())
	sig, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "(is)", sig.String())
	assert.False(t, it.More())

	var got []string
	for _, child := range sig.Children() {
		got = append(got, child.String())
	}
	assert.Equal(t, []string{"i", "s"}, got)
}

func TestIteratorStopsOnError(t *testing.T) {
	it := NewIterator("i[s")
	sig, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "i", sig.String())

	_, err = it.Next()
	assert.ErrorIs(t, err, ErrMalformed)
	assert.False(t, it.More())
}

func TestParseAll(t *testing.T) {
	sigs, err := ParseAll("is[m]")
	require.NoError(t, err)
	require.Len(t, sigs, 3)
	assert.Equal(t, "[m]", sigs[2].String())
}
