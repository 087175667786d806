// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{"42", "-1", "2.5", "true", "hello", "1e3"})
	assert.Equal(t, []any{int64(42), int64(-1), 2.5, true, "hello", 1000.0}, got)
	assert.Empty(t, parseArgs(nil))
}

func TestSortedIDs(t *testing.T) {
	m := map[uint32]string{102: "c", 100: "a", 101: "b"}
	assert.Equal(t, []uint32{100, 101, 102}, sortedIDs(m))
}
