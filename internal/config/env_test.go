// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseHelpers(t *testing.T) {
	t.Setenv("BARRIER_TEST_STR", "value")
	t.Setenv("BARRIER_TEST_EMPTY", "")
	t.Setenv("BARRIER_TEST_INT", "42")
	t.Setenv("BARRIER_TEST_BAD_INT", "forty")
	t.Setenv("BARRIER_TEST_DUR", "1500ms")
	t.Setenv("BARRIER_TEST_BOOL", "yes")
	t.Setenv("BARRIER_TEST_BAD_BOOL", "maybe")
	t.Setenv("BARRIER_TEST_FLOAT", "0.75")

	assert.Equal(t, "value", ParseString("BARRIER_TEST_STR", "d"))
	assert.Equal(t, "d", ParseString("BARRIER_TEST_EMPTY", "d"))
	assert.Equal(t, "d", ParseString("BARRIER_TEST_UNSET", "d"))

	assert.Equal(t, 42, ParseInt("BARRIER_TEST_INT", 1))
	assert.Equal(t, 1, ParseInt("BARRIER_TEST_BAD_INT", 1))

	assert.Equal(t, 1500*time.Millisecond, ParseDuration("BARRIER_TEST_DUR", time.Second))
	assert.Equal(t, time.Second, ParseDuration("BARRIER_TEST_UNSET", time.Second))

	assert.True(t, ParseBool("BARRIER_TEST_BOOL", false))
	assert.False(t, ParseBool("BARRIER_TEST_BAD_BOOL", false))

	assert.Equal(t, 0.75, ParseFloat("BARRIER_TEST_FLOAT", 0.1))
}

func TestParseStringList(t *testing.T) {
	def := []string{"https://app.example"}
	assert.Equal(t, def, ParseStringList("BARRIER_TEST_LIST_UNSET", def))

	t.Setenv("BARRIER_TEST_LIST", " https://a.example, ,https://b.example ")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, ParseStringList("BARRIER_TEST_LIST", def))

	t.Setenv("BARRIER_TEST_LIST", " , ")
	assert.Equal(t, def, ParseStringList("BARRIER_TEST_LIST", def))
}

func TestParseTokenMap(t *testing.T) {
	def := map[string]string{"a": "b"}
	assert.Equal(t, def, ParseTokenMap("BARRIER_TEST_TOKENS_UNSET", def))

	t.Setenv("BARRIER_TEST_TOKENS", "t1:d1,:nope,t2:d2,t3:")
	assert.Equal(t, map[string]string{"t1": "d1", "t2": "d2"}, ParseTokenMap("BARRIER_TEST_TOKENS", def))
}
