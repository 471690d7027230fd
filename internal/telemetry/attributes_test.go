// SPDX-License-Identifier: MIT

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func lookup(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSessionAttributes_OmitsEmpty(t *testing.T) {
	attrs := SessionAttributes("s1", "", "fallback")
	assert.Len(t, attrs, 2)

	v, ok := lookup(attrs, SessionIDKey)
	assert.True(t, ok)
	assert.Equal(t, "s1", v.AsString())
	_, ok = lookup(attrs, DeviceIDKey)
	assert.False(t, ok)

	assert.Empty(t, SessionAttributes("", "", ""))
}

func TestAdmissionAttributes(t *testing.T) {
	attrs := AdmissionAttributes("emulator", "emu-1", 2048)
	v, ok := lookup(attrs, RequiredMBKey)
	assert.True(t, ok)
	assert.Equal(t, int64(2048), v.AsInt64())
	v, _ = lookup(attrs, EntityKindKey)
	assert.Equal(t, "emulator", v.AsString())
}

func TestGroupAttributes(t *testing.T) {
	attrs := GroupAttributes("relay", "advisory", 2)
	v, _ := lookup(attrs, ProcessCountKey)
	assert.Equal(t, int64(2), v.AsInt64())
	v, _ = lookup(attrs, PolicyKey)
	assert.Equal(t, "advisory", v.AsString())
}

func TestErrorAttributes(t *testing.T) {
	attrs := ErrorAttributes("not_found")
	v, _ := lookup(attrs, ErrorKey)
	assert.True(t, v.AsBool())
}
