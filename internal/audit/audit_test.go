// SPDX-License-Identifier: MIT

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/barrierd/internal/log"
)

func capture(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	return New(zerolog.New(&buf)), &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger()
	assert.NotNil(t, logger)
}

func TestLogger_Log(t *testing.T) {
	logger, buf := capture(t)

	logger.Log(Event{
		Type:       EventConfigReload,
		Actor:      "admin",
		Action:     "reloaded config",
		Resource:   "config.yaml",
		Result:     "success",
		RemoteAddr: "192.168.1.100",
		RequestID:  "req-123",
		Details:    map[string]string{"changes": "3"},
	})

	entry := lastEntry(t, buf)
	assert.Equal(t, "audit", entry["log_type"])
	assert.Equal(t, "config.reload", entry["event_type"])
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, "3", entry["changes"])
	assert.NotEmpty(t, entry["timestamp"])
}

func TestLogger_LogFromContext(t *testing.T) {
	logger, buf := capture(t)
	ctx := log.ContextWithRequestID(context.Background(), "req-456")

	logger.LogFromContext(ctx, Event{Type: EventAuthMissing, Actor: "10.0.0.1", Result: "denied"})
	assert.Equal(t, "req-456", lastEntry(t, buf)["request_id"])

	logger.LogFromContext(ctx, Event{Type: EventAuthMissing, RequestID: "explicit"})
	assert.Equal(t, "explicit", lastEntry(t, buf)["request_id"])
}

func TestLogger_ConfigReload(t *testing.T) {
	logger, buf := capture(t)

	logger.ConfigReload("system", "success", map[string]string{"file": "/etc/barrierd/config.yaml"})
	assert.Equal(t, "config.reload", lastEntry(t, buf)["event_type"])

	logger.ConfigReload("system", "failure", nil)
	assert.Equal(t, "config.reload.error", lastEntry(t, buf)["event_type"])
}

func TestLogger_CredentialEvents(t *testing.T) {
	logger, buf := capture(t)
	ctx := context.Background()

	logger.CredentialIssued(ctx, "", "tablet", "s-1", "ABC12XYZ")
	entry := lastEntry(t, buf)
	assert.Equal(t, "credential.issued", entry["event_type"])
	assert.Equal(t, "tablet", entry["actor"], "device id stands in for an anonymous caller")
	assert.Equal(t, "s-1", entry["session_id"])

	logger.CredentialDisclosed(ctx, "", "10.0.0.9:5000", "ZZZ99ZZZ", false)
	entry = lastEntry(t, buf)
	assert.Equal(t, "failure", entry["result"])
	assert.Equal(t, "10.0.0.9:5000", entry["actor"])

	logger.SessionStopped(ctx, "phone", "s-2", 404)
	entry = lastEntry(t, buf)
	assert.Equal(t, "failure", entry["result"])
	assert.Equal(t, "404", entry["status_code"])
}

func TestLogger_AuthEvents(t *testing.T) {
	logger, buf := capture(t)
	ctx := context.Background()

	logger.AuthFailure(ctx, "10.0.0.1", "/api/resources", "forbidden")
	entry := lastEntry(t, buf)
	assert.Equal(t, "auth.failure", entry["event_type"])
	assert.Equal(t, "forbidden", entry["reason"])

	logger.Forbidden(ctx, "dev-1", "10.0.0.1", "dev-2")
	entry = lastEntry(t, buf)
	assert.Equal(t, "auth.forbidden", entry["event_type"])
	assert.Equal(t, "dev-2", entry["resource"])
}

func TestLogger_TimestampPreserved(t *testing.T) {
	logger, buf := capture(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	logger.Log(Event{Timestamp: at, Type: EventAuthFailure})
	ts, ok := lastEntry(t, buf)["timestamp"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(ts, "2025-03-01T12:00:00"))
}
