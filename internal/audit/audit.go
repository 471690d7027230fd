// SPDX-License-Identifier: MIT

// Package audit provides structured audit logging for security-sensitive operations.
// It follows the WHO/WHAT/WHEN pattern for compliance and forensics.
package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/barrierd/internal/log"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Configuration events
	EventConfigReload      EventType = "config.reload"
	EventConfigReloadError EventType = "config.reload.error"

	// Authentication events
	EventAuthFailure EventType = "auth.failure"
	EventAuthMissing EventType = "auth.missing"
	EventForbidden   EventType = "auth.forbidden"

	// Remote-control credential events
	EventCredentialIssued    EventType = "credential.issued"
	EventCredentialDisclosed EventType = "credential.disclosed"
	EventSessionStopped      EventType = "session.stopped"
)

// Event represents a structured audit event.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	Type       EventType         `json:"type"`
	Actor      string            `json:"actor"`             // WHO: caller identity, IP, or "system"
	Action     string            `json:"action"`            // WHAT: human-readable action description
	Resource   string            `json:"resource"`          // device, session or endpoint affected
	Result     string            `json:"result"`            // success, failure, denied
	RemoteAddr string            `json:"remote_addr"`       // Client IP address
	RequestID  string            `json:"request_id"`        // Correlation ID
	Details    map[string]string `json:"details,omitempty"` // Additional context
}

// Logger provides audit logging functionality.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger with a dedicated "audit" component.
func NewLogger() *Logger {
	return New(log.WithComponent("audit"))
}

// New wraps an existing logger.
func New(base zerolog.Logger) *Logger {
	return &Logger{logger: base.With().Str("log_type", "audit").Logger()}
}

// Log writes an audit event to the audit log.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	logEvent := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Str("result", event.Result)

	if event.RemoteAddr != "" {
		logEvent.Str("remote_addr", event.RemoteAddr)
	}
	if event.RequestID != "" {
		logEvent.Str(log.FieldRequestID, event.RequestID)
	}
	for key, value := range event.Details {
		logEvent.Str(key, value)
	}

	logEvent.Msg("audit event")
}

// LogFromContext fills the request ID from ctx before logging.
func (l *Logger) LogFromContext(ctx context.Context, event Event) {
	if event.RequestID == "" {
		event.RequestID = log.RequestIDFromContext(ctx)
	}
	l.Log(event)
}

// ConfigReload logs a configuration reload event.
func (l *Logger) ConfigReload(actor, result string, details map[string]string) {
	typ := EventConfigReload
	if result != "success" {
		typ = EventConfigReloadError
	}
	l.Log(Event{
		Type:     typ,
		Actor:    actor,
		Action:   "reloaded configuration",
		Resource: "config",
		Result:   result,
		Details:  details,
	})
}

// AuthFailure logs a rejected bearer token.
func (l *Logger) AuthFailure(ctx context.Context, remoteAddr, endpoint, reason string) {
	l.LogFromContext(ctx, Event{
		Type:       EventAuthFailure,
		Actor:      remoteAddr,
		Action:     "authentication failed",
		Resource:   endpoint,
		Result:     "failure",
		RemoteAddr: remoteAddr,
		Details:    map[string]string{"reason": reason},
	})
}

// AuthMissing logs a request without a token while tokens are configured.
func (l *Logger) AuthMissing(ctx context.Context, remoteAddr, endpoint string) {
	l.LogFromContext(ctx, Event{
		Type:       EventAuthMissing,
		Actor:      remoteAddr,
		Action:     "accessed endpoint without authentication",
		Resource:   endpoint,
		Result:     "denied",
		RemoteAddr: remoteAddr,
	})
}

// Forbidden logs an authenticated caller acting on another device.
func (l *Logger) Forbidden(ctx context.Context, caller, remoteAddr, resource string) {
	l.LogFromContext(ctx, Event{
		Type:       EventForbidden,
		Actor:      caller,
		Action:     "acted on a foreign device",
		Resource:   resource,
		Result:     "denied",
		RemoteAddr: remoteAddr,
	})
}

// CredentialIssued logs a relay credential handed to its owning device.
func (l *Logger) CredentialIssued(ctx context.Context, caller, deviceID, sessionID, rustdeskID string) {
	l.LogFromContext(ctx, Event{
		Type:     EventCredentialIssued,
		Actor:    actorOr(caller, deviceID),
		Action:   "issued remote-control credential",
		Resource: deviceID,
		Result:   "success",
		Details: map[string]string{
			log.FieldSessionID: sessionID,
			"rustdesk_id":      rustdeskID,
		},
	})
}

// CredentialDisclosed logs a credential looked up by a connecting peer.
func (l *Logger) CredentialDisclosed(ctx context.Context, caller, remoteAddr, rustdeskID string, found bool) {
	result := "success"
	if !found {
		result = "failure"
	}
	l.LogFromContext(ctx, Event{
		Type:       EventCredentialDisclosed,
		Actor:      actorOr(caller, remoteAddr),
		Action:     "looked up remote-control credential",
		Resource:   rustdeskID,
		Result:     result,
		RemoteAddr: remoteAddr,
	})
}

// SessionStopped logs an explicit session stop.
func (l *Logger) SessionStopped(ctx context.Context, caller, sessionID string, status int) {
	result := "success"
	if status >= 400 {
		result = "failure"
	}
	l.LogFromContext(ctx, Event{
		Type:     EventSessionStopped,
		Actor:    actorOr(caller, "anonymous"),
		Action:   "stopped session",
		Resource: sessionID,
		Result:   result,
		Details:  map[string]string{"status_code": strconv.Itoa(status)},
	})
}

func actorOr(actor, fallback string) string {
	if actor != "" {
		return actor
	}
	return fallback
}
