// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span attribute keys shared across components.
const (
	SessionIDKey    = "session.id"
	SessionStateKey = "session.state"
	DeviceIDKey     = "device.id"
	RoomKey         = "signaling.room"
	MessageKindKey  = "signaling.kind"

	EntityIDKey   = "entity.id"
	EntityKindKey = "entity.kind"
	RequiredMBKey = "admission.required_mb"

	ProcessRoleKey  = "process.role"
	ProcessCountKey = "process.count"
	PolicyKey       = "process.policy"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// SessionAttributes describes a remote-control session. Empty values are omitted.
func SessionAttributes(sessionID, deviceID, state string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	if deviceID != "" {
		attrs = append(attrs, attribute.String(DeviceIDKey, deviceID))
	}
	if state != "" {
		attrs = append(attrs, attribute.String(SessionStateKey, state))
	}
	return attrs
}

// AdmissionAttributes describes an admission decision.
func AdmissionAttributes(kind, entityID string, requiredMB int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(EntityKindKey, kind),
		attribute.String(EntityIDKey, entityID),
		attribute.Int(RequiredMBKey, requiredMB),
	}
}

// GroupAttributes describes a supervised process group.
func GroupAttributes(entityID, policy string, processes int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(EntityIDKey, entityID),
		attribute.String(PolicyKey, policy),
		attribute.Int(ProcessCountKey, processes),
	}
}

// ErrorAttributes marks a span as failed with a coarse error class.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
