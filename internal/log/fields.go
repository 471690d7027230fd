// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldConnID    = "conn_id"
	FieldRoom      = "room"
	FieldDeviceID  = "device_id"
	FieldEntityID  = "entity_id"
	FieldCallerID  = "caller_id"
	FieldTraceID   = "trace_id"
	FieldSpanID    = "span_id"

	// Process / supervision fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldRole      = "role"
	FieldPID       = "pid"
	FieldBinary    = "binary"
	FieldExitCode  = "exit_code"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Resource fields
	FieldCPUPercent  = "cpu_percent"
	FieldRSSMB       = "rss_mb"
	FieldMemoryRatio = "memory_ratio"
	FieldRequiredMB  = "required_mb"
	FieldBudgetMB    = "budget_mb"

	// Network fields
	FieldPath       = "path"
	FieldRemoteAddr = "remote_addr"
)
