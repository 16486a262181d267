// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldClientID  = "client_id"
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldRemoteIP  = "remote_ip"

	// Lifecycle fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldReason    = "reason"
	FieldOldState  = "old_state"
	FieldNewState  = "new_state"

	// Queue fields
	FieldQueuePos  = "queue_position"
	FieldQueueSize = "queue_size"

	// Store fields
	FieldKey     = "key"
	FieldBackend = "backend"
)
