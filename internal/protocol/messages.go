// SPDX-License-Identifier: MIT

package protocol

import "encoding/json"

// Inbound message types (client → broker).
const (
	TypeJoinQueue  = "join_queue"
	TypeLeaveQueue = "leave_queue"
	TypeHeartbeat  = "heartbeat"
)

// Outbound message types (broker → client).
const (
	TypeStatus       = "status"
	TypeQueueUpdate  = "queue_update"
	TypeSessionStart = "session_started"
	TypeSessionEnd   = "session_ended"
	TypeError        = "error"
	TypeHeartbeatAck = "heartbeat_ack"
)

// ClientMessage is one inbound JSON frame.
type ClientMessage struct {
	Type        string `json:"type"`
	InviteToken string `json:"inviteToken,omitempty"`
}

// ServerMessage is one outbound JSON frame. Exactly one frame per message;
// fields are populated per message type.
type ServerMessage struct {
	Type string `json:"type"`

	// status / queue_update
	Position         int   `json:"position,omitempty"`
	QueueSize        *int  `json:"queueSize,omitempty"`
	SessionActive    *bool `json:"sessionActive,omitempty"`
	EstimatedWaitMin int   `json:"estimatedWaitMinutes,omitempty"`

	// status (initial)
	Platforms []string `json:"platforms,omitempty"`

	// session_started
	Token string `json:"token,omitempty"`
	URL   string `json:"url,omitempty"`

	// session_ended
	Reason string `json:"reason,omitempty"`

	// error
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Status builds the periodic queue status frame.
func Status(position, queueSize int, active bool, estimatedWaitMin int) ServerMessage {
	return ServerMessage{
		Type:             TypeStatus,
		Position:         position,
		QueueSize:        &queueSize,
		SessionActive:    &active,
		EstimatedWaitMin: estimatedWaitMin,
	}
}

// QueueUpdate builds a queue position update frame.
func QueueUpdate(position, queueSize, estimatedWaitMin int) ServerMessage {
	return ServerMessage{
		Type:             TypeQueueUpdate,
		Position:         position,
		QueueSize:        &queueSize,
		EstimatedWaitMin: estimatedWaitMin,
	}
}

// SessionStarted builds the frame that hands the session token to the holder.
func SessionStarted(token, url string) ServerMessage {
	return ServerMessage{Type: TypeSessionStart, Token: token, URL: url}
}

// SessionEnded builds the teardown notification frame.
func SessionEnded(reason string) ServerMessage {
	return ServerMessage{Type: TypeSessionEnd, Reason: reason}
}

// Error builds an error frame with a stable code and short human message.
func Error(code, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Code: code, Message: message}
}

// HeartbeatAck builds the heartbeat reply frame.
func HeartbeatAck() ServerMessage {
	return ServerMessage{Type: TypeHeartbeatAck}
}
