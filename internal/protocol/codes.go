// SPDX-License-Identifier: MIT

// Package protocol defines the broker's wire-level vocabulary: the stable
// error code strings shared by the websocket channel and the HTTP validator
// surface, and the JSON message frames exchanged with connected clients.
package protocol

// Stable machine-readable error codes. Clients and the reverse proxy match
// on these strings; never rename an existing code.
const (
	CodeInvalidConfig        = "ERR_INVALID_CONFIG"
	CodeInvalidInput         = "ERR_INVALID_INPUT"
	CodeInvalidMessageFormat = "ERR_INVALID_MESSAGE_FORMAT"
	CodeUnauthorized         = "ERR_UNAUTHORIZED"
	CodeNoSessionCookie      = "ERR_NO_SESSION_COOKIE"
	CodeInvalidToken         = "ERR_INVALID_TOKEN"
	CodeSessionNotActive     = "ERR_SESSION_NOT_ACTIVE"
	CodeInviteMissing        = "ERR_INVITE_MISSING"
	CodeInviteInvalid        = "ERR_INVITE_INVALID"
	CodeInviteNotFound       = "ERR_INVITE_NOT_FOUND"
	CodeInviteExpired        = "ERR_INVITE_EXPIRED"
	CodeInviteUsed           = "ERR_INVITE_USED"
	CodeInviteRevoked        = "ERR_INVITE_REVOKED"
	CodeRateLimited          = "ERR_RATE_LIMITED"
	CodeRateLimitedConn      = "ERR_RATE_LIMITED_CONNECTION"
	CodeRateLimitedInvite    = "ERR_RATE_LIMITED_INVITE"
	CodeQueueFull            = "ERR_QUEUE_FULL"
	CodeAlreadyInQueue       = "ERR_ALREADY_IN_QUEUE"
	CodeReconnectInProgress  = "ERR_RECONNECTION_IN_PROGRESS"
	CodeSessionNotFound      = "ERR_SESSION_NOT_FOUND"
	CodeSessionSpawnFailed   = "ERR_SESSION_SPAWN_FAILED"
	CodeSessionTimeout       = "ERR_SESSION_TIMEOUT"
	CodeOriginRequired       = "ERR_ORIGIN_REQUIRED"
	CodeOriginNotAllowed     = "ERR_ORIGIN_NOT_ALLOWED"
	CodeUnknownMessageType   = "ERR_UNKNOWN_MESSAGE_TYPE"
	CodeRedisError           = "ERR_REDIS_ERROR"
	CodeFileError            = "ERR_FILE_ERROR"
	CodeContentType          = "ERR_CONTENT_TYPE_ERROR"
	CodeInternal             = "ERR_INTERNAL"
)

// maxCloseReason is the websocket control-frame payload limit minus the
// 2-byte close code.
const maxCloseReason = 123

// CloseReason formats a policy-violation close reason as "CODE: message",
// truncated to fit in a websocket close frame.
func CloseReason(code, message string) string {
	reason := code
	if message != "" {
		reason = code + ": " + message
	}
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	return reason
}
