// SPDX-License-Identifier: MIT

// Package invite implements single-use (or bounded-use) invite credentials:
// creation, listing, revocation, and redemption with brute-force protection.
// Records persist in the store under "invite:<token>" and survive broker
// restarts.
package invite

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/demolab/sessionbroker/internal/protocol"
)

const (
	keyPrefix = "invite:"
	indexKey  = "invite:index"

	// tokenBytes yields 256 bits of entropy, comfortably above the 128-bit
	// floor the credential contract requires.
	tokenBytes = 32

	// auditGrace keeps dead records around for inspection before the store
	// collects them.
	auditGrace = 24 * time.Hour
)

// Record is the persisted invite state. The store treats it as an opaque
// JSON string.
type Record struct {
	Token      string    `json:"token"`
	Label      string    `json:"label"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	UsageCount int       `json:"usageCount"`
	MaxUsages  int       `json:"maxUsages"`
	Revoked    bool      `json:"revoked"`
	CreatedBy  string    `json:"createdBy,omitempty"`
}

// Exhausted reports whether the invite has no redemptions left.
func (r Record) Exhausted() bool {
	return r.UsageCount >= r.MaxUsages
}

// Expired reports whether the invite's lifetime has passed at now.
func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Reason classifies why a redemption was refused.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonMissing     Reason = "missing"
	ReasonInvalid     Reason = "invalid"
	ReasonNotFound    Reason = "not_found"
	ReasonExpired     Reason = "expired"
	ReasonUsed        Reason = "used"
	ReasonRevoked     Reason = "revoked"
	ReasonRateLimited Reason = "rate_limited"
)

// CodeForReason maps a refusal reason to its stable wire error code.
func CodeForReason(r Reason) string {
	switch r {
	case ReasonMissing:
		return protocol.CodeInviteMissing
	case ReasonInvalid:
		return protocol.CodeInviteInvalid
	case ReasonNotFound:
		return protocol.CodeInviteNotFound
	case ReasonExpired:
		return protocol.CodeInviteExpired
	case ReasonUsed:
		return protocol.CodeInviteUsed
	case ReasonRevoked:
		return protocol.CodeInviteRevoked
	case ReasonRateLimited:
		return protocol.CodeRateLimitedInvite
	default:
		return protocol.CodeInternal
	}
}

// NewToken returns a fresh URL-safe invite token from a cryptographically
// secure source.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// wellFormed rejects tokens that cannot possibly be ours before any store
// round trip.
func wellFormed(token string) bool {
	if len(token) < 16 || len(token) > 128 {
		return false
	}
	for _, c := range token {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

func recordKey(token string) string {
	return keyPrefix + token
}
