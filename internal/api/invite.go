// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/demolab/sessionbroker/internal/invite"
	"github.com/demolab/sessionbroker/internal/log"
	"github.com/demolab/sessionbroker/internal/protocol"
)

// inviteTokenHeader is how the reverse proxy forwards the invite token for
// out-of-band validation.
const inviteTokenHeader = "X-Invite-Token"

// handleInviteValidate checks an invite without consuming a usage, so a
// front-end can pre-validate the token before opening the channel. Failed
// checks still count against the caller's attempt budget.
func (s *Server) handleInviteValidate(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(inviteTokenHeader)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	ip := clientIP(r)

	res, err := s.invites.Check(r.Context(), token, ip)
	if err != nil {
		if errors.Is(err, invite.ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, protocol.CodeRedisError, "invite validation unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "invite validation failed")
		return
	}
	if res.Valid {
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "label": res.Record.Label})
		return
	}

	code := invite.CodeForReason(res.Reason)
	status := statusForReason(res.Reason)
	s.logger.Info().
		Str(log.FieldRemoteIP, ip).
		Str(log.FieldReason, string(res.Reason)).
		Msg("invite validation refused")
	if res.Reason == invite.ReasonRateLimited {
		retry := int(res.RetryAfter.Round(time.Second) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeErrorDetails(w, status, code, "invite refused: "+string(res.Reason),
			map[string]int{"retryAfterSeconds": retry})
		return
	}
	writeError(w, status, code, "invite refused: "+string(res.Reason))
}

// clientIP trusts middleware.RealIP to have resolved the forwarded-for
// chain into RemoteAddr; only the optional port remains to strip.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func statusForReason(r invite.Reason) int {
	switch r {
	case invite.ReasonMissing, invite.ReasonInvalid:
		return http.StatusBadRequest
	case invite.ReasonNotFound:
		return http.StatusNotFound
	case invite.ReasonExpired, invite.ReasonUsed, invite.ReasonRevoked:
		return http.StatusUnauthorized
	case invite.ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
