// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/demolab/sessionbroker/internal/log"
	"github.com/demolab/sessionbroker/internal/protocol"
	"github.com/demolab/sessionbroker/internal/ws"
)

// grafanaUserHeader tells the reverse proxy which identity to impersonate
// for the validated request.
const grafanaUserHeader = "X-Grafana-User"

// handleSessionValidate is the per-request auth check the reverse proxy runs
// for protected URLs. Pending tokens validate too: the cookie is issued
// moments before the spawn result is known.
func (s *Server) handleSessionValidate(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(ws.SessionCookie)
	if err != nil || c.Value == "" {
		writeError(w, http.StatusUnauthorized, protocol.CodeNoSessionCookie, "no session cookie")
		return
	}
	id, _, ok := s.reg.LookupToken(c.Value)
	if !ok {
		writeError(w, http.StatusUnauthorized, protocol.CodeSessionNotActive, "session not active")
		return
	}
	w.Header().Set(grafanaUserHeader, demoUser(id))
	w.WriteHeader(http.StatusOK)
}

func demoUser(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return "demo-" + id
}

type cookieRequest struct {
	Token string `json:"token"`
}

// handleSessionCookie binds a session token to the browser as the
// demo_session cookie. Only tokens known to the active or pending index are
// accepted.
func (s *Server) handleSessionCookie(w http.ResponseWriter, r *http.Request) {
	if !jsonContent(r) {
		writeError(w, http.StatusUnsupportedMediaType, protocol.CodeContentType, "expected application/json")
		return
	}
	var req cookieRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidInput, "malformed request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidInput, "token is required")
		return
	}
	if _, _, ok := s.reg.LookupToken(req.Token); !ok {
		writeError(w, http.StatusUnauthorized, protocol.CodeInvalidToken, "unknown session token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     ws.SessionCookie,
		Value:    req.Token,
		Path:     "/",
		MaxAge:   int(s.opts.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	s.logger.Info().Str(log.FieldRequestID, requestID(r)).Msg("session cookie issued")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     ws.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func jsonContent(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
