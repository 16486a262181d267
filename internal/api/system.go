// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/demolab/sessionbroker/internal/protocol"
)

// handleHealth reports overall readiness: the broker is only useful if the
// invite store answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.st.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("store ping failed")
		writeError(w, http.StatusServiceUnavailable, protocol.CodeRedisError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus is the public queue snapshot shown on the landing page. No
// client or session identifiers leak here.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	_, active := s.reg.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"queueSize":     s.reg.QueueLen(),
		"queueCapacity": s.reg.Capacity(),
		"sessionActive": active,
	})
}

func (s *Server) handlePlatforms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"platforms": s.catalog.Platforms()})
}
