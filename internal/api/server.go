// SPDX-License-Identifier: MIT

// Package api is the HTTP surface next to the websocket channel: the
// out-of-band validator endpoints consulted by the reverse proxy, the
// cookie issuer, and the public read endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/demolab/sessionbroker/internal/invite"
	"github.com/demolab/sessionbroker/internal/log"
	"github.com/demolab/sessionbroker/internal/platform"
	"github.com/demolab/sessionbroker/internal/registry"
	"github.com/demolab/sessionbroker/internal/store"
)

// Options carries the request-independent knobs of the HTTP surface.
type Options struct {
	CookieSecure bool
	SessionTTL   time.Duration
}

// Server assembles the HTTP handlers around the shared broker state.
type Server struct {
	reg     *registry.Registry
	invites *invite.Service
	catalog *platform.Catalog
	st      store.Store
	ws      http.Handler
	opts    Options
	logger  zerolog.Logger
}

// NewServer wires the HTTP surface. ws is mounted at /ws and may be nil in
// tests that only exercise the REST endpoints.
func NewServer(reg *registry.Registry, invites *invite.Service, catalog *platform.Catalog, st store.Store, ws http.Handler, opts Options) *Server {
	return &Server{
		reg:     reg,
		invites: invites,
		catalog: catalog,
		st:      st,
		ws:      ws,
		opts:    opts,
		logger:  log.WithComponent("api"),
	}
}

// Routes builds the router. The validator endpoints are called by the
// reverse proxy on every protected request and stay middleware-light; the
// public read endpoints get a per-IP request cap.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/session/validate", s.handleSessionValidate)
	r.Post("/session/cookie", s.handleSessionCookie)
	r.Post("/session/logout", s.handleSessionLogout)
	r.Get("/invite/validate", s.handleInviteValidate)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(60, time.Minute))
		r.Get("/health", s.handleHealth)
		r.Get("/health/live", s.handleHealthLive)
		r.Get("/health/ready", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/platforms", s.handlePlatforms)
	})

	if s.ws != nil {
		r.Get("/ws", s.ws.ServeHTTP)
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := log.ContextWithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		logger := log.WithContext(ctx, s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
