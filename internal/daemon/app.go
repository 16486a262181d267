// SPDX-License-Identifier: MIT

// Package daemon assembles the broker from its parts and owns the process
// lifecycle: startup wiring, the HTTP listener, background workers, and
// orderly shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/demolab/sessionbroker/internal/api"
	"github.com/demolab/sessionbroker/internal/config"
	"github.com/demolab/sessionbroker/internal/hooks"
	"github.com/demolab/sessionbroker/internal/invite"
	"github.com/demolab/sessionbroker/internal/log"
	"github.com/demolab/sessionbroker/internal/platform"
	"github.com/demolab/sessionbroker/internal/queue"
	"github.com/demolab/sessionbroker/internal/ratelimit"
	"github.com/demolab/sessionbroker/internal/registry"
	"github.com/demolab/sessionbroker/internal/session"
	"github.com/demolab/sessionbroker/internal/spawn"
	"github.com/demolab/sessionbroker/internal/store"
	"github.com/demolab/sessionbroker/internal/ws"
)

const shutdownTimeout = 15 * time.Second

// App is the wired broker.
type App struct {
	cfg     config.Config
	st      store.Store
	reg     *registry.Registry
	bus     *hooks.Bus
	mgr     *session.Manager
	catalog *platform.Catalog
	connLim *ratelimit.ConnectionLimiter
	httpSrv *http.Server
	logger  zerolog.Logger
}

// New wires every component from a validated configuration. The runner may
// be nil, in which case the configured container image is used; tests pass a
// stub.
func New(cfg config.Config, runner spawn.Runner) (*App, error) {
	st, err := store.Open(cfg.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}
	if runner == nil {
		runner = spawn.NewDockerRunner(cfg.ContainerImage)
	}

	reg := registry.New(cfg.MaxQueueSize)
	bus := hooks.NewBus()
	hub := ws.NewHub()

	invites := invite.NewService(st,
		ratelimit.NewInviteLimiter(st, cfg.InviteRateMax, cfg.InviteRateWindow))

	mgr := session.NewManager(reg, bus, runner, hub, session.Options{
		Timeout:     cfg.SessionTimeout,
		Grace:       cfg.DisconnectGrace,
		EnvDir:      cfg.SessionEnvDir,
		SessionURL:  cfg.BaseURL + "/terminal",
		Credentials: childCredentials(cfg),
	})
	ctrl := queue.NewController(reg, invites, mgr, bus, hub, cfg.AvgSessionTime)

	enabled := make([]string, 0, len(cfg.ValidPlatforms()))
	for _, p := range cfg.ValidPlatforms() {
		enabled = append(enabled, p.Name)
	}
	catalog := platform.NewCatalog(cfg.ScenariosPath, enabled)
	if err := catalog.Load(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("daemon: load scenarios: %w", err)
	}

	connLim := ratelimit.NewConnectionLimiter(cfg.ConnRateMax, cfg.ConnRateWindow)
	wsHandler := ws.NewHandler(hub, reg, ctrl, mgr, connLim, ws.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Development:    cfg.IsDevelopment(),
		Platforms:      enabled,
	})
	apiSrv := api.NewServer(reg, invites, catalog, st, wsHandler, api.Options{
		CookieSecure: cfg.CookieSecure,
		SessionTTL:   cfg.SessionTimeout,
	})

	return &App{
		cfg:     cfg,
		st:      st,
		reg:     reg,
		bus:     bus,
		mgr:     mgr,
		catalog: catalog,
		connLim: connLim,
		httpSrv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           apiSrv.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log.WithComponent("daemon"),
	}, nil
}

// Hooks exposes the event bus so embedders can register lifecycle hooks
// before Run.
func (a *App) Hooks() *hooks.Bus { return a.bus }

// Run serves until ctx is cancelled, then shuts down in order: stop
// accepting HTTP, end the active session, close the store.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().Str("addr", a.httpSrv.Addr).Msg("http server listening")
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon: http server: %w", err)
		}
		return nil
	})

	// Scenario hot-reload is best-effort; a broken watcher only freezes the
	// catalog.
	g.Go(func() error {
		if err := a.catalog.Watch(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("scenario watcher stopped")
		}
		return nil
	})

	g.Go(func() error {
		a.connLim.RunSweeper(ctx, a.cfg.ConnRateWindow)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.shutdown()
		return nil
	})

	return g.Wait()
}

func (a *App) shutdown() {
	a.logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("http shutdown incomplete, closing")
		_ = a.httpSrv.Close()
	}

	// End the active session so the child container does not outlive the
	// broker.
	a.mgr.End(shutdownCtx, session.ReasonShutdown)

	if err := a.st.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("store close failed")
	}
	a.logger.Info().Msg("shutdown complete")
}

// childCredentials assembles the environment handed to the session child:
// the assistant auth token plus every configured platform's credentials.
func childCredentials(cfg config.Config) map[string]string {
	creds := make(map[string]string)
	if cfg.ClaudeOAuthToken != "" {
		creds["CLAUDE_CODE_OAUTH_TOKEN"] = cfg.ClaudeOAuthToken
	}
	if cfg.AnthropicAPIKey != "" {
		creds["ANTHROPIC_API_KEY"] = cfg.AnthropicAPIKey
	}
	for _, p := range cfg.ValidPlatforms() {
		for k, v := range p.Credentials {
			if v != "" {
				creds[k] = v
			}
		}
	}
	return creds
}
