// SPDX-License-Identifier: MIT

// The broker daemon: loads configuration from the environment, wires the
// queue, session, and HTTP components, and serves until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/demolab/sessionbroker/internal/config"
	"github.com/demolab/sessionbroker/internal/daemon"
	"github.com/demolab/sessionbroker/internal/log"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// maskURL strips user info from a URL string for safe logging.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url-redacted"
	}
	u.User = nil
	return u.String()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until config is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: "sessionbroker",
		Version: version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.invalid").
			Msg("configuration rejected")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.invalid").
			Msg("configuration rejected")
	}

	log.SetLevel(cfg.LogLevel)

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Int("port", cfg.Port).
		Msg("starting sessionbroker")
	logger.Info().Msgf("→ Store: %s", maskURL(cfg.StoreURL))
	logger.Info().Msgf("→ Base URL: %s", cfg.BaseURL)
	logger.Info().Msgf("→ Environment: %s", cfg.Environment)
	logger.Info().Msgf("→ Queue capacity: %d", cfg.MaxQueueSize)
	logger.Info().Msgf("→ Session timeout: %s (grace %s)", cfg.SessionTimeout, cfg.DisconnectGrace)
	logger.Info().Msgf("→ Container image: %s", cfg.ContainerImage)
	for _, p := range cfg.ValidPlatforms() {
		logger.Info().Msgf("→ Platform: %s", p.Name)
	}

	app, err := daemon.New(cfg, nil)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.wiring_failed").
			Msg("failed to assemble broker")
	}

	if err := app.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "runtime.failed").
			Msg("broker exited with error")
	}
	logger.Info().Str("event", "shutdown").Msg("sessionbroker stopped")
}
