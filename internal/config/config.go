// SPDX-License-Identifier: MIT

// Package config loads and validates the broker configuration from the
// process environment. Configuration problems are startup-fatal; nothing in
// this package is consulted again after boot.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Environment modes.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Known platform names. The credential payloads are opaque to the core; the
// names gate enablement and the /platforms read endpoint.
var KnownPlatforms = []string{"confluence", "jira", "splunk"}

// Platform is one enabled SaaS target with its opaque credential set.
// Credentials are written verbatim into the per-session env file.
type Platform struct {
	Name        string
	Credentials map[string]string
}

// Configured reports whether every credential value is present.
func (p Platform) Configured() bool {
	if len(p.Credentials) == 0 {
		return false
	}
	for _, v := range p.Credentials {
		if v == "" {
			return false
		}
	}
	return true
}

// Config is the complete, validated broker configuration.
type Config struct {
	// Server
	Port           int
	StoreURL       string
	BaseURL        string
	Environment    string
	AllowedOrigins []string

	// Session
	SessionTimeout  time.Duration
	MaxQueueSize    int
	SessionSecret   string
	SessionEnvDir   string
	CookieSecure    bool
	DisconnectGrace time.Duration
	AvgSessionTime  time.Duration

	// Rate limits
	ConnRateWindow   time.Duration
	ConnRateMax      int
	InviteRateWindow time.Duration
	InviteRateMax    int

	// Auth for the assistant child (either token suffices)
	ClaudeOAuthToken string
	AnthropicAPIKey  string

	// Child process
	ContainerImage string

	// Platforms and scenarios
	Platforms     []Platform
	ScenariosPath string

	LogLevel string
}

// Load reads the configuration from the process environment. A set but
// unparseable value is a load error, not a silent default. The result is
// not yet validated; call Validate before use.
func Load() (Config, error) {
	p := &parser{}
	cfg := Config{
		Port:           p.Int("PORT", 8080),
		StoreURL:       ParseString("STORE_URL", "redis://localhost:6379"),
		BaseURL:        ParseString("BASE_URL", "http://localhost:8080"),
		Environment:    ParseString("ENVIRONMENT", EnvDevelopment),
		AllowedOrigins: ParseList("ALLOWED_ORIGINS", []string{"http://localhost:8080"}),

		SessionTimeout:  time.Duration(p.Int("SESSION_TIMEOUT_MINUTES", 60)) * time.Minute,
		MaxQueueSize:    p.Int("MAX_QUEUE_SIZE", 10),
		SessionSecret:   ParseString("SESSION_SECRET", ""),
		SessionEnvDir:   ParseString("SESSION_ENV_DIR", "/var/run/sessionbroker/env"),
		CookieSecure:    p.Bool("COOKIE_SECURE", true),
		DisconnectGrace: p.Millis("DISCONNECT_GRACE_MS", 10*time.Second),
		AvgSessionTime:  time.Duration(p.Int("AVERAGE_SESSION_MINUTES", 15)) * time.Minute,

		ConnRateWindow:   p.Millis("CONNECTION_RATE_LIMIT_WINDOW_MS", time.Minute),
		ConnRateMax:      p.Int("CONNECTION_RATE_LIMIT_MAX", 30),
		InviteRateWindow: p.Millis("INVITE_RATE_LIMIT_WINDOW_MS", time.Minute),
		InviteRateMax:    p.Int("INVITE_RATE_LIMIT_MAX_ATTEMPTS", 5),

		ClaudeOAuthToken: ParseString("CLAUDE_CODE_OAUTH_TOKEN", ""),
		AnthropicAPIKey:  ParseString("ANTHROPIC_API_KEY", ""),

		ContainerImage: ParseString("CONTAINER_IMAGE", "demo-assistant:latest"),
		ScenariosPath:  ParseString("SCENARIOS_PATH", "./scenarios.yaml"),

		LogLevel: ParseString("LOG_LEVEL", "info"),
	}

	for _, name := range ParseList("ENABLED_PLATFORMS", nil) {
		name = strings.ToLower(name)
		prefix := strings.ToUpper(name)
		cfg.Platforms = append(cfg.Platforms, Platform{
			Name: name,
			Credentials: map[string]string{
				prefix + "_URL":   ParseString(prefix+"_URL", ""),
				prefix + "_USER":  ParseString(prefix+"_USER", ""),
				prefix + "_TOKEN": ParseString(prefix+"_TOKEN", ""),
			},
		})
	}

	if err := p.Err(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration invariants from the deployment contract.
// Any error is fatal at startup.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if err := validateURL("STORE_URL", c.StoreURL, "redis", "badger"); err != nil {
		return err
	}
	if err := validateURL("BASE_URL", c.BaseURL, "http", "https"); err != nil {
		return err
	}
	switch c.Environment {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("invalid ENVIRONMENT %q (want development, production or test)", c.Environment)
	}
	if min, max := time.Minute, 1440*time.Minute; c.SessionTimeout < min || c.SessionTimeout > max {
		return fmt.Errorf("SESSION_TIMEOUT_MINUTES out of range 1..1440: %v", c.SessionTimeout)
	}
	if c.MaxQueueSize < 1 || c.MaxQueueSize > 100 {
		return fmt.Errorf("MAX_QUEUE_SIZE out of range 1..100: %d", c.MaxQueueSize)
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET must not be empty")
	}
	if c.SessionEnvDir == "" {
		return fmt.Errorf("SESSION_ENV_DIR must not be empty")
	}
	if c.DisconnectGrace <= 0 {
		return fmt.Errorf("DISCONNECT_GRACE_MS must be positive")
	}
	if c.ConnRateWindow <= 0 || c.ConnRateMax < 1 {
		return fmt.Errorf("invalid connection rate limit (window %v, max %d)", c.ConnRateWindow, c.ConnRateMax)
	}
	if c.InviteRateWindow <= 0 || c.InviteRateMax < 1 {
		return fmt.Errorf("invalid invite rate limit (window %v, max %d)", c.InviteRateWindow, c.InviteRateMax)
	}
	if c.ClaudeOAuthToken == "" && c.AnthropicAPIKey == "" {
		return fmt.Errorf("either CLAUDE_CODE_OAUTH_TOKEN or ANTHROPIC_API_KEY is required")
	}
	if c.ContainerImage == "" {
		return fmt.Errorf("CONTAINER_IMAGE must not be empty")
	}
	if len(c.ValidPlatforms()) == 0 {
		return fmt.Errorf("no enabled platform has complete credentials (ENABLED_PLATFORMS=%s)", c.platformNames())
	}
	for _, p := range c.Platforms {
		if !isKnownPlatform(p.Name) {
			return fmt.Errorf("unknown platform %q (known: %s)", p.Name, strings.Join(KnownPlatforms, ", "))
		}
	}
	return nil
}

// ValidPlatforms returns the enabled platforms with complete credentials.
func (c Config) ValidPlatforms() []Platform {
	var out []Platform
	for _, p := range c.Platforms {
		if p.Configured() {
			out = append(out, p)
		}
	}
	return out
}

// IsDevelopment reports whether the broker runs in development mode.
func (c Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c Config) platformNames() string {
	names := make([]string, 0, len(c.Platforms))
	for _, p := range c.Platforms {
		names = append(names, p.Name)
	}
	return strings.Join(names, ",")
}

func isKnownPlatform(name string) bool {
	for _, k := range KnownPlatforms {
		if k == name {
			return true
		}
	}
	return false
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed %s %q: %w", key, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s %q: unsupported scheme %q (want %s)", key, raw, u.Scheme, strings.Join(schemes, " or "))
}
