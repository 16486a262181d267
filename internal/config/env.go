// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/demolab/sessionbroker/internal/log"
)

// ParseString reads a string from environment variable or returns default value.
// It logs the source (environment or default) for observability.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("config")
	if value, exists := os.LookupEnv(key); exists {
		lowerKey := strings.ToLower(key)
		switch {
		case strings.Contains(lowerKey, "token") || strings.Contains(lowerKey, "secret") || strings.Contains(lowerKey, "password") || strings.Contains(lowerKey, "key"):
			// For sensitive vars, just log that it was set
			logger.Debug().
				Str("key", key).
				Str("source", "environment").
				Bool("sensitive", true).
				Msg("using environment variable")
		case value == "":
			logger.Debug().
				Str("key", key).
				Str("default", defaultValue).
				Str("source", "default").
				Msg("using default value (environment variable is empty)")
			return defaultValue
		default:
			logger.Debug().
				Str("key", key).
				Str("value", value).
				Str("source", "environment").
				Msg("using environment variable")
		}
		return value
	}
	logger.Debug().
		Str("key", key).
		Str("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// parser reads typed environment values and accumulates parse failures, so
// Load can report every bad variable at once. An unset or empty variable
// yields the default; a set-but-unparseable one is a load error.
type parser struct {
	errs []error
}

// Err returns all accumulated parse failures, or nil.
func (p *parser) Err() error {
	return errors.Join(p.errs...)
}

// Int reads an integer environment variable.
func (p *parser) Int(key string, defaultValue int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return defaultValue
	}
	logger := log.WithComponent("config")
	logger.Debug().
		Str("key", key).
		Int("value", i).
		Str("source", "environment").
		Msg("using environment variable")
	return i
}

// Bool reads a boolean environment variable. It accepts "true", "false",
// "1", "0", "yes", "no" (case-insensitive).
func (p *parser) Bool(key string, defaultValue bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return defaultValue
	}
}

// Millis reads a duration expressed as integer milliseconds.
func (p *parser) Millis(key string, defaultValue time.Duration) time.Duration {
	ms := p.Int(key, int(defaultValue/time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

// ParseList reads a comma-separated list, trimming whitespace and dropping
// empty elements. Returns the default when the variable is unset.
func ParseList(key string, defaultValue []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
