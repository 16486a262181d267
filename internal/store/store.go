// SPDX-License-Identifier: MIT

// Package store wraps the broker's key-value backend behind the narrow set
// of operations the core needs. Keys are ASCII and colon-namespaced
// ("invite:<token>", "invite:attempts:<ip>"); values are opaque strings the
// store never parses. All persistent broker state lives behind this package.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("store: key not found")

// Store is the abstract KV contract. Every operation other than Ping must
// surface failures to the caller; silent success is never acceptable.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes value at key. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error
	// Incr atomically increments the integer at key and returns the new count.
	// An absent key counts from zero.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets the remaining TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining lifetime of key, or zero when none is set.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Ping reports backend liveness.
	Ping(ctx context.Context) error
	// Close releases the backend connection.
	Close() error
}

// Open dispatches on the STORE_URL scheme: "redis://" connects to a Redis
// server, "badger://" opens an embedded on-disk store for single-binary
// deployments without Redis.
func Open(storeURL string) (Store, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, fmt.Errorf("store: malformed url %q: %w", storeURL, err)
	}
	switch u.Scheme {
	case "redis":
		return OpenRedis(storeURL)
	case "badger":
		return OpenBadger(u.Path)
	default:
		return nil, fmt.Errorf("store: unsupported scheme %q", u.Scheme)
	}
}
