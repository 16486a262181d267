// SPDX-License-Identifier: MIT

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/demolab/sessionbroker/internal/log"
	"github.com/demolab/sessionbroker/internal/store"
)

const inviteAttemptsPrefix = "invite:attempts:"

// InviteLimiter counts failed invite redemptions per IP in the store, so a
// short broker restart does not reset an attacker's budget. Successful
// redemptions never clear the counter; discovering one valid token still
// consumes attempts.
type InviteLimiter struct {
	store  store.Store
	max    int
	window time.Duration
	logger zerolog.Logger
}

// NewInviteLimiter creates a limiter allowing max failed attempts per IP in
// each window.
func NewInviteLimiter(s store.Store, max int, window time.Duration) *InviteLimiter {
	return &InviteLimiter{
		store:  s,
		max:    max,
		window: window,
		logger: log.WithComponent("ratelimit"),
	}
}

// Precheck reports whether ip still has attempt budget. It fails closed: a
// store error denies the attempt.
func (l *InviteLimiter) Precheck(ctx context.Context, ip string) (Result, error) {
	key := inviteAttemptsPrefix + ip

	val, err := l.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Allowed: true, Remaining: l.max}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: precheck %s: %w", ip, err)
	}

	var count int
	if _, err := fmt.Sscanf(val, "%d", &count); err != nil {
		count = l.max // unparseable counter counts as exhausted
	}
	if count < l.max {
		return Result{Allowed: true, Remaining: l.max - count}, nil
	}

	retryAfter, err := l.store.TTL(ctx, key)
	if err != nil {
		retryAfter = l.window
	}
	return Result{RetryAfter: retryAfter}, nil
}

// RecordFailure charges one failed attempt to ip. The window TTL is armed
// when the counter is created.
func (l *InviteLimiter) RecordFailure(ctx context.Context, ip string) error {
	key := inviteAttemptsPrefix + ip

	n, err := l.store.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("ratelimit: record failure %s: %w", ip, err)
	}
	if n == 1 {
		if err := l.store.Expire(ctx, key, l.window); err != nil {
			return fmt.Errorf("ratelimit: arm window %s: %w", ip, err)
		}
	}
	l.logger.Debug().Str(log.FieldRemoteIP, ip).Int64("attempts", n).Msg("failed invite attempt recorded")
	return nil
}
