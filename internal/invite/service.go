// SPDX-License-Identifier: MIT

package invite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/demolab/sessionbroker/internal/log"
	"github.com/demolab/sessionbroker/internal/ratelimit"
	"github.com/demolab/sessionbroker/internal/store"
)

// ErrStoreUnavailable marks refusals caused by the store rather than the
// invite itself; callers translate it to ERR_REDIS_ERROR and fail closed.
var ErrStoreUnavailable = errors.New("invite: store unavailable")

// Result is the outcome of a validation or redemption.
type Result struct {
	Valid      bool
	Reason     Reason
	RetryAfter time.Duration
	Record     *Record
}

// Service owns invite records and the redemption rules.
type Service struct {
	store   store.Store
	limiter *ratelimit.InviteLimiter
	logger  zerolog.Logger

	now func() time.Time // test hook
}

// NewService wires the invite service to its store and the invite limiter.
func NewService(s store.Store, limiter *ratelimit.InviteLimiter) *Service {
	return &Service{
		store:   s,
		limiter: limiter,
		logger:  log.WithComponent("invite"),
		now:     time.Now,
	}
}

// Create mints a new invite and persists it. The record's store TTL extends
// past expiry so revoked and exhausted invites remain inspectable.
func (s *Service) Create(ctx context.Context, label string, expiresAt time.Time, maxUsages int, createdBy string) (*Record, error) {
	if maxUsages < 1 {
		return nil, fmt.Errorf("invite: maxUsages must be >= 1, got %d", maxUsages)
	}
	if !expiresAt.After(s.now()) {
		return nil, fmt.Errorf("invite: expiry %s is in the past", expiresAt.Format(time.RFC3339))
	}
	token, err := NewToken()
	if err != nil {
		return nil, fmt.Errorf("invite: generate token: %w", err)
	}
	rec := &Record{
		Token:     token,
		Label:     label,
		CreatedAt: s.now().UTC(),
		ExpiresAt: expiresAt.UTC(),
		MaxUsages: maxUsages,
		CreatedBy: createdBy,
	}
	if err := s.put(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.indexAdd(ctx, token); err != nil {
		return nil, err
	}
	s.logger.Info().Str("label", label).Int("max_usages", maxUsages).
		Time("expires_at", rec.ExpiresAt).Msg("invite created")
	return rec, nil
}

// Revoke marks the invite unusable while preserving the record for audit.
func (s *Service) Revoke(ctx context.Context, token string) error {
	rec, err := s.fetch(ctx, token)
	if err != nil {
		return err
	}
	rec.Revoked = true
	if err := s.put(ctx, rec); err != nil {
		return err
	}
	s.logger.Info().Str("label", rec.Label).Msg("invite revoked")
	return nil
}

// List returns every invite the index knows about, newest first.
func (s *Service) List(ctx context.Context) ([]Record, error) {
	tokens, err := s.indexTokens(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(tokens))
	for i := len(tokens) - 1; i >= 0; i-- {
		rec, err := s.fetch(ctx, tokens[i])
		if errors.Is(err, store.ErrNotFound) {
			continue // collected by TTL
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Check validates token for ip without consuming a usage. The validation
// order is fixed: rate limit, shape, existence, revocation, expiry, budget.
// First failure wins; every failure is charged to ip's attempt counter.
func (s *Service) Check(ctx context.Context, token, ip string) (Result, error) {
	return s.validate(ctx, token, ip, false)
}

// Redeem validates token for ip and, on success, consumes one usage.
func (s *Service) Redeem(ctx context.Context, token, ip string) (Result, error) {
	return s.validate(ctx, token, ip, true)
}

func (s *Service) validate(ctx context.Context, token, ip string, consume bool) (Result, error) {
	pre, err := s.limiter.Precheck(ctx, ip)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	refuse := func(reason Reason) (Result, error) {
		if err := s.limiter.RecordFailure(ctx, ip); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldRemoteIP, ip).Msg("failed to record invite attempt")
		}
		return Result{Reason: reason}, nil
	}

	if !pre.Allowed {
		// Still counted: the window was armed on the first failure, so
		// extra increments track volume without extending the penalty.
		res, _ := refuse(ReasonRateLimited)
		res.RetryAfter = pre.RetryAfter
		return res, nil
	}

	if token == "" {
		return refuse(ReasonMissing)
	}
	if !wellFormed(token) {
		return refuse(ReasonInvalid)
	}

	rec, err := s.fetch(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return refuse(ReasonNotFound)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	switch {
	case rec.Revoked:
		return refuse(ReasonRevoked)
	case rec.Expired(s.now()):
		return refuse(ReasonExpired)
	case rec.Exhausted():
		return refuse(ReasonUsed)
	}

	if consume {
		// Read-modify-write; concurrent redemptions of the same invite may
		// overshoot max_usages by one, which the contract accepts.
		rec.UsageCount++
		if err := s.put(ctx, rec); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		s.logger.Info().Str("label", rec.Label).
			Int("usage", rec.UsageCount).Int("max_usages", rec.MaxUsages).
			Msg("invite redeemed")
	}
	return Result{Valid: true, Record: rec}, nil
}

func (s *Service) fetch(ctx context.Context, token string) (*Record, error) {
	raw, err := s.store.Get(ctx, recordKey(token))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("invite: corrupt record: %w", err)
	}
	return &rec, nil
}

func (s *Service) put(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("invite: marshal record: %w", err)
	}
	ttl := time.Until(rec.ExpiresAt) + auditGrace
	return s.store.Set(ctx, recordKey(rec.Token), string(raw), ttl)
}

func (s *Service) indexTokens(ctx context.Context) ([]string, error) {
	raw, err := s.store.Get(ctx, indexKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tokens []string
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return nil, fmt.Errorf("invite: corrupt index: %w", err)
	}
	return tokens, nil
}

// indexAdd appends token to the admin listing index. The index is only read
// by the out-of-band admin tool; single-writer discipline there makes the
// read-modify-write safe enough.
func (s *Service) indexAdd(ctx context.Context, token string) error {
	tokens, err := s.indexTokens(ctx)
	if err != nil {
		return err
	}
	tokens = append(tokens, token)
	raw, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, indexKey, string(raw), 0)
}
