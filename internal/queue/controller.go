// SPDX-License-Identifier: MIT

// Package queue implements the waiting-queue controller: join and leave with
// invite redemption, position broadcasts, and the promotion loop that feeds
// the session manager whenever the slot is free.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/demolab/sessionbroker/internal/hooks"
	"github.com/demolab/sessionbroker/internal/invite"
	"github.com/demolab/sessionbroker/internal/log"
	"github.com/demolab/sessionbroker/internal/protocol"
	"github.com/demolab/sessionbroker/internal/registry"
	"github.com/demolab/sessionbroker/internal/session"
)

// JoinError carries the stable code for a refused join.
type JoinError struct {
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *JoinError) Error() string { return e.Code + ": " + e.Message }

// Controller serializes queue membership changes and drives promotion.
type Controller struct {
	reg      *registry.Registry
	invites  *invite.Service
	manager  *session.Manager
	bus      *hooks.Bus
	notifier session.Notifier
	avgWait  time.Duration
	logger   zerolog.Logger
}

// NewController wires the controller and registers it for slot-idle
// re-entry.
func NewController(reg *registry.Registry, invites *invite.Service, mgr *session.Manager, bus *hooks.Bus, notifier session.Notifier, avgWait time.Duration) *Controller {
	c := &Controller{
		reg:      reg,
		invites:  invites,
		manager:  mgr,
		bus:      bus,
		notifier: notifier,
		avgWait:  avgWait,
		logger:   log.WithComponent("queue"),
	}
	mgr.OnIdle(c.Promote)
	return c
}

// Join admits a client into the queue after invite redemption. Capacity and
// duplicate checks run before redemption so a refused join never consumes an
// invite usage.
func (c *Controller) Join(ctx context.Context, clientID, inviteToken, ip string) error {
	client, ok := c.reg.Client(clientID)
	if !ok {
		return &JoinError{Code: protocol.CodeInternal, Message: "unknown client"}
	}
	switch client.State {
	case registry.StateQueued:
		return &JoinError{Code: protocol.CodeAlreadyInQueue, Message: "already waiting in queue"}
	case registry.StateActive:
		return &JoinError{Code: protocol.CodeAlreadyInQueue, Message: "session already active"}
	}
	if c.reg.QueueLen() >= c.reg.Capacity() {
		return &JoinError{Code: protocol.CodeQueueFull, Message: "queue is full, try again later"}
	}

	res, err := c.invites.Redeem(ctx, inviteToken, ip)
	if err != nil {
		if errors.Is(err, invite.ErrStoreUnavailable) {
			return &JoinError{Code: protocol.CodeRedisError, Message: "invite validation unavailable"}
		}
		return &JoinError{Code: protocol.CodeInternal, Message: "invite validation failed"}
	}
	if !res.Valid {
		return &JoinError{
			Code:       invite.CodeForReason(res.Reason),
			Message:    "invite refused: " + string(res.Reason),
			RetryAfter: res.RetryAfter,
		}
	}

	c.reg.SetInviteToken(clientID, inviteToken)
	if err := c.reg.Enqueue(clientID); err != nil {
		switch {
		case errors.Is(err, registry.ErrQueueFull):
			return &JoinError{Code: protocol.CodeQueueFull, Message: "queue is full, try again later"}
		case errors.Is(err, registry.ErrAlreadyQueued), errors.Is(err, registry.ErrHoldingSession):
			return &JoinError{Code: protocol.CodeAlreadyInQueue, Message: "already waiting in queue"}
		default:
			return &JoinError{Code: protocol.CodeInternal, Message: "could not join queue"}
		}
	}

	c.logger.Info().
		Str(log.FieldClientID, clientID).
		Int(log.FieldQueueSize, c.reg.QueueLen()).
		Msg("client joined queue")
	c.bus.Emit(ctx, hooks.QueueJoined, hooks.Payload{ClientID: clientID})
	c.Broadcast()
	c.Promote()
	return nil
}

// Leave removes the client from the queue, if present.
func (c *Controller) Leave(ctx context.Context, clientID string) {
	if !c.reg.RemoveFromQueue(clientID) {
		return
	}
	c.logger.Info().
		Str(log.FieldClientID, clientID).
		Int(log.FieldQueueSize, c.reg.QueueLen()).
		Msg("client left queue")
	c.bus.Emit(ctx, hooks.QueueLeft, hooks.Payload{ClientID: clientID})
	c.Broadcast()
}

// Broadcast sends every queued client its 1-based position and estimated
// wait. Per-peer ordering is preserved by the notifier; cross-peer ordering
// is not coordinated.
func (c *Controller) Broadcast() {
	ids := c.reg.QueueSnapshot()
	size := len(ids)
	for i, id := range ids {
		pos := i + 1
		wait := int(time.Duration(pos) * c.avgWait / time.Minute)
		c.notifier.Send(id, protocol.QueueUpdate(pos, size, wait))
	}
}

// Promote pops queue heads into the session manager until the slot is taken
// or the queue drains. A client whose spawn fails is notified and reverted
// to connected, not re-queued; the loop then tries the next head.
func (c *Controller) Promote() {
	for {
		if _, busy := c.reg.Active(); busy {
			return
		}
		if c.manager.Phase() != session.PhaseIdle {
			return
		}
		clientID, ok := c.reg.PopHead()
		if !ok {
			return
		}
		_ = c.reg.SetClientState(clientID, registry.StateConnected)
		// Waiters learn their new position before the promoted client's
		// session_started goes out.
		c.Broadcast()

		err := c.manager.Promote(context.Background(), clientID)
		if err == nil {
			return
		}
		if errors.Is(err, session.ErrSlotBusy) {
			// Lost the slot race; the client keeps its turn.
			c.reg.PushFront(clientID)
			c.Broadcast()
			return
		}
		c.logger.Warn().Err(err).
			Str(log.FieldClientID, clientID).
			Msg("promotion failed, trying next head")
		c.notifier.Send(clientID, protocol.Error(protocol.CodeSessionSpawnFailed, "session could not be started"))
	}
}
