// SPDX-License-Identifier: MIT

// Package hooks is the broker's typed lifecycle publish/subscribe surface.
// Handlers run synchronously in descending priority order; a failing handler
// is captured and never aborts the lifecycle that emitted it.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/demolab/sessionbroker/internal/log"
)

// Event names a lifecycle moment.
type Event string

const (
	BeforeSessionStart Event = "before-session-start"
	AfterSessionStart  Event = "after-session-start"
	BeforeSessionEnd   Event = "before-session-end"
	AfterSessionEnd    Event = "after-session-end"
	QueueJoined        Event = "queue-joined"
	QueueLeft          Event = "queue-left"
)

// Payload carries the context of the emitting lifecycle step. Fields are
// populated per event; absent ones are zero.
type Payload struct {
	SessionID string
	ClientID  string
	Reason    string
}

// Handler reacts to one event occurrence.
type Handler func(ctx context.Context, p Payload) error

type subscription struct {
	name     string
	priority int
	fn       Handler
}

// Bus dispatches events to subscribed handlers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Event][]subscription
	logger zerolog.Logger
}

// NewBus creates an empty hook bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[Event][]subscription),
		logger: log.WithComponent("hooks"),
	}
}

// Subscribe registers fn for event. Higher priority runs earlier; handlers
// with equal priority run in registration order. The name only appears in
// logs and captured errors.
func (b *Bus) Subscribe(event Event, name string, priority int, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := append(b.subs[event], subscription{name: name, priority: priority, fn: fn})
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].priority > subs[j].priority })
	b.subs[event] = subs
}

// Emit runs every handler for event sequentially and returns the captured
// handler errors. Emit itself never fails.
func (b *Bus) Emit(ctx context.Context, event Event, p Payload) []error {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[event]))
	copy(subs, b.subs[event])
	b.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.fn(ctx, p); err != nil {
			wrapped := fmt.Errorf("hook %s/%s: %w", event, sub.name, err)
			b.logger.Error().Err(err).
				Str(log.FieldEvent, string(event)).
				Str("handler", sub.name).
				Str(log.FieldSessionID, p.SessionID).
				Msg("hook handler failed")
			errs = append(errs, wrapped)
		}
	}
	return errs
}
