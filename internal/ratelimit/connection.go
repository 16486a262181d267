// SPDX-License-Identifier: MIT

// Package ratelimit implements the broker's two per-IP limiters: a purely
// in-memory fixed-window counter gating connection acceptance, and a
// store-backed counter gating failed invite redemptions so it survives short
// broker restarts.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of a limiter check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type window struct {
	count int
	start time.Time
}

// ConnectionLimiter is a fixed-window per-IP counter for connection
// acceptance. It is intentionally in-memory: a broker restart resets it.
type ConnectionLimiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	entries map[string]*window

	now func() time.Time // test hook
}

// NewConnectionLimiter creates a limiter allowing max connections per IP in
// each window.
func NewConnectionLimiter(max int, win time.Duration) *ConnectionLimiter {
	return &ConnectionLimiter{
		max:     max,
		window:  win,
		entries: make(map[string]*window),
		now:     time.Now,
	}
}

// Check records an attempt from ip and reports whether it is admitted.
func (l *ConnectionLimiter) Check(ip string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.entries[ip]
	if !ok || now.After(w.start.Add(l.window)) {
		w = &window{start: now}
		l.entries[ip] = w
	}
	if w.count < l.max {
		w.count++
		return Result{Allowed: true, Remaining: l.max - w.count}
	}
	return Result{RetryAfter: w.start.Add(l.window).Sub(now)}
}

// Sweep drops entries whose window has elapsed with a single hit, bounding
// memory under address churn. Run periodically from RunSweeper.
func (l *ConnectionLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for ip, w := range l.entries {
		if now.After(w.start.Add(l.window)) && w.count <= 1 {
			delete(l.entries, ip)
		}
	}
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (l *ConnectionLimiter) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *ConnectionLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
