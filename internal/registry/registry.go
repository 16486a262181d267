// SPDX-License-Identifier: MIT

// Package registry is the in-memory source of truth for connection and
// session state: connected clients, the FIFO queue, the single active
// session slot, the two session-token indexes, and per-client disconnect
// grace timers. One mutex serializes every mutation; no method performs I/O
// or blocks, so callers follow the lock / decide / unlock / do-I/O / lock /
// commit discipline.
package registry

import (
	"errors"
	"sync"
	"time"
)

// ClientState is the connection-level lifecycle of a peer.
type ClientState string

const (
	StateConnected     ClientState = "connected"
	StateQueued        ClientState = "queued"
	StateActive        ClientState = "active"
	StateDisconnecting ClientState = "disconnecting"
)

// Client is one connected peer. Owned by the registry; reads return copies.
type Client struct {
	ID           string
	State        ClientState
	RemoteIP     string
	UserAgent    string
	InviteToken  string // invite last presented, if any
	PendingToken string // session token issued but not yet cookie-bound
	JoinedAt     time.Time
}

// ActiveSession is the metadata of the single active session. The child
// process handle lives with the session manager, not here.
type ActiveSession struct {
	ID            string
	Token         string
	ClientID      string
	InviteToken   string
	StartedAt     time.Time
	ExpiresAt     time.Time
	GraceDeadline *time.Time
	Errors        []string
}

// Queue and slot violations.
var (
	ErrQueueFull      = errors.New("registry: queue full")
	ErrAlreadyQueued  = errors.New("registry: client already queued")
	ErrHoldingSession = errors.New("registry: client holds the active session")
	ErrUnknownClient  = errors.New("registry: unknown client")
)

// Registry holds all broker connection state behind one mutex.
type Registry struct {
	mu sync.Mutex

	maxQueue int
	clients  map[string]*Client
	queue    []string
	active   *ActiveSession

	// token → session id / client id. A token lives in at most one map.
	activeTokens  map[string]string
	pendingTokens map[string]string

	graceTimers map[string]*time.Timer
}

// New creates a registry with the given queue capacity.
func New(maxQueue int) *Registry {
	return &Registry{
		maxQueue:      maxQueue,
		clients:       make(map[string]*Client),
		activeTokens:  make(map[string]string),
		pendingTokens: make(map[string]string),
		graceTimers:   make(map[string]*time.Timer),
	}
}

// --- clients ---

// AddClient registers a freshly connected peer.
func (r *Registry) AddClient(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.State = StateConnected
	r.clients[c.ID] = &c
}

// RemoveClient drops the peer and any queue entry, pending token, and grace
// timer bound to it. The active session slot is left alone; teardown is the
// session manager's decision.
func (r *Registry) RemoveClient(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return
	}
	if c.PendingToken != "" {
		delete(r.pendingTokens, c.PendingToken)
	}
	r.removeQueuedLocked(id)
	if t, ok := r.graceTimers[id]; ok {
		t.Stop()
		delete(r.graceTimers, id)
	}
	delete(r.clients, id)
}

// Client returns a copy of the peer's state.
func (r *Registry) Client(id string) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// SetClientState transitions the peer's connection state.
func (r *Registry) SetClientState(id string, state ClientState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	c.State = state
	return nil
}

// SetInviteToken records the invite a peer last presented.
func (r *Registry) SetInviteToken(id, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.InviteToken = token
	}
}

// ClientCount returns the number of connected peers.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// --- queue ---

// Enqueue appends the client to the FIFO queue, enforcing the no-duplicate,
// not-active, and capacity invariants.
func (r *Registry) Enqueue(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	if r.active != nil && r.active.ClientID == id {
		return ErrHoldingSession
	}
	for _, qid := range r.queue {
		if qid == id {
			return ErrAlreadyQueued
		}
	}
	if len(r.queue) >= r.maxQueue {
		return ErrQueueFull
	}
	r.queue = append(r.queue, id)
	c.State = StateQueued
	c.JoinedAt = time.Now()
	return nil
}

// RemoveFromQueue drops the client from the queue if present.
func (r *Registry) RemoveFromQueue(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeQueuedLocked(id)
}

func (r *Registry) removeQueuedLocked(id string) bool {
	for i, qid := range r.queue {
		if qid == id {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			if c, ok := r.clients[id]; ok && c.State == StateQueued {
				c.State = StateConnected
			}
			return true
		}
	}
	return false
}

// PopHead removes and returns the queue head.
func (r *Registry) PopHead() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return "", false
	}
	id := r.queue[0]
	r.queue = r.queue[1:]
	return id, true
}

// QueueSnapshot returns the queued client ids in FIFO order.
func (r *Registry) QueueSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.queue))
	copy(out, r.queue)
	return out
}

// Capacity returns the configured queue capacity.
func (r *Registry) Capacity() int {
	return r.maxQueue
}

// PushFront reinserts a popped client at the queue head. Used when a
// promotion attempt loses the slot race and the client must keep its turn.
func (r *Registry) PushFront(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return
	}
	for _, qid := range r.queue {
		if qid == id {
			return
		}
	}
	r.queue = append([]string{id}, r.queue...)
	c.State = StateQueued
}

// QueueLen returns the current queue length.
func (r *Registry) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// QueuePosition returns the 1-based position of id, or 0 if not queued.
func (r *Registry) QueuePosition(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, qid := range r.queue {
		if qid == id {
			return i + 1
		}
	}
	return 0
}

// --- active session slot ---

// SetActive installs the active session and indexes its token. The slot must
// be empty.
func (r *Registry) SetActive(s ActiveSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return errors.New("registry: active session slot occupied")
	}
	if c, ok := r.clients[s.ClientID]; ok {
		c.State = StateActive
	}
	r.active = &s
	return nil
}

// Active returns a copy of the active session, if any.
func (r *Registry) Active() (ActiveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ActiveSession{}, false
	}
	return *r.active, true
}

// ClearActive empties the slot and removes the session's token index entry.
func (r *Registry) ClearActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return
	}
	delete(r.activeTokens, r.active.Token)
	if c, ok := r.clients[r.active.ClientID]; ok && c.State == StateActive {
		c.State = StateConnected
	}
	r.active = nil
}

// AppendSessionError records a non-fatal error on the active session.
func (r *Registry) AppendSessionError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		r.active.Errors = append(r.active.Errors, msg)
	}
}

// RebindActiveClient moves session ownership to a reconnected peer.
func (r *Registry) RebindActiveClient(newClientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return errors.New("registry: no active session")
	}
	c, ok := r.clients[newClientID]
	if !ok {
		return ErrUnknownClient
	}
	r.active.ClientID = newClientID
	r.active.GraceDeadline = nil
	c.State = StateActive
	return nil
}

// SetGraceDeadline records the disconnect-grace deadline on the slot.
func (r *Registry) SetGraceDeadline(deadline time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		r.active.GraceDeadline = &deadline
	}
}

// --- token indexes ---

// AddPendingToken indexes a not-yet-promoted session token.
func (r *Registry) AddPendingToken(token, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingTokens[token] = clientID
	if c, ok := r.clients[clientID]; ok {
		c.PendingToken = token
	}
}

// RemovePendingToken garbage-collects a pending token after spawn failure or
// early disconnect.
func (r *Registry) RemovePendingToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if clientID, ok := r.pendingTokens[token]; ok {
		if c, ok := r.clients[clientID]; ok && c.PendingToken == token {
			c.PendingToken = ""
		}
		delete(r.pendingTokens, token)
	}
}

// PromoteToken atomically moves a token from the pending index to the active
// index, preserving the at-most-one-map invariant.
func (r *Registry) PromoteToken(token, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if clientID, ok := r.pendingTokens[token]; ok {
		if c, ok := r.clients[clientID]; ok && c.PendingToken == token {
			c.PendingToken = ""
		}
	}
	delete(r.pendingTokens, token)
	r.activeTokens[token] = sessionID
}

// LookupToken resolves a presented session token. For active tokens id is
// the session id; for pending tokens it is the owning client id. Stale
// active entries that no longer match the live session are collected on the
// miss path.
func (r *Registry) LookupToken(token string) (id string, pending bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sid, found := r.activeTokens[token]; found {
		if r.active != nil && r.active.ID == sid {
			return sid, false, true
		}
		delete(r.activeTokens, token) // stale entry
		return "", false, false
	}
	if clientID, found := r.pendingTokens[token]; found {
		return clientID, true, true
	}
	return "", false, false
}

// --- disconnect grace timers ---

// ArmGrace schedules fn after d for the given client, replacing any armed
// timer. fn runs on the timer goroutine and must re-enter via ordinary
// registry calls.
func (r *Registry) ArmGrace(clientID string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.graceTimers[clientID]; ok {
		t.Stop()
	}
	r.graceTimers[clientID] = time.AfterFunc(d, fn)
}

// CancelGrace stops the client's grace timer if armed.
func (r *Registry) CancelGrace(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.graceTimers[clientID]
	if !ok {
		return false
	}
	t.Stop()
	delete(r.graceTimers, clientID)
	return true
}
