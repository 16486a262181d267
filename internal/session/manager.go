// SPDX-License-Identifier: MIT

// Package session implements the state machine around the single active
// session slot: promotion of a queued client, child spawn, the hard-expiry
// and disconnect-grace clocks, and guaranteed teardown on every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/demolab/sessionbroker/internal/hooks"
	"github.com/demolab/sessionbroker/internal/log"
	"github.com/demolab/sessionbroker/internal/protocol"
	"github.com/demolab/sessionbroker/internal/registry"
	"github.com/demolab/sessionbroker/internal/spawn"
)

// Phase is the slot's lifecycle state.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseSpawning Phase = "spawning"
	PhaseActive   Phase = "active"
	PhaseEnding   Phase = "ending"
)

// End reasons delivered in session_ended frames.
const (
	ReasonTimeout      = "timeout"
	ReasonDisconnected = "disconnected"
	ReasonEnded        = "ended"
	ReasonExited       = "process_exited"
	ReasonSpawnFailed  = "spawn_failed"
	ReasonShutdown     = "shutdown"
)

// ErrSlotBusy is returned by Promote when a session is already underway.
var ErrSlotBusy = errors.New("session: slot busy")

// ErrSpawnFailed is returned by Promote when the child could not be started.
var ErrSpawnFailed = errors.New("session: spawn failed")

// Notifier delivers an outbound frame to a connected client. Sends to gone
// clients are silently dropped.
type Notifier interface {
	Send(clientID string, msg protocol.ServerMessage)
}

// Options configures the manager.
type Options struct {
	Timeout     time.Duration // hard session expiry, armed at activation
	Grace       time.Duration // disconnect grace window
	EnvDir      string        // host-side directory for session env files
	SessionURL  string        // protected URL handed to the holder
	Credentials map[string]string
}

// Manager owns the active session slot.
type Manager struct {
	reg      *registry.Registry
	bus      *hooks.Bus
	runner   spawn.Runner
	notifier Notifier
	opts     Options
	logger   zerolog.Logger

	mu          sync.Mutex
	phase       Phase
	sessionID   string
	proc        spawn.Process
	envFile     string
	expiryTimer *time.Timer
	watchStop   chan struct{}

	// onIdle re-enters the promotion loop after teardown. Set once at wiring.
	onIdle func()
}

// NewManager creates an idle manager.
func NewManager(reg *registry.Registry, bus *hooks.Bus, runner spawn.Runner, notifier Notifier, opts Options) *Manager {
	return &Manager{
		reg:      reg,
		bus:      bus,
		runner:   runner,
		notifier: notifier,
		opts:     opts,
		phase:    PhaseIdle,
		logger:   log.WithComponent("session"),
	}
}

// OnIdle registers the callback invoked after the slot returns to idle.
func (m *Manager) OnIdle(fn func()) {
	m.onIdle = fn
}

// Phase returns the slot's current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Promote drives a queued client into the active slot: hooks, env file,
// child spawn, registration, notification. On spawn failure the slot returns
// to idle and ErrSpawnFailed is returned; the caller decides what happens to
// the client.
func (m *Manager) Promote(ctx context.Context, clientID string) error {
	m.mu.Lock()
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return ErrSlotBusy
	}
	m.phase = PhaseSpawning
	m.mu.Unlock()

	client, ok := m.reg.Client(clientID)
	if !ok {
		m.toIdle()
		return registry.ErrUnknownClient
	}

	m.bus.Emit(ctx, hooks.BeforeSessionStart, hooks.Payload{ClientID: clientID})

	sessionID := uuid.NewString()
	token, err := newToken()
	if err != nil {
		m.toIdle()
		return fmt.Errorf("session: generate token: %w", err)
	}
	m.reg.AddPendingToken(token, clientID)

	envFile, err := writeEnvFile(m.opts.EnvDir, sessionID, m.opts.Credentials)
	if err != nil {
		m.reg.RemovePendingToken(token)
		m.failSpawn(ctx, sessionID, clientID, err)
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	proc, err := m.runner.Start(ctx, sessionID, envFile)
	if err != nil {
		m.reg.RemovePendingToken(token)
		if rmErr := removeEnvFile(envFile); rmErr != nil {
			m.logger.Warn().Err(rmErr).Str(log.FieldSessionID, sessionID).Msg("env file cleanup failed")
		}
		m.failSpawn(ctx, sessionID, clientID, err)
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	now := time.Now()
	active := registry.ActiveSession{
		ID:          sessionID,
		Token:       token,
		ClientID:    clientID,
		InviteToken: client.InviteToken,
		StartedAt:   now,
		ExpiresAt:   now.Add(m.opts.Timeout),
	}

	m.mu.Lock()
	if err := m.reg.SetActive(active); err != nil {
		// Cannot happen while we hold the spawning phase, but never leak a child.
		m.mu.Unlock()
		_ = proc.Kill()
		m.reg.RemovePendingToken(token)
		if rmErr := removeEnvFile(envFile); rmErr != nil {
			m.logger.Warn().Err(rmErr).Str(log.FieldSessionID, sessionID).Msg("env file cleanup failed")
		}
		m.failSpawn(ctx, sessionID, clientID, err)
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	m.reg.PromoteToken(token, sessionID)
	m.sessionID = sessionID
	m.proc = proc
	m.envFile = envFile
	m.phase = PhaseActive
	m.watchStop = make(chan struct{})
	m.expiryTimer = time.AfterFunc(m.opts.Timeout, func() {
		m.End(context.Background(), ReasonTimeout)
	})
	watchStop := m.watchStop
	m.mu.Unlock()

	go m.watchExit(proc, sessionID, watchStop)

	m.emitWithCapture(ctx, hooks.AfterSessionStart, hooks.Payload{SessionID: sessionID, ClientID: clientID})
	m.notifier.Send(clientID, protocol.SessionStarted(token, m.opts.SessionURL))

	m.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldClientID, clientID).
		Int("pid", proc.PID()).
		Time("expires_at", active.ExpiresAt).
		Msg("session started")
	return nil
}

// End tears the active session down with the given reason. It is idempotent;
// concurrent callers (child exit, hard expiry, grace expiry, explicit end)
// race for the active→ending transition and losers return immediately.
func (m *Manager) End(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.phase != PhaseActive {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseEnding
	sessionID := m.sessionID
	proc := m.proc
	envFile := m.envFile
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
		m.expiryTimer = nil
	}
	if m.watchStop != nil {
		close(m.watchStop)
		m.watchStop = nil
	}
	m.mu.Unlock()

	active, _ := m.reg.Active()
	holderID := active.ClientID

	m.emitWithCapture(ctx, hooks.BeforeSessionEnd, hooks.Payload{SessionID: sessionID, ClientID: holderID, Reason: reason})

	if proc != nil {
		if err := proc.Kill(); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("child kill failed")
		}
		select {
		case <-proc.Exit():
		case <-time.After(10 * time.Second):
			m.logger.Warn().Str(log.FieldSessionID, sessionID).Msg("child did not exit in time")
		}
	}

	if err := removeEnvFile(envFile); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("env file cleanup failed")
	}

	m.reg.CancelGrace(holderID)
	m.reg.ClearActive()
	if c, ok := m.reg.Client(holderID); ok && c.State == registry.StateDisconnecting {
		m.reg.RemoveClient(holderID)
	}

	m.bus.Emit(ctx, hooks.AfterSessionEnd, hooks.Payload{SessionID: sessionID, ClientID: holderID, Reason: reason})
	m.notifier.Send(holderID, protocol.SessionEnded(reason))

	m.mu.Lock()
	m.sessionID = ""
	m.proc = nil
	m.envFile = ""
	m.phase = PhaseIdle
	m.mu.Unlock()

	m.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldReason, reason).
		Msg("session ended")

	if m.onIdle != nil {
		m.onIdle()
	}
}

// HandleDisconnect reacts to the holder's connection closing: the session is
// preserved and a grace timer armed instead of tearing down immediately.
// Returns false if clientID does not hold the active session.
func (m *Manager) HandleDisconnect(clientID string) bool {
	active, ok := m.reg.Active()
	if !ok || active.ClientID != clientID {
		return false
	}
	deadline := time.Now().Add(m.opts.Grace)
	_ = m.reg.SetClientState(clientID, registry.StateDisconnecting)
	m.reg.SetGraceDeadline(deadline)
	m.reg.ArmGrace(clientID, m.opts.Grace, func() {
		m.End(context.Background(), ReasonDisconnected)
	})
	m.logger.Info().
		Str(log.FieldSessionID, active.ID).
		Str(log.FieldClientID, clientID).
		Time("grace_deadline", deadline).
		Msg("holder disconnected, grace armed")
	return true
}

// HandleReconnect rebinds the active session to a new connection that
// presented the matching session cookie within the grace window.
func (m *Manager) HandleReconnect(token, newClientID string) error {
	sessionID, pending, ok := m.reg.LookupToken(token)
	if !ok || pending {
		return errors.New("session: no session for token")
	}
	active, ok := m.reg.Active()
	if !ok || active.ID != sessionID {
		return errors.New("session: no session for token")
	}

	oldClientID := active.ClientID
	m.reg.CancelGrace(oldClientID)
	if oldClientID != newClientID {
		m.reg.RemoveClient(oldClientID)
	}
	if err := m.reg.RebindActiveClient(newClientID); err != nil {
		return err
	}

	m.notifier.Send(newClientID, protocol.SessionStarted(token, m.opts.SessionURL))
	m.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str("old_client", oldClientID).
		Str("new_client", newClientID).
		Msg("holder reconnected within grace window")
	return nil
}

// failSpawn walks the spawning phase back to idle after a failed start.
func (m *Manager) failSpawn(ctx context.Context, sessionID, clientID string, cause error) {
	m.logger.Error().Err(cause).
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldClientID, clientID).
		Msg("session spawn failed")
	m.bus.Emit(ctx, hooks.AfterSessionEnd, hooks.Payload{SessionID: sessionID, ClientID: clientID, Reason: ReasonSpawnFailed})
	m.toIdle()
}

func (m *Manager) toIdle() {
	m.mu.Lock()
	m.phase = PhaseIdle
	m.sessionID = ""
	m.proc = nil
	m.envFile = ""
	m.mu.Unlock()
}

// emitWithCapture emits a hook and appends handler failures to the active
// session's error list. Hook failures never abort the lifecycle.
func (m *Manager) emitWithCapture(ctx context.Context, event hooks.Event, p hooks.Payload) {
	for _, err := range m.bus.Emit(ctx, event, p) {
		m.reg.AppendSessionError(err.Error())
	}
}

// watchExit ends the session when the child exits on its own.
func (m *Manager) watchExit(proc spawn.Process, sessionID string, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-proc.Exit():
	}
	if err := proc.Err(); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("child exited with error")
	}
	m.End(context.Background(), ReasonExited)
}
