// SPDX-License-Identifier: MIT

package spawn

import (
	"context"
	"sync"
)

// StubRunner is a Runner for tests: it records starts, optionally fails
// them, and hands out processes the test can end on demand.
type StubRunner struct {
	mu       sync.Mutex
	StartErr error // returned by Start when set
	started  []*StubProcess
	nextPID  int
}

// NewStubRunner creates an empty stub.
func NewStubRunner() *StubRunner {
	return &StubRunner{nextPID: 1000}
}

func (r *StubRunner) Start(_ context.Context, sessionID, envFile string) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	r.nextPID++
	p := &StubProcess{
		SessionID: sessionID,
		EnvFile:   envFile,
		pid:       r.nextPID,
		exit:      make(chan struct{}),
	}
	r.started = append(r.started, p)
	return p, nil
}

// Started returns every process handed out so far.
func (r *StubRunner) Started() []*StubProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*StubProcess, len(r.started))
	copy(out, r.started)
	return out
}

// Last returns the most recently started process, or nil.
func (r *StubRunner) Last() *StubProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.started) == 0 {
		return nil
	}
	return r.started[len(r.started)-1]
}

// StubProcess is a fake child whose exit the test controls.
type StubProcess struct {
	SessionID string
	EnvFile   string

	pid      int
	mu       sync.Mutex
	exit     chan struct{}
	exitErr  error
	killed   bool
	exitOnce sync.Once
}

func (p *StubProcess) PID() int { return p.pid }

func (p *StubProcess) Exit() <-chan struct{} { return p.exit }

func (p *StubProcess) Err() error {
	select {
	case <-p.exit:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitErr
	default:
		return nil
	}
}

func (p *StubProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.EndWith(nil)
	return nil
}

// Killed reports whether Kill was called.
func (p *StubProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// EndWith simulates child exit with the given error.
func (p *StubProcess) EndWith(err error) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.exit)
	})
}
