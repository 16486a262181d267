// SPDX-License-Identifier: MIT

// Package spawn launches and supervises the per-session child process: the
// containerized terminal assistant. The session manager is the only caller;
// it owns the returned handle exclusively.
package spawn

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/demolab/sessionbroker/internal/log"
)

// Process is a running child. Exit is closed when the child exits, after
// which Err reports the exit error, if any.
type Process interface {
	PID() int
	Exit() <-chan struct{}
	Err() error
	Kill() error
}

// Runner starts one child per session.
type Runner interface {
	Start(ctx context.Context, sessionID, envFile string) (Process, error)
}

// DockerRunner runs the session container via the docker CLI. The env file
// is mounted through --env-file so credentials never appear in argv.
type DockerRunner struct {
	Image  string
	logger zerolog.Logger
}

// NewDockerRunner creates a runner for the given container image.
func NewDockerRunner(image string) *DockerRunner {
	return &DockerRunner{Image: image, logger: log.WithComponent("spawn")}
}

type dockerProcess struct {
	cmd  *exec.Cmd
	exit chan struct{}
	err  error
}

// Start launches `docker run` for the session. The context only bounds the
// launch, not the container's lifetime; teardown goes through Kill.
func (r *DockerRunner) Start(ctx context.Context, sessionID, envFile string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := "demo-session-" + sessionID
	cmd := exec.Command("docker", "run", "--rm", "--init",
		"--name", name,
		"--env-file", envFile,
		r.Image,
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn: start session container: %w", err)
	}
	r.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str("container", name).
		Int("pid", cmd.Process.Pid).
		Msg("session container started")

	p := &dockerProcess{cmd: cmd, exit: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.exit)
	}()
	return p, nil
}

func (p *dockerProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *dockerProcess) Exit() <-chan struct{} {
	return p.exit
}

func (p *dockerProcess) Err() error {
	select {
	case <-p.exit:
		return p.err
	default:
		return nil
	}
}

// Kill terminates the child. SIGTERM lets the docker client tear the
// container down with it (--rm handles cleanup).
func (p *dockerProcess) Kill() error {
	select {
	case <-p.exit:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}
