package runtimeregistry

import (
	"context"
	"io"
	"os/exec"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// Launcher starts a stage's subprocess and enforces its timeout with
// the two-phase SIGTERM-then-SIGKILL shutdown spec §4.8 step 5
// requires. LocalLauncher and PodmanLauncher both implement it, the
// way gangplank's worker.go selects between a direct exec and a
// podman-backed runner behind the same termChan interface.
type Launcher interface {
	Launch(ctx context.Context, spec ProcessSpec) (ExitResult, error)
}

// ProcessSpec describes a stage subprocess invocation.
type ProcessSpec struct {
	Executable string
	Args       []string
	Env        []string
	WorkDir    string
	Stdout     io.Writer
	Stderr     io.Writer
	Timeout    time.Duration
	GracePeriod time.Duration
}

// ExitResult is a finished (or forcibly terminated) subprocess's
// outcome.
type ExitResult struct {
	ExitCode int
	TimedOut bool
}

// LocalLauncher runs stages as direct child processes with os/exec,
// the default launcher and the only one available without the
// `podman` build tag.
type LocalLauncher struct{}

// Launch starts spec.Executable, enforcing spec.Timeout by sending
// SIGTERM, waiting spec.GracePeriod, then SIGKILL.
func (LocalLauncher) Launch(ctx context.Context, spec ProcessSpec) (ExitResult, error) {
	grace := spec.GracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.WorkDir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	if err := cmd.Start(); err != nil {
		return ExitResult{}, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timer <-chan time.Time
	if spec.Timeout > 0 {
		t := time.NewTimer(spec.Timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err := <-done:
		return ExitResult{ExitCode: exitCode(err)}, nil
	case <-timer:
		log.WithField("executable", spec.Executable).Warn("stage timed out, sending SIGTERM")
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
			return ExitResult{TimedOut: true, ExitCode: -1}, nil
		case <-time.After(grace):
			log.WithField("executable", spec.Executable).Warn("stage did not exit after SIGTERM, sending SIGKILL")
			_ = cmd.Process.Kill()
			<-done
			return ExitResult{TimedOut: true, ExitCode: -1}, nil
		}
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(grace):
			_ = cmd.Process.Kill()
			<-done
		}
		return ExitResult{TimedOut: false, ExitCode: -1}, ctx.Err()
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// NewDefaultLauncher returns PodmanLauncher when built with the
// `podman` tag and LocalLauncher otherwise; see launcher_podman.go and
// launcher_local.go.
func NewDefaultLauncher() Launcher {
	return newDefaultLauncher()
}
