//go:build podman
// +build podman

package runtimeregistry

import (
	"context"
	"fmt"
	"os"

	"github.com/containers/podman/v3/pkg/bindings"
	"github.com/containers/podman/v3/pkg/bindings/containers"
	"github.com/containers/podman/v3/pkg/specgen"
	log "github.com/sirupsen/logrus"
)

func newDefaultLauncher() Launcher {
	return PodmanLauncher{Image: os.Getenv("STAGERUNNER_RUNTIME_IMAGE")}
}

// PodmanLauncher runs a stage's executable inside a container using
// the podman bindings, mirroring gangplank/ocp/cosa-podman.go's
// connect-spec-create-wait flow: a fresh container per stage rather
// than gangplank's one-pod-per-build, since stages here are
// independently retryable and cacheable.
type PodmanLauncher struct {
	Image string
}

// Launch creates and runs a container executing spec.Executable with
// /work as its working directory, and enforces spec.Timeout by
// stopping the container (podman's stop already does the
// SIGTERM-then-SIGKILL two-phase shutdown internally).
func (p PodmanLauncher) Launch(ctx context.Context, spec ProcessSpec) (ExitResult, error) {
	socket := os.Getenv("CONTAINER_HOST")
	if socket == "" {
		sockDir := os.Getenv("XDG_RUNTIME_DIR")
		socket = "unix:" + sockDir + "/podman/podman.sock"
	}

	connText, err := bindings.NewConnection(ctx, socket)
	if err != nil {
		return ExitResult{}, fmt.Errorf("connecting to podman socket: %w", err)
	}

	s := specgen.NewSpecGenerator(p.Image, false)
	s.Command = append([]string{spec.Executable}, spec.Args...)
	s.Env = envSliceToMap(spec.Env)
	s.WorkDir = "/work"
	s.Stdin = false
	s.Terminal = false
	s.Mounts = nil // no bind mounts: spec.WorkDir is not mounted into the container

	if err := s.Validate(); err != nil {
		return ExitResult{}, fmt.Errorf("validating podman spec: %w", err)
	}

	r, err := containers.CreateWithSpec(connText, s, nil)
	if err != nil {
		return ExitResult{}, fmt.Errorf("creating stage container: %w", err)
	}
	defer func() {
		_ = containers.Remove(connText, r.ID, new(containers.RemoveOptions).WithForce(true).WithVolumes(true))
	}()

	runCtx := connText
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(connText, spec.Timeout)
		defer cancel()
	}

	if err := containers.Start(runCtx, r.ID, nil); err != nil {
		return ExitResult{}, fmt.Errorf("starting stage container: %w", err)
	}

	exitCode, err := containers.Wait(runCtx, r.ID, nil)
	if err != nil {
		if runCtx.Err() != nil {
			log.WithField("container", r.ID).Warn("stage timed out, stopping container")
			timeout := uint(10)
			_ = containers.Stop(connText, r.ID, new(containers.StopOptions).WithTimeout(timeout))
			return ExitResult{TimedOut: true, ExitCode: -1}, nil
		}
		return ExitResult{}, fmt.Errorf("waiting on stage container: %w", err)
	}

	return ExitResult{ExitCode: int(exitCode)}, nil
}

func envSliceToMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
