// Package hypervisor assembles QEMU invocations and runs them as external
// processes. QEMU daemonizes itself; the spawner only observes the exit of
// the launching process.
package hypervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// stderrGrace bounds how long Spawn keeps reading stderr after the launcher
// exits, in case the daemonized child still holds the pipe.
const stderrGrace = 2 * time.Second

// SpawnResult is the outcome of a finished launcher process.
type SpawnResult struct {
	// ExitCode is the process exit status.
	ExitCode int

	// Stderr is everything the process wrote to standard error.
	Stderr string
}

// Success reports whether the process exited with status zero.
func (r SpawnResult) Success() bool {
	return r.ExitCode == 0
}

// Spawner runs a command to completion.
type Spawner interface {
	// Spawn runs argv with env added to the current environment. A non-zero
	// exit is reported in the result, not as an error; the error is for
	// failures to start or wait for the process.
	Spawn(ctx context.Context, argv []string, env map[string]string) (SpawnResult, error)
}

// ExecSpawner implements Spawner with os/exec.
type ExecSpawner struct{}

// Spawn implements Spawner.
func (ExecSpawner) Spawn(ctx context.Context, argv []string, env map[string]string) (SpawnResult, error) {
	if len(argv) == 0 {
		return SpawnResult{}, fmt.Errorf("spawn: empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = stderrGrace

	err := cmd.Run()
	res := SpawnResult{Stderr: strings.TrimSpace(stderr.String())}
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	case ctx.Err() != nil:
		return res, fmt.Errorf("spawn %s: %w", argv[0], ctx.Err())
	default:
		return res, fmt.Errorf("spawn %s: %w", argv[0], err)
	}
}
