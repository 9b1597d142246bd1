package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrNotInstalled is returned when the command is not on PATH.
var ErrNotInstalled = errors.New("command not available")

// Runner executes external commands. Scheduler tools are reached only
// through it so tests can replace them.
type Runner interface {
	Run(ctx context.Context, command string, args ...string) (Result, error)
}

type Result struct {
	Command  string
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
}

func (r Result) String() string {
	return strings.TrimSpace(r.Command + " " + strings.Join(r.Args, " "))
}

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	Timeout time.Duration
	Dir     string
}

func (r *ExecRunner) Run(ctx context.Context, command string, args ...string) (Result, error) {
	result := Result{Command: command, Args: args}

	if _, err := exec.LookPath(command); err != nil {
		return result, fmt.Errorf("%s: %w", command, ErrNotInstalled)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = r.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result.Stdout = strings.TrimSpace(stdout.String())
	result.Stderr = strings.TrimSpace(stderr.String())

	if ctx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("%s timed out after %s", command, r.Timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, fmt.Errorf("%s exited with %d: %s", command, result.ExitCode, result.Stderr)
		}
		return result, fmt.Errorf("failed to run %s: %w", command, err)
	}

	return result, nil
}
