// Package command runs the external tools the container manager drives
// (nix, machinectl, nsenter, systemctl) as blocking subprocesses.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Error reports an external command that exited non-zero or could not start.
type Error struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("command '%s' failed with exit code %d", strings.Join(e.Args, " "), e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Runner executes argument vectors.
type Runner interface {
	// Run executes args and streams its output to the runner's writers.
	Run(ctx context.Context, args ...string) error
	// Output executes args and returns its trimmed standard output.
	Output(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct {
	Logger *slog.Logger
	Stdout io.Writer
	Stderr io.Writer
}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner returns a runner that forwards command output to the process
// stdout and stderr.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{Logger: logger, Stdout: os.Stdout, Stderr: os.Stderr}
}

func (r *ExecRunner) logger() *slog.Logger {
	if r != nil && r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) error {
	if len(args) == 0 {
		return errors.New("command is empty")
	}
	r.logger().Debug("running command", "args", strings.Join(args, " "))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = &stderr
	if r.Stderr != nil {
		cmd.Stderr = io.MultiWriter(r.Stderr, &stderr)
	}

	err := cmd.Run()
	r.logger().Debug("command finished", "args", strings.Join(args, " "), "exit_code", cmd.ProcessState.ExitCode())
	return wrapError(ctx, args, stderr.String(), err)
}

func (r *ExecRunner) Output(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("command is empty")
	}
	r.logger().Debug("running command", "args", strings.Join(args, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	r.logger().Debug("command finished", "args", strings.Join(args, " "), "exit_code", cmd.ProcessState.ExitCode(), "stdout", out)
	return out, wrapError(ctx, args, stderr.String(), err)
}

// wrapError keeps the context error reachable when cancellation killed the
// process, since exec only reports the signal.
func wrapError(ctx context.Context, args []string, stderr string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = errors.Join(err, ctxErr)
	}
	cmdErr := &Error{
		Args:     append([]string(nil), args...),
		ExitCode: -1,
		Stderr:   stderr,
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	return cmdErr
}
