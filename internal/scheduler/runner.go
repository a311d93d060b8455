package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner executes one rendered stage command inside its work
// directory. The engine treats the command as opaque; only the exit
// status matters.
type CommandRunner interface {
	Run(ctx context.Context, command, workDir string) error
}

// RunnerFunc adapts a function to the CommandRunner interface, mainly for
// tests that substitute the external-tool boundary.
type RunnerFunc func(ctx context.Context, command, workDir string) error

func (f RunnerFunc) Run(ctx context.Context, command, workDir string) error {
	return f(ctx, command, workDir)
}

// ExecRunner runs stage commands through `sh -c` with the work directory
// as the working directory. Stdout and stderr are captured and folded
// into the error on failure.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, command, workDir string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("command interrupted: %w", ctxErr)
		}
		if trimmed := strings.TrimSpace(string(out)); trimmed != "" {
			return fmt.Errorf("%w: %s", err, tail(trimmed, 10))
		}
		return err
	}
	return nil
}

// tail keeps the last n lines of tool output, where the actionable error
// message usually lives.
func tail(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
