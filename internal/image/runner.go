package image

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// CommandRunner executes local processes.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) error
	RunInput(ctx context.Context, stdin io.Reader, name string, args ...string) error
}

// ExecRunner runs commands with os/exec. Output goes to Stdout and Stderr,
// or the process' own streams when those are nil.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (r ExecRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	cmd := r.command(ctx, name, args...)
	cmd.Dir = dir
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}
	return nil
}

func (r ExecRunner) RunInput(ctx context.Context, stdin io.Reader, name string, args ...string) error {
	cmd := r.command(ctx, name, args...)
	cmd.Stdin = stdin
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}
	return nil
}

func (r ExecRunner) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = r.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = r.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	return cmd
}
