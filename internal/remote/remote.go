// remote sequences commands against a remote host and applies a failure
// policy to their results.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/bluegreen/internal/ssh"
	"github.com/chainguard-dev/clog"
)

// Runner executes a single command on a remote host.
type Runner interface {
	Run(ctx context.Context, cmd string) ssh.Result
}

// Policy decides what happens when a remote command fails.
type Policy string

const (
	// PolicyAbort stops at the first failing command.
	PolicyAbort Policy = "abort"
	// PolicyContinue runs every command and reports all failures at the end.
	PolicyContinue Policy = "continue"
	// PolicyIgnore runs every command and only logs failures.
	PolicyIgnore Policy = "ignore"
)

var (
	ErrInvalidPolicy = fmt.Errorf("invalid remote failure policy")
	ErrCommandFailed = fmt.Errorf("remote command failed")
)

// Validate reports whether p is a known policy. The empty policy is treated
// as PolicyAbort.
func (p Policy) Validate() error {
	switch p {
	case "", PolicyAbort, PolicyContinue, PolicyIgnore:
		return nil
	}
	return fmt.Errorf("%w: %q (want %q, %q or %q)", ErrInvalidPolicy, string(p), PolicyAbort, PolicyContinue, PolicyIgnore)
}

// CommandError describes one failed remote command.
type CommandError struct {
	Result ssh.Result
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %q exited %d: %v", ErrCommandFailed, e.Result.Command, e.Result.ExitStatus, e.Result.Err)
}

func (e *CommandError) Unwrap() []error {
	return []error{ErrCommandFailed, e.Result.Err}
}

// RunAll executes 'cmds' in order and returns every Result produced.
//
// Under PolicyAbort the returned slice ends at the failing command.
func RunAll(ctx context.Context, r Runner, policy Policy, cmds ...string) ([]ssh.Result, error) {
	log := clog.FromContext(ctx)
	results := make([]ssh.Result, 0, len(cmds))
	var errs error
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		log.Info("running remote command", "cmd", cmd)
		res := r.Run(ctx, cmd)
		results = append(results, res)
		if res.OK() {
			log.Debug("remote command succeeded", "cmd", cmd, "stdout", res.Stdout)
			continue
		}
		if err := Check(ctx, policy, res); err != nil {
			if policy == PolicyContinue {
				errs = errors.Join(errs, err)
				continue
			}
			return results, err
		}
	}
	return results, errs
}

// Check applies 'policy' to a single Result. Under PolicyIgnore a failure is
// logged and nil is returned.
func Check(ctx context.Context, policy Policy, res ssh.Result) error {
	if res.OK() {
		return nil
	}
	log := clog.FromContext(ctx)
	if policy == PolicyIgnore {
		log.Warn("remote command failed, ignoring", "cmd", res.Command, "exit_status", res.ExitStatus, "stderr", res.Stderr, "error", res.Err)
		return nil
	}
	log.Error("remote command failed", "cmd", res.Command, "exit_status", res.ExitStatus, "stderr", res.Stderr, "error", res.Err)
	return &CommandError{Result: res}
}
