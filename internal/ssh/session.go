package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"k8s.io/apimachinery/pkg/util/wait"
)

var (
	ErrNotReady      = fmt.Errorf("host did not accept SSH connections in time")
	ErrSFTPInit      = fmt.Errorf("failed to start SFTP subsystem")
	ErrLocalOpen     = fmt.Errorf("failed to open local file")
	ErrRemoteCreate  = fmt.Errorf("failed to create remote file")
	ErrTransfer      = fmt.Errorf("failed to transfer file")
	ErrSessionClosed = fmt.Errorf("session is closed")
)

// Target describes where and how to open a Session.
type Target struct {
	Host            string
	Port            uint16
	User            string
	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
}

// Session is a single SSH connection used for sequential command execution
// and file transfer. It is not safe for concurrent use.
type Session struct {
	client *ssh.Client
	sftp   *sftp.Client
	target Target
}

// NewSession wraps an established client.
func NewSession(client *ssh.Client, target Target) *Session {
	return &Session{client: client, target: target}
}

// Dial polls 'target' every 'interval' until an SSH handshake succeeds or
// 'timeout' elapses. A host key rejection aborts immediately.
func Dial(ctx context.Context, target Target, interval, timeout time.Duration) (*Session, error) {
	log := clog.FromContext(ctx).With("host", target.Host, "port", target.Port, "user", target.User)

	var client *ssh.Client
	attempt := 0
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		attempt++
		c, err := Connect(ctx, target.Host, target.Port, target.User, target.Signer, target.HostKeyCallback)
		if err != nil {
			if isTerminal(err) {
				return false, err
			}
			log.Debug("SSH not ready yet", "attempt", attempt, "error", err)
			return false, nil
		}
		client = c
		return true, nil
	})
	if err != nil {
		if isTerminal(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrNotReady, attempt, err)
	}
	log.Info("SSH connection established", "attempts", attempt)
	return NewSession(client, target), nil
}

func isTerminal(err error) bool {
	if errors.Is(err, ErrNoSigner) || errors.Is(err, ErrNoHostKeyPolicy) || errors.Is(err, ErrHostKeyInvalid) {
		return true
	}
	var keyErr *knownhosts.KeyError
	return errors.As(err, &keyErr)
}

// Host returns the address the session is connected to.
func (s *Session) Host() string {
	return s.target.Host
}

// Run executes 'cmd' on the remote host and returns its Result.
func (s *Session) Run(ctx context.Context, cmd string) Result {
	if err := ctx.Err(); err != nil {
		return Result{Command: cmd, ExitStatus: ExitStatusUnknown, Err: err}
	}
	if s.client == nil {
		return Result{Command: cmd, ExitStatus: ExitStatusUnknown, Err: ErrSessionClosed}
	}
	return Exec(s.client, cmd)
}

// Upload copies the local file at 'local' to 'remote' over SFTP. The SFTP
// subsystem is started on first use and reused afterwards.
func (s *Session) Upload(ctx context.Context, local, remote string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.client == nil {
		return ErrSessionClosed
	}
	if s.sftp == nil {
		client, err := sftp.NewClient(s.client)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSFTPInit, err)
		}
		s.sftp = client
	}

	src, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLocalOpen, err)
	}
	defer src.Close()

	dst, err := s.sftp.Create(remote)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRemoteCreate, remote, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("%w: %s: %w", ErrTransfer, remote, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransfer, remote, err)
	}
	return nil
}

// Close tears down the SFTP subsystem (if started) and the SSH connection.
func (s *Session) Close() error {
	var errs error
	if s.sftp != nil {
		errs = errors.Join(errs, s.sftp.Close())
		s.sftp = nil
	}
	if s.client != nil {
		errs = errors.Join(errs, s.client.Close())
		s.client = nil
	}
	return errs
}
