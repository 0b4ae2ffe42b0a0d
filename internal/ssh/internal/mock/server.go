package mock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

var ErrUnauthorized = fmt.Errorf("public key is not authorized")

type (
	// Server is an in-process SSH server for tests.
	//
	// Server is constructed by 'NewServer' and started by 'ListenAndServe'.
	// When finished, 'Shutdown' closes the TCP listener and waits for every
	// connection handler to exit.
	//
	// 'exec' requests are answered from 'Responses' (unknown commands exit 0
	// with no output). 'subsystem' requests for 'sftp' are served against the
	// local filesystem.
	Server struct {
		// The SSH server configuration.
		//
		// These options may be modified _prior_ to calling 'ListenAndServe',
		// modifying after will have no effect.
		Config *ssh.ServerConfig

		// Canned replies keyed by the exact command string.
		Responses map[string]Response

		log    *slog.Logger
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}

	// Response is what the server replies to a matching 'exec' request.
	Response struct {
		Stdout     string
		Stderr     string
		ExitStatus uint32
	}

	// PubKeyCallback is the function called when the server receives an
	// authentication attempt via public key. Any non-nil error returned will
	// immediately abort the connection.
	PubKeyCallback func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error)

	// CmdChannel produces every command received via 'exec', in arrival order.
	CmdChannel <-chan string
)

// PublicKeyCallback returns a closure validating offered public keys against
// 'allowedPubKeys'.
func PublicKeyCallback(allowedPubKeys ...ssh.PublicKey) PubKeyCallback {
	return func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		for _, allowed := range allowedPubKeys {
			if bytes.Equal(allowed.Marshal(), key.Marshal()) {
				return nil, nil
			}
		}
		return nil, ErrUnauthorized
	}
}

func NewServer(t *testing.T, signer ssh.Signer, fn PubKeyCallback) *Server {
	t.Helper()
	require.NotNil(t, fn, "a non-nil public key callback is required")
	require.NotNil(t, signer, "a non-nil ssh.Signer is required")
	config := &ssh.ServerConfig{
		PublicKeyCallback: fn,
	}
	config.AddHostKey(signer)
	return &Server{
		Config:    config,
		Responses: make(map[string]Response),
		log:       slog.Default().With("component", "mock-ssh"),
	}
}

// ListenAndServe listens on an ephemeral loopback port and begins serving
// connections in the background. It returns the received command stream and
// the port listened on.
func (s *Server) ListenAndServe(t *testing.T, ctx context.Context) (CmdChannel, uint16) {
	t.Helper()
	ctx, s.cancel = context.WithCancel(ctx)
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err, "failed to listen on loopback: %s", err)
	cmds := make(chan string, 64)
	s.wg.Add(1)
	go s.serve(ctx, listener, cmds)
	return cmds, uint16(listener.Addr().(*net.TCPAddr).Port)
}

func (s *Server) serve(ctx context.Context, listener *net.TCPListener, cmds chan<- string) {
	defer s.wg.Done()
	defer listener.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			// Don't block forever.
			_ = listener.SetDeadline(time.Now().Add(100 * time.Millisecond))
			conn, err := listener.AcceptTCP()
			if err != nil {
				var operr *net.OpError
				if errors.As(err, &operr) && operr.Timeout() {
					continue
				}
				s.log.Error("accept failed", "error", err)
				return
			}
			s.wg.Add(1)
			go s.handleConn(ctx, conn, cmds)
		}
	}
}

// handleConn performs the SSH handshake and accepts 'session' channels.
// Connections that fail the handshake (port probes, rejected keys) are
// dropped quietly.
func (s *Server) handleConn(ctx context.Context, conn *net.TCPConn, cmds chan<- string) {
	defer s.wg.Done()
	sshConn, newChannels, reqs, err := ssh.NewServerConn(conn, s.Config)
	if err != nil {
		s.log.Debug("handshake failed", "error", err)
		_ = conn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)
	for {
		select {
		case <-ctx.Done():
			return
		case newChannel, ok := <-newChannels:
			if !ok {
				return
			}
			if newChannel.ChannelType() != "session" {
				_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
				continue
			}
			channel, chanReqs, err := newChannel.Accept()
			if err != nil {
				s.log.Error("accepting channel", "error", err)
				continue
			}
			s.wg.Add(1)
			go s.handleChannel(ctx, channel, chanReqs, cmds)
		}
	}
}

// handleChannel answers the first 'exec' or 'subsystem' request on the
// channel, then closes it.
func (s *Server) handleChannel(ctx context.Context, channel ssh.Channel, reqs <-chan *ssh.Request, cmds chan<- string) {
	defer s.wg.Done()
	defer channel.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-reqs:
			if !ok {
				return
			}
			switch req.Type {
			case "exec":
				var msg struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
					_ = req.Reply(false, nil)
					continue
				}
				_ = req.Reply(true, nil)
				cmds <- msg.Command
				resp := s.Responses[msg.Command]
				_, _ = channel.Write([]byte(resp.Stdout))
				_, _ = channel.Stderr().Write([]byte(resp.Stderr))
				_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct {
					Status uint32
				}{resp.ExitStatus}))
				return
			case "subsystem":
				var msg struct{ Name string }
				if err := ssh.Unmarshal(req.Payload, &msg); err != nil || msg.Name != "sftp" {
					_ = req.Reply(false, nil)
					continue
				}
				_ = req.Reply(true, nil)
				server, err := sftp.NewServer(channel)
				if err != nil {
					s.log.Error("starting sftp server", "error", err)
					return
				}
				if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
					s.log.Debug("sftp server exited", "error", err)
				}
				return
			default:
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		}
	}
}

var ErrServerNotStarted = fmt.Errorf(
	"shutdown called without a call to 'ListenAndServe' first",
)

// Shutdown stops the listener and waits for all handlers to exit, or for
// 'ctx' to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel == nil {
		return ErrServerNotStarted
	}
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
