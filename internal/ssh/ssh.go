package ssh

// ssh.go implements a facade over 'x/crypto/ssh', simplifying SSH connection
// construction and SSH command execution.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const sshDefaultTimeout = 3 * time.Second

var (
	ErrSSHFailedDial    = fmt.Errorf("failed to establish SSH connection")
	ErrFailedHostParse  = fmt.Errorf("failed to parse hostname")
	ErrHostKeyInvalid   = fmt.Errorf("target's host key is invalid")
	ErrNoHostKeyPolicy  = fmt.Errorf("no host key policy configured")
	ErrKnownHostsLoad   = fmt.Errorf("failed to load known_hosts file")
	ErrNoSigner         = fmt.Errorf("no private key provided for authentication")
	ErrNoFixedHostKeys  = fmt.Errorf("at least one host key is required")
	ErrKnownHostsNoPath = fmt.Errorf("host key verification requires a known_hosts path")
)

// Connect establishes an SSH connection to 'host' on TCP port 'port'. Name
// resolution and the TCP dial stop when 'ctx' is done.
//
// 'host' can be any of: hostname, ipv4 address or ipv6 address. If 'host' is
// an empty string, ipv4 loopback is used.
//
// If 'port' is 0, a default value of '22' is used.
//
// 'keypair' is used for public key authentication when connecting to 'host'.
//
// 'hostKeyCallback' is mandatory. Callers wanting to trust any host key must
// say so explicitly by passing 'ssh.InsecureIgnoreHostKey()'.
func Connect(ctx context.Context, host string, port uint16, user string, keypair ssh.Signer, hostKeyCallback ssh.HostKeyCallback) (*ssh.Client, error) {
	if keypair == nil {
		return nil, ErrNoSigner
	}
	if hostKeyCallback == nil {
		return nil, ErrNoHostKeyPolicy
	}
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 22
	}
	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(keypair),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         sshDefaultTimeout,
	}
	// Parse the host + port combination to a ssh.Dial-compatible 'addr' (host+
	// port string).
	target, err := joinHostPort(ctx, host, port)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: sshDefaultTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, target, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// FixedHostKeys returns a host key callback accepting only the provided keys.
func FixedHostKeys(hostKeys ...ssh.PublicKey) (ssh.HostKeyCallback, error) {
	if len(hostKeys) == 0 {
		return nil, ErrNoFixedHostKeys
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		for _, hostKey := range hostKeys {
			if bytes.Equal(hostKey.Marshal(), key.Marshal()) {
				return nil
			}
		}
		return ErrHostKeyInvalid
	}, nil
}

// KnownHosts returns a host key callback backed by an OpenSSH known_hosts
// file.
func KnownHosts(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return nil, ErrKnownHostsNoPath
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKnownHostsLoad, err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := cb(hostname, remote, key); err != nil {
			return fmt.Errorf("%w: %w", ErrHostKeyInvalid, err)
		}
		return nil
	}, nil
}

// HostKeyPolicy selects the host key callback for a connection.
//
// When 'insecure' is set every host key is accepted. Otherwise 'knownHosts'
// must point at a readable known_hosts file.
func HostKeyPolicy(insecure bool, knownHosts string) (ssh.HostKeyCallback, error) {
	if insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return KnownHosts(knownHosts)
}

// joinHostPort parses and validates 'host' is a valid IPv4 or IPv6 address,
// then joins it with the port in the address-family-specific format.
//
// If 'host' is a hostname, the hostname will be resolved, then joinHostPort
// will recurse using the first of the resolved addresses.
func joinHostPort(ctx context.Context, host string, port uint16) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if addr := net.ParseIP(host); addr == nil {
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			return "", fmt.Errorf("%w: %s", ErrFailedHostParse, host)
		}
		return joinHostPort(ctx, addrs[0], port)
	} else if ipv4 := addr.To4(); ipv4 != nil {
		return fmt.Sprintf("%s:%d", ipv4.String(), port), nil
	} else {
		return fmt.Sprintf("[%s]:%d", addr.To16().String(), port), nil
	}
}

var (
	ErrSessionInit = fmt.Errorf("failed to begin SSH session")
	ErrCMDExec     = fmt.Errorf("failed to execute SSH command")
)

// ExitStatusUnknown is reported when a command never produced an exit status
// (the session could not be opened, or the connection dropped).
const ExitStatusUnknown = -1

// Result captures the outcome of a single remote command.
type Result struct {
	Command    string
	Stdout     string
	Stderr     string
	ExitStatus int
	Err        error
}

// OK reports whether the command ran and exited zero.
func (r Result) OK() bool {
	return r.Err == nil
}

// Exec executes a single command in its own SSH session.
//
// A non-zero exit status is reported both in 'Result.ExitStatus' and as an
// 'ErrCMDExec'-wrapped 'Result.Err'.
func Exec(client *ssh.Client, cmd string) Result {
	res := Result{Command: cmd, ExitStatus: ExitStatusUnknown}
	session, err := client.NewSession()
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrSessionInit, err)
		return res
	}
	defer session.Close()
	stdout := new(bytes.Buffer)
	session.Stdout = stdout
	stderr := new(bytes.Buffer)
	session.Stderr = stderr

	err = session.Run(cmd)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err == nil {
		res.ExitStatus = 0
		return res
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitStatus = exitErr.ExitStatus()
	}
	res.Err = fmt.Errorf("%w: %w", ErrCMDExec, err)
	return res
}
