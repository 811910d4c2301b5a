package controlplane

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Session runs shell commands on one host.
type Session interface {
	// Run executes commands in order as one script, stopping at the first
	// failure, and returns the combined output.
	Run(ctx context.Context, commands []string) (string, error)
	Close() error
}

// DialFunc opens a session to a host.
type DialFunc func(ctx context.Context, h Host) (Session, error)

func script(commands []string) string {
	return "set -e\n" + strings.Join(commands, "\n")
}

// SSHSession is a password-authenticated SSH connection. Host keys are not
// verified.
type SSHSession struct {
	host   string
	client *ssh.Client

	closeOnce sync.Once
	closeErr  error
}

// DialSSH connects to h. ctx bounds the TCP dial and the SSH handshake.
func DialSSH(ctx context.Context, h Host) (Session, error) {
	cfg := &ssh.ClientConfig{
		User:            h.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(h.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", h.addr())
	if err != nil {
		return nil, &HostUnreachableError{Host: h.Name, Err: err}
	}
	// The handshake has no context; closing the conn aborts it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, h.addr(), cfg)
	if !stop() {
		if err == nil {
			c.Close()
		}
		return nil, &HostUnreachableError{Host: h.Name, Err: ctx.Err()}
	}
	if err != nil {
		conn.Close()
		return nil, &HostUnreachableError{Host: h.Name, Err: err}
	}
	return &SSHSession{host: h.Name, client: ssh.NewClient(c, chans, reqs)}, nil
}

type runResult struct {
	out []byte
	err error
}

// Run executes the commands in a new SSH channel. If ctx ends first the
// connection is closed and the session is unusable afterwards.
func (s *SSHSession) Run(ctx context.Context, commands []string) (string, error) {
	done := make(chan runResult, 1)
	go func() {
		sess, err := s.client.NewSession()
		if err != nil {
			done <- runResult{err: err}
			return
		}
		defer sess.Close()
		out, err := sess.CombinedOutput(script(commands))
		done <- runResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return string(r.out), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(r.err, &exitErr) {
			return string(r.out), &CommandError{Host: s.host, Command: script(commands), Output: string(r.out), Err: r.err}
		}
		return string(r.out), &HostUnreachableError{Host: s.host, Err: r.err}
	case <-ctx.Done():
		s.Close()
		return "", &HostUnreachableError{Host: s.host, Err: ctx.Err()}
	}
}

func (s *SSHSession) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.client.Close() })
	return s.closeErr
}

// DryRunSession logs commands instead of running them.
type DryRunSession struct {
	host   string
	logger *slog.Logger
}

// DryRunDialer returns a DialFunc producing DryRunSessions.
func DryRunDialer(logger *slog.Logger) DialFunc {
	return func(_ context.Context, h Host) (Session, error) {
		logger.Info("dry run session opened", "host", h.Name, "addr", h.addr())
		return &DryRunSession{host: h.Name, logger: logger}, nil
	}
}

func (s *DryRunSession) Run(ctx context.Context, commands []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &HostUnreachableError{Host: s.host, Err: err}
	}
	for _, c := range commands {
		s.logger.Info("dry run", "host", s.host, "command", c)
	}
	return "", nil
}

func (s *DryRunSession) Close() error {
	s.logger.Info("dry run session closed", "host", s.host)
	return nil
}
