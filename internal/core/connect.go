package core

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"sockrepl/internal/capability"
	"sockrepl/internal/errors"
	"sockrepl/internal/retry"
	"sockrepl/internal/session"
	"sockrepl/internal/transport"
	"sockrepl/util"
)

// ConnectMode dials a sockrepl server and relays the terminal to it:
// a minimal client for hosts without netcat.
type ConnectMode struct {
	Dialer     transport.Dialer
	Capability capability.Capability
	Network    string
	Address    string
	Retry      *retry.Backoff // nil = single attempt
	Logger     *util.Logger

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	// Override in tests for deterministic I/O.
	Stdin  io.Reader
	Stdout io.Writer
}

func (m *ConnectMode) stdin() io.Reader {
	if m.Stdin != nil {
		return m.Stdin
	}
	return os.Stdin
}

func (m *ConnectMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run dials the remote address, creates a session, and hands it to
// the capability.  The transport is closed when Run returns.
func (m *ConnectMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()

	m.Logger.Verbose("connecting to %s (%s)", m.Address, m.Network)

	conn, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", m.Address, err)
	}
	defer conn.Close()

	m.Logger.Verbose("connected to %s", conn.RemoteAddr())

	sess := session.NewRelay(conn, m.stdin(), m.stdout(), m.Logger)
	return m.Capability.Handle(ctx, sess)
}

func (m *ConnectMode) dial(ctx context.Context) (net.Conn, error) {
	if m.Retry == nil {
		return m.Dialer.Dial(ctx, m.Network, m.Address)
	}
	var conn net.Conn
	err := m.Retry.Do(ctx, func(int) error {
		c, err := m.Dialer.Dial(ctx, m.Network, m.Address)
		if err != nil {
			if ctx.Err() != nil || isAuthFailure(err) {
				return retry.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}

// isAuthFailure reports whether err came from SSH authentication or
// host key verification, which another attempt cannot fix.  Other
// handshake and forwarding failures are retried.
func isAuthFailure(err error) bool {
	var se *errors.SSHError
	if errors.As(err, &se) {
		return se.Op == "auth" || se.Op == "hostkey"
	}
	return false
}
