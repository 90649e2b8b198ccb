package tunnel

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	ncerr "sockrepl/internal/errors"
	"sockrepl/util"
)

const (
	defaultSSHPort     = 22
	defaultConnTimeout = 30 * time.Second
)

// SSHConfig describes the jump host in front of a sockrepl server.
type SSHConfig struct {
	User string
	Host string
	Port int

	// AuthOrder lists methods (AuthKey, AuthAgent, AuthPassword) in the
	// order they are offered.  Empty derives the order from the fields
	// below.
	AuthOrder  []string
	KeyPath    string
	PromptPass bool
	UseAgent   bool
	// Secret reads passwords and passphrases; nil prompts on the
	// controlling terminal.
	Secret SecretFunc

	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
}

// Addr returns the jump host address in host:port form.
func (c *SSHConfig) Addr() string {
	return util.FormatAddr(c.Host, c.Port)
}

func (c *SSHConfig) secret() SecretFunc {
	if c.Secret != nil {
		return c.Secret
	}
	return terminalSecret
}

func (c *SSHConfig) sshError(op string, err error) *ncerr.SSHError {
	return ncerr.WrapSSH(op, c.Host, c.Port, err)
}

// SSHTunnel implements [Tunnel] with one SSH client connection whose
// direct-tcpip channels carry the REPL streams.
type SSHTunnel struct {
	config *SSHConfig
	logger *util.Logger

	mu     sync.RWMutex
	client *ssh.Client
	auth   *authChain
	alive  bool
}

// NewSSHTunnel creates a tunnel that is ready to [Connect].
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = defaultSSHPort
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = defaultConnTimeout
	}
	return &SSHTunnel{config: cfg, logger: logger}
}

// Connect dials the jump host and authenticates.  Errors are
// *errors.SSHError (Op "auth", "hostkey" or "handshake") or an
// *errors.NetworkError for the TCP dial.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	hkCallback, err := hostKeyCallback(t.config)
	if err != nil {
		return err
	}
	chain, err := buildAuth(t.config)
	if err != nil {
		return err
	}

	addr := t.config.Addr()
	t.logger.Debug("ssh: dialing %s as %s (auth: %s)",
		addr, t.config.User, strings.Join(chain.names, ", "))

	dialer := net.Dialer{Timeout: t.config.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		chain.Close()
		return ncerr.Wrap("dial", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, &ssh.ClientConfig{
		User:            t.config.User,
		Auth:            chain.methods,
		HostKeyCallback: hkCallback,
		Timeout:         t.config.ConnTimeout,
	})
	if err != nil {
		tcpConn.Close()
		chain.Close()
		return t.config.sshError(handshakeOp(err), err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	t.mu.Lock()
	t.client = client
	t.auth = chain
	t.alive = true
	t.mu.Unlock()

	go t.monitor(client)
	return nil
}

// handshakeOp separates rejected credentials and host keys from other
// handshake failures.
func handshakeOp(err error) string {
	var keyErr *knownhosts.KeyError
	if ncerr.As(err, &keyErr) {
		return "hostkey"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"):
		return "auth"
	case strings.Contains(msg, "knownhosts:"):
		return "hostkey"
	}
	return "handshake"
}

// Dial opens a direct-tcpip channel to address on the far side of the
// jump host.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client, alive := t.client, t.alive
	t.mu.RUnlock()

	if !alive || client == nil {
		return nil, ncerr.ErrNotConnected
	}

	t.logger.Debug("ssh: forwarding to %s", address)
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := client.Dial(network, address)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, t.config.sshError("forward", fmt.Errorf("%s: %w", address, r.err))
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close shuts down the SSH connection and releases the agent socket.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	t.auth.Close() //nolint:errcheck
	t.auth = nil
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// IsAlive reports whether the jump host connection is still up.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// monitor marks the tunnel dead when client's connection ends.
func (t *SSHTunnel) monitor(client *ssh.Client) {
	err := client.Wait()

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()

	t.logger.Debug("ssh: connection to %s closed: %v", t.config.Addr(), err)
}
