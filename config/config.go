// Package config defines the runtime configuration for sockrepl and
// provides helpers for parsing tunnel specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	ncerr "sockrepl/internal/errors"
	"sockrepl/tunnel"
	"sockrepl/util"
)

// Config holds every tuneable for a sockrepl process, in either server
// or client (--connect) mode.
type Config struct {
	// ── Listener / destination ───────────────────────────────────────
	Host       string
	Port       int
	UnixSocket string // serve on (or connect to) a Unix socket instead of TCP

	// ── Server ───────────────────────────────────────────────────────
	MaxSessions  int
	PollInterval time.Duration
	DrainTimeout time.Duration // 0 = wait for every client
	GracePeriod  time.Duration

	// ── REPL ─────────────────────────────────────────────────────────
	Prompt             string
	ContinuationPrompt string
	Banner             string
	RoutePrint         bool // print() goes to the client, not the console

	// ── Client ───────────────────────────────────────────────────────
	Connect bool
	Timeout time.Duration
	Retries int

	// ── SSH tunnel (client only) ─────────────────────────────────────
	TunnelSpec     string // raw user@host[:port] from -T
	TunnelEnabled  bool
	TunnelUser     string
	TunnelHost     string
	TunnelPort     int
	SSHAuth        []string // method order: key, agent, password
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Output ───────────────────────────────────────────────────────
	Verbose    int
	Timestamps bool
	EnvFile    string
	DryRun     bool
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		Host:               DefaultHost,
		Port:               DefaultPort,
		PollInterval:       DefaultPollInterval,
		GracePeriod:        DefaultGracePeriod,
		Prompt:             DefaultPrompt,
		ContinuationPrompt: DefaultContinuationPrompt,
		Banner:             DefaultBanner,
		Timeout:            DefaultConnTimeout,
		Retries:            DefaultRetries,
	}
}

// Network returns "unix" when a socket path is set, otherwise "tcp".
func (c *Config) Network() string {
	if c.UnixSocket != "" {
		return "unix"
	}
	return "tcp"
}

// Address returns the socket path or host:port.
func (c *Config) Address() string {
	if c.UnixSocket != "" {
		return c.UnixSocket
	}
	return util.FormatAddr(c.Host, c.Port)
}

// ApplyTunnelSpec parses TunnelSpec into the Tunnel* fields.  An empty
// spec leaves the tunnel disabled.
func (c *Config) ApplyTunnelSpec() error {
	if c.TunnelSpec == "" {
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return &ncerr.ConfigError{
			Field:   "tunnel",
			Value:   c.TunnelSpec,
			Message: err.Error(),
			Hint:    "expected [user@]host[:port], e.g. -T admin@bastion:2222",
		}
	}
	c.TunnelEnabled = true
	c.TunnelUser = user
	c.TunnelHost = host
	c.TunnelPort = port
	return nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Failures are *errors.ConfigError values carrying a hint.
func (c *Config) Validate() error {
	if c.UnixSocket == "" {
		if c.Host == "" {
			return &ncerr.ConfigError{
				Field:   "host",
				Message: "is required",
				Hint:    "use 127.0.0.1 for local clients only, 0.0.0.0 to listen on all interfaces",
			}
		}
		lowest := 0 // a server may ask for an ephemeral port
		if c.Connect {
			lowest = 1
		}
		if c.Port < lowest || c.Port > 65535 {
			return &ncerr.ConfigError{
				Field:   "port",
				Value:   c.Port,
				Message: fmt.Sprintf("out of range %d-65535", lowest),
				Hint:    fmt.Sprintf("the default is %d", DefaultPort),
			}
		}
	}

	if c.MaxSessions < 0 {
		return &ncerr.ConfigError{Field: "max-sessions", Value: c.MaxSessions,
			Message: "must not be negative", Hint: "use 0 for no limit"}
	}
	if c.PollInterval <= 0 {
		return &ncerr.ConfigError{Field: "poll-interval", Value: c.PollInterval,
			Message: "must be positive", Hint: "e.g. --poll-interval 1s"}
	}
	if c.DrainTimeout < 0 {
		return &ncerr.ConfigError{Field: "drain-timeout", Value: c.DrainTimeout,
			Message: "must not be negative", Hint: "use 0 to wait for every client"}
	}
	if c.GracePeriod < 0 {
		return &ncerr.ConfigError{Field: "grace-period", Value: c.GracePeriod,
			Message: "must not be negative"}
	}
	if c.Retries < 0 {
		return &ncerr.ConfigError{Field: "retries", Value: c.Retries,
			Message: "must not be negative"}
	}

	if c.TunnelEnabled {
		if !c.Connect {
			return &ncerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec,
				Message: "only applies to client mode", Hint: "add --connect"}
		}
		if c.UnixSocket != "" {
			return &ncerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec,
				Message: "cannot forward a Unix socket", Hint: "connect over TCP with --host/--port"}
		}
		if c.TunnelHost == "" {
			return &ncerr.ConfigError{Field: "tunnel", Message: "tunnel host is required"}
		}
	}
	for _, m := range c.SSHAuth {
		if !tunnel.IsAuthMethod(m) {
			return &ncerr.ConfigError{Field: "ssh-auth", Value: m,
				Message: "unknown authentication method",
				Hint:    "use a comma-separated list of key, agent, password"}
		}
	}
	return nil
}
