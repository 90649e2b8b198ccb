package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, .env files and environment variable loading.

const (
	// DefaultHost keeps the shell off the network unless asked: anyone
	// who can connect can run code.
	DefaultHost = "127.0.0.1"

	// DefaultPort is the TCP port the server listens on.
	DefaultPort = 1337

	// DefaultPollInterval is how often the accept loop checks the
	// shutdown flag.
	DefaultPollInterval = time.Second

	// DefaultGracePeriod is how long an interrupted server waits for
	// clients before closing their connections.
	DefaultGracePeriod = 5 * time.Second

	DefaultPrompt             = ">>> "
	DefaultContinuationPrompt = "... "

	// DefaultBanner is written to every client after the notice.
	DefaultBanner = "sockrepl: Starlark over a socket. Send a blank line or call exit() to leave."

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultConnTimeout is the TCP/SSH connection timeout for the
	// client.
	DefaultConnTimeout = 30 * time.Second

	// DefaultRetries is how many times the client retries a refused
	// dial (0 = single attempt).
	DefaultRetries = 0
)
