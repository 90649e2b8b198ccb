package tunnel

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	ncerr "sockrepl/internal/errors"
)

// Authentication method names accepted by --ssh-auth.
const (
	AuthKey      = "key"
	AuthAgent    = "agent"
	AuthPassword = "password"
)

// IsAuthMethod reports whether name is a known authentication method.
func IsAuthMethod(name string) bool {
	switch name {
	case AuthKey, AuthAgent, AuthPassword:
		return true
	}
	return false
}

// defaultKeyFiles are tried, in order, when "key" is requested without
// an explicit --ssh-key.
var defaultKeyFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// SecretFunc reads a password or key passphrase after showing prompt.
type SecretFunc func(prompt string) ([]byte, error)

// authChain is the ordered list of methods offered to the jump host,
// plus the agent connection that must outlive the handshake.
type authChain struct {
	methods []ssh.AuthMethod
	names   []string
	agent   net.Conn
}

func (a *authChain) Close() error {
	if a == nil || a.agent == nil {
		return nil
	}
	return a.agent.Close()
}

// authOrder returns the methods to try.  An explicit AuthOrder wins;
// otherwise the flags that were set are tried in key, agent, password
// order; with none set the agent and default key files are probed.
func authOrder(cfg *SSHConfig) (order []string, explicit bool) {
	if len(cfg.AuthOrder) > 0 {
		return cfg.AuthOrder, true
	}
	if cfg.KeyPath != "" {
		order = append(order, AuthKey)
	}
	if cfg.UseAgent {
		order = append(order, AuthAgent)
	}
	if cfg.PromptPass {
		order = append(order, AuthPassword)
	}
	if len(order) > 0 {
		return order, true
	}
	return []string{AuthAgent, AuthKey}, false
}

// buildAuth assembles the authentication chain.  Methods that were
// asked for explicitly must be usable; probed ones are skipped
// quietly.  Failures are *errors.SSHError with Op "auth".
func buildAuth(cfg *SSHConfig) (*authChain, error) {
	order, explicit := authOrder(cfg)
	chain := &authChain{}

	for _, name := range order {
		var err error
		switch name {
		case AuthKey:
			err = chain.addKeys(cfg, explicit)
		case AuthAgent:
			err = chain.addAgent()
		case AuthPassword:
			chain.addPassword(cfg)
		default:
			err = fmt.Errorf("unknown method %q (want %s, %s or %s)",
				name, AuthKey, AuthAgent, AuthPassword)
		}
		if err != nil && explicit {
			chain.Close()
			return nil, cfg.sshError("auth", err)
		}
	}

	if len(chain.methods) == 0 {
		return nil, cfg.sshError("auth", fmt.Errorf(
			"no authentication methods available: use --ssh-key, --ssh-agent or --ssh-password"))
	}
	return chain, nil
}

func (a *authChain) add(name string, m ssh.AuthMethod) {
	a.names = append(a.names, name)
	a.methods = append(a.methods, m)
}

func (a *authChain) addKeys(cfg *SSHConfig, explicit bool) error {
	if cfg.KeyPath != "" {
		signer, err := loadKey(cfg.KeyPath, cfg.secret())
		if err != nil {
			return fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		a.add(AuthKey, ssh.PublicKeys(signer))
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("locating home directory: %w", err)
	}
	var signers []ssh.Signer
	for _, name := range defaultKeyFiles {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		// encrypted default keys are skipped rather than prompted for
		if signer, err := loadKey(p, nil); err == nil {
			signers = append(signers, signer)
		}
	}
	if len(signers) == 0 {
		if explicit {
			return fmt.Errorf("no usable key in ~/.ssh; pass --ssh-key")
		}
		return nil
	}
	a.add(AuthKey, ssh.PublicKeys(signers...))
	return nil
}

func (a *authChain) addAgent() error {
	if a.agent != nil {
		return nil
	}
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return fmt.Errorf("ssh-agent: SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return fmt.Errorf("ssh-agent at %s: %w", sock, err)
	}
	a.agent = conn
	a.add(AuthAgent, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	return nil
}

// addPassword defers the prompt until the jump host actually asks.
func (a *authChain) addPassword(cfg *SSHConfig) {
	read := cfg.secret()
	prompt := fmt.Sprintf("%s@%s password: ", cfg.User, cfg.Host)
	a.add(AuthPassword, ssh.PasswordCallback(func() (string, error) {
		pass, err := read(prompt)
		return string(pass), err
	}))
}

// loadKey parses a private key, asking for its passphrase when it is
// encrypted and read is non-nil.
func loadKey(path string, read SecretFunc) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !ncerr.As(err, &missing) || read == nil {
		return nil, err
	}
	pass, err := read(fmt.Sprintf("passphrase for %s: ", path))
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKeyWithPassphrase(data, pass)
}

// terminalSecret prompts on stderr and reads without echo.  Stdin is
// also the relayed session input, so a piped stdin is never consumed
// as a password.
func terminalSecret(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("cannot prompt (%s): stdin is not a terminal", strings.TrimSuffix(prompt, ": "))
	}
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return pass, err
}

// ── host-key verification ────────────────────────────────────────────

// hostKeyCallback verifies the jump host against known_hosts when
// StrictHostKey is set.  Failures are *errors.SSHError with Op
// "hostkey".
func hostKeyCallback(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // user opted out of host key checking
		return ssh.InsecureIgnoreHostKey(), nil
	}

	khFile := cfg.KnownHosts
	if khFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, cfg.sshError("hostkey", fmt.Errorf("locating home directory: %w", err))
		}
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(khFile)
	if err != nil {
		return nil, cfg.sshError("hostkey", fmt.Errorf("known_hosts %s: %w", khFile, err))
	}
	return cb, nil
}
