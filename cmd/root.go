// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	"sockrepl/config"
	"sockrepl/internal/core"
	"sockrepl/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X sockrepl/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// options are the flags that steer the CLI itself rather than the
// configuration.
type options struct {
	showVersion bool
	showHelp    bool
}

// Execute parses args and runs the selected sockrepl mode.
func Execute(ctx context.Context, args []string) error {
	cfg, opts, fs, err := parseConfig(args)
	if err != nil {
		return err
	}

	if opts.showHelp {
		printUsage(os.Stderr, fs)
		return nil
	}
	if opts.showVersion {
		fmt.Printf("sockrepl %s\n", version)
		return nil
	}

	// The console must show server lifecycle lines ("Shutting down.")
	// even without -v.
	if !cfg.Connect && cfg.Verbose < int(util.LogNormal) {
		cfg.Verbose = int(util.LogNormal)
	}
	logger := util.NewLogger(cfg.Verbose)
	if cfg.Timestamps {
		logger.SetTimestamps(true)
	}

	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}

	if cfg.DryRun {
		printDryRun(os.Stdout, cfg)
		return nil
	}
	return mode.Run(ctx)
}

// parseConfig resolves the configuration in precedence order: flags,
// then SOCKREPL_* variables, then the --env-file, then defaults.
//
// Flags are parsed twice.  The first pass only discovers --env-file;
// the second pass runs over a Config already seeded from the
// environment so that explicit flags win.
func parseConfig(args []string) (*config.Config, *options, *flag.FlagSet, error) {
	probe := config.Default()
	fs := newFlagSet(probe, &options{})
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}
	if err := config.LoadEnvFile(probe.EnvFile); err != nil {
		return nil, nil, nil, err
	}

	cfg := config.Default()
	config.LoadFromEnv(cfg)
	envVerbose := cfg.Verbose // CountVarP resets its target
	opts := &options{}
	fs = newFlagSet(cfg, opts)
	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}
	if !fs.Changed("verbose") {
		cfg.Verbose = envVerbose
	}

	if err := parsePositional(cfg, fs.Args()); err != nil {
		return nil, nil, nil, err
	}
	return cfg, opts, fs, nil
}

func newFlagSet(cfg *config.Config, opts *options) *flag.FlagSet {
	fs := flag.NewFlagSet("sockrepl", flag.ContinueOnError)

	// ── listener ─────────────────────────────────────────────────
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Address to listen on (or connect to)")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "TCP port")
	fs.StringVar(&cfg.UnixSocket, "unix", cfg.UnixSocket, "Use a Unix socket at this path instead of TCP")

	// ── server ───────────────────────────────────────────────────
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "Maximum concurrent clients (0 = unlimited)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "How often to check for a shutdown request")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "Stop waiting for clients after shutdown (0 = wait forever)")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Wait this long for clients after an interrupt")

	// ── REPL ─────────────────────────────────────────────────────
	fs.StringVar(&cfg.Prompt, "prompt", cfg.Prompt, "Primary prompt")
	fs.StringVar(&cfg.ContinuationPrompt, "prompt2", cfg.ContinuationPrompt, "Continuation prompt")
	fs.StringVar(&cfg.Banner, "banner", cfg.Banner, "Greeting sent to each client (empty to disable)")
	fs.BoolVar(&cfg.RoutePrint, "route-print", cfg.RoutePrint, "Send print() output to the client instead of the console")

	// ── client ───────────────────────────────────────────────────
	fs.BoolVarP(&cfg.Connect, "connect", "C", cfg.Connect, "Connect to a sockrepl server instead of serving")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Connection timeout")
	fs.IntVar(&cfg.Retries, "retries", cfg.Retries, "Retry a failed dial this many times")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Connect through an SSH jump host [user@]host[:port]")
	fs.StringSliceVar(&cfg.SSHAuth, "ssh-auth", cfg.SSHAuth, "SSH auth methods to try, in order (key,agent,password)")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.Timestamps, "timestamps", cfg.Timestamps, "Prefix log lines with timestamps")
	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "Load SOCKREPL_* variables from this file")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate the configuration and exit")

	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&opts.showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(os.Stderr, fs) }
	return fs
}

// ── helpers ──────────────────────────────────────────────────────────

// parsePositional accepts an optional [host] [port], or a single
// host:port, after the flags.
func parsePositional(cfg *config.Config, remaining []string) error {
	switch len(remaining) {
	case 0:
		return nil
	case 1, 2:
		if len(remaining) == 1 && strings.Contains(remaining[0], ":") {
			host, port, err := util.SplitAddr(remaining[0])
			if err != nil {
				return err
			}
			cfg.Host, cfg.Port = host, port
			return nil
		}
		cfg.Host = remaining[0]
		if len(remaining) == 2 {
			port, err := strconv.Atoi(remaining[1])
			if err != nil {
				return fmt.Errorf("port %q: not a number", remaining[1])
			}
			cfg.Port = port
		}
		return nil
	default:
		return fmt.Errorf("too many arguments (use --help for usage)")
	}
}

func printDryRun(w io.Writer, cfg *config.Config) {
	mode := "serve"
	if cfg.Connect {
		mode = "connect"
	}
	fmt.Fprintf(w, "mode:     %s\n", mode)
	fmt.Fprintf(w, "address:  %s://%s\n", cfg.Network(), cfg.Address())
	if cfg.Connect {
		if cfg.TunnelEnabled {
			fmt.Fprintf(w, "tunnel:   %s@%s\n", cfg.TunnelUser, util.FormatAddr(cfg.TunnelHost, cfg.TunnelPort))
		}
		fmt.Fprintf(w, "timeout:  %s\n", cfg.Timeout)
		fmt.Fprintf(w, "retries:  %d\n", cfg.Retries)
		return
	}
	fmt.Fprintf(w, "sessions: %s\n", limit(cfg.MaxSessions))
	fmt.Fprintf(w, "poll:     %s\n", cfg.PollInterval)
	fmt.Fprintf(w, "drain:    %s\n", drain(cfg))
}

func limit(n int) string {
	if n == 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}

func drain(cfg *config.Config) string {
	if cfg.DrainTimeout == 0 {
		return "until every client leaves"
	}
	return cfg.DrainTimeout.String()
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `sockrepl v%s

An interactive Starlark shell served over TCP or a Unix socket.

Usage:
  sockrepl [options] [host] [port]            Serve the REPL
  sockrepl -C [options] [host] [port]         Connect to a server
  sockrepl -C -T user@jump [host] [port]      Connect through an SSH jump host

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Environment:
  Every option can also be set as %[1]sNAME (e.g. %[1]sPORT=9000).
  Flags win over the environment, which wins over --env-file.

Examples:
  sockrepl                                    Serve on 127.0.0.1:1337
  sockrepl --unix /tmp/repl.sock              Serve on a Unix socket
  sockrepl -C                                 Connect to the local server
  nc 127.0.0.1 1337                           Any line-based client works
`, config.EnvPrefix)
}
