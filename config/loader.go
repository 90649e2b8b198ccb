package config

// loader.go - configuration loading from the environment.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. .env file  (--env-file; never overrides real variables)
//   4. Defaults   (defaults.go)

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every supported variable name.
const EnvPrefix = "SOCKREPL_"

// LoadEnvFile reads KEY=value pairs from path into the process
// environment.  Variables that are already set keep their value.  An
// empty path is a no-op.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Boolean values accept "1", "true", "yes" (case-insensitive).
// Durations accept Go syntax ("500ms", "2m") or whole seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty,
// well-formed values override the existing value.  Call it BEFORE CLI
// flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := env("HOST"); v != "" {
		cfg.Host = v
	}
	if v, ok := envInt("PORT"); ok {
		cfg.Port = v
	}
	if v := env("UNIX"); v != "" {
		cfg.UnixSocket = v
	}
	if v, ok := envInt("MAX_SESSIONS"); ok {
		cfg.MaxSessions = v
	}
	if v, ok := envDuration("POLL_INTERVAL"); ok {
		cfg.PollInterval = v
	}
	if v, ok := envDuration("DRAIN_TIMEOUT"); ok {
		cfg.DrainTimeout = v
	}
	if v, ok := envDuration("GRACE_PERIOD"); ok {
		cfg.GracePeriod = v
	}

	// REPL
	if v, ok := os.LookupEnv(EnvPrefix + "PROMPT"); ok {
		cfg.Prompt = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "PROMPT2"); ok {
		cfg.ContinuationPrompt = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "BANNER"); ok {
		cfg.Banner = v
	}
	if envBool("ROUTE_PRINT") {
		cfg.RoutePrint = true
	}

	// Client
	if v, ok := envDuration("TIMEOUT"); ok {
		cfg.Timeout = v
	}
	if v, ok := envInt("RETRIES"); ok {
		cfg.Retries = v
	}

	// SSH tunnel
	if v := env("TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := env("SSH_AUTH"); v != "" {
		cfg.SSHAuth = splitList(v)
	}
	if v := env("SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := env("KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if v, ok := envInt("VERBOSE"); ok && v > 0 {
		cfg.Verbose = v
	}
	if envBool("TIMESTAMPS") {
		cfg.Timestamps = true
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func env(key string) string {
	return os.Getenv(EnvPrefix + key)
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func envInt(key string) (int, bool) {
	v := env(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) bool {
	v := strings.ToLower(env(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) (time.Duration, bool) {
	v := env(key)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if sec, err := strconv.Atoi(v); err == nil {
		return time.Duration(sec) * time.Second, true
	}
	return 0, false
}
