// Package core is the orchestration layer.  It composes the server
// packages into complete operational modes and provides a builder that
// selects the right mode from a Config.
//
// Architecture layers (bottom → top):
//
//	transport  →  session  →  repl/eval  →  server  →  core  →  cmd (CLI)
//
// Build is the single dispatch point between serving the REPL and
// connecting to one as a client.
package core

import "context"

// Mode represents a complete operational mode of sockrepl (serve or
// connect).  Each mode owns its full lifecycle from setup to teardown.
type Mode interface {
	Run(ctx context.Context) error
}
