// Package capability defines what happens over an established
// connection.  Each Capability encapsulates a single behaviour and
// operates on a Session rather than a raw net.Conn, which keeps
// capabilities testable and decoupled from transport details.
//
// The server's REPL engine (internal/repl) is a Capability; the client
// side uses Relay.
package capability

import (
	"context"

	"sockrepl/internal/session"
)

// Capability handles a single connection according to a specific
// behaviour.
type Capability interface {
	// Handle runs the capability against the given session.
	// It blocks until the connection is done or the context is
	// cancelled.
	Handle(ctx context.Context, sess *session.Session) error
}
