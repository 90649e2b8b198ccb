package capability

import (
	"context"

	"sockrepl/internal/session"
	"sockrepl/util"
)

// Relay copies data bidirectionally between the connection and the
// session's stdin/stdout.  It is the thin client used by --connect.
type Relay struct{}

// Handle shuttles bytes between the network connection and the local
// I/O endpoints until the server closes or the context is cancelled.
func (r *Relay) Handle(ctx context.Context, sess *session.Session) error {
	return util.BidirectionalCopy(ctx, sess.Conn, sess.Stdin, sess.Stdout)
}
