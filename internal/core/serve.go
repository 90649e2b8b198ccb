package core

import (
	"context"

	"sockrepl/internal/server"
	"sockrepl/util"
)

// ServeMode runs the REPL server until a client requests a shutdown or
// the process is interrupted, and every client has left.
type ServeMode struct {
	Server *server.Server
	Logger *util.Logger
}

// Run binds the listener and serves.  Cancelling ctx requests a
// shutdown; Run returns once the server has drained.
func (m *ServeMode) Run(ctx context.Context) error {
	if err := m.Server.Listen(); err != nil {
		return err
	}
	err := m.Server.Serve(ctx)
	m.Logger.Verbose("final stats:\n%s", m.Server.Metrics.JSON())
	return err
}
