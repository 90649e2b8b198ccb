// Package session represents a single connection lifecycle, binding a
// network connection with its I/O endpoints and identity.
//
// Capabilities operate on sessions rather than raw connections.  On the
// server a session speaks through its line transport; in client mode
// the relay uses Stdin/Stdout instead.
package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sockrepl/internal/metrics"
	"sockrepl/internal/router"
	"sockrepl/internal/transport"
	"sockrepl/util"
)

// Session encapsulates the runtime context for a single connection.
type Session struct {
	ID      string
	Conn    net.Conn
	Line    *transport.Line
	Stdin   io.Reader
	Stdout  io.Writer
	Logger  *util.Logger
	Started time.Time

	closed atomic.Bool
}

// New creates a server-side Session for an accepted connection.  The
// session gets a fresh id and a logger named after it.
func New(conn net.Conn, logger *util.Logger, m *metrics.Collector) *Session {
	id := uuid.NewString()
	return &Session{
		ID:      id,
		Conn:    conn,
		Line:    transport.NewLine(conn, m),
		Logger:  logger.Named(ShortID(id)),
		Started: time.Now(),
	}
}

// NewRelay creates a client-side Session bound to the given connection
// and local I/O pair.
func NewRelay(conn net.Conn, stdin io.Reader, stdout io.Writer, logger *util.Logger) *Session {
	return &Session{
		ID:      uuid.NewString(),
		Conn:    conn,
		Stdin:   stdin,
		Stdout:  stdout,
		Logger:  logger,
		Started: time.Now(),
	}
}

// ShortID returns the first block of a session id, enough to tell
// sessions apart in logs.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Context returns ctx bound to this session for output routing.
func (s *Session) Context(ctx context.Context) context.Context {
	return router.NewContext(ctx, s.ID)
}

// Emit writes one displayable value to the client.  It is the session's
// router sink.
func (s *Session) Emit(v any) {
	if s.Closed() || s.Line == nil {
		return
	}
	if err := s.Line.WriteLine(fmt.Sprint(v)); err != nil {
		s.Logger.Debug("emit: %v", err)
	}
}

// RemoteAddr returns the peer address, or "unknown".
func (s *Session) RemoteAddr() string {
	if s.Conn == nil || s.Conn.RemoteAddr() == nil {
		return "unknown"
	}
	return s.Conn.RemoteAddr().String()
}

// Close tears the connection down.  Only the first call has an effect.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.Line != nil {
		return s.Line.Close()
	}
	if s.Conn != nil {
		return s.Conn.Close()
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.closed.Load() }

// Uptime returns how long the session has been open.
func (s *Session) Uptime() time.Duration { return time.Since(s.Started) }
