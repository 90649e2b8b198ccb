// Package server accepts client connections and runs one session per
// connection until a shutdown is requested and every client has left.
//
// Two loops run side by side: the accept loop hands each new connection
// to its own goroutine and never waits on a session; the watch loop
// polls the shutdown flag and closes the listener once it is set.
package server

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"sockrepl/internal/capability"
	"sockrepl/internal/errors"
	"sockrepl/internal/metrics"
	"sockrepl/internal/retry"
	"sockrepl/internal/session"
	"sockrepl/internal/shutdown"
	"sockrepl/util"
)

const (
	DefaultGracePeriod = 5 * time.Second
	// closeWait bounds how long Serve waits for sessions to notice
	// their connection was force-closed.
	closeWait = 2 * time.Second
)

// Server is the connection dispatcher.
type Server struct {
	Network string // "tcp" or "unix"
	Address string

	// MaxSessions caps concurrent connections; further clients wait in
	// the kernel backlog.  Zero means no cap.
	MaxSessions int

	PollInterval time.Duration // shutdown flag check interval
	DrainTimeout time.Duration // zero waits for every client to leave
	GracePeriod  time.Duration // wait after an interrupt before closing clients

	Handler  capability.Capability
	Shutdown *shutdown.Coordinator
	Metrics  *metrics.Collector
	Logger   *util.Logger

	mu   sync.Mutex
	ln   net.Listener
	live map[*session.Session]struct{}
	wg   sync.WaitGroup
}

// Listen binds the listening socket.  A stale Unix socket file left by a
// previous run is removed first.
func (s *Server) Listen() error {
	network := s.Network
	if network == "" {
		network = "tcp"
	}
	if network == "unix" {
		if err := removeStaleSocket(s.Address); err != nil {
			return err
		}
	}

	ln, err := net.Listen(network, s.Address)
	if err != nil {
		return errors.Wrap("listen", s.Address, err)
	}
	if s.MaxSessions > 0 {
		ln = netutil.LimitListener(ln, s.MaxSessions)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Run is Listen followed by Serve.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until shutdown is requested (or ctx is
// cancelled, which requests it), then waits for live sessions to end.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.ErrNotConnected
	}
	if s.Shutdown == nil {
		s.Shutdown = shutdown.New()
	}

	s.Logger.Info("listening on %s", ln.Addr())

	// Sessions outlive the accept loop; they are only cancelled when
	// the drain gives up on them.
	sessCtx, cancelSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSessions()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx, sessCtx, ln) })
	g.Go(func() error { return s.watch(ctx, gctx, ln) })
	err := g.Wait()

	s.drain(ctx, cancelSessions)
	s.Logger.Info("server stopped")
	return err
}

// watch closes the listener once shutdown is requested.
func (s *Server) watch(parent, ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	if err := s.Shutdown.Poll(ctx, s.PollInterval); err != nil {
		if parent.Err() == nil {
			// accept loop failed; nothing to announce
			return nil
		}
		if s.Shutdown.Request("interrupted") {
			s.Metrics.ShutdownRequested()
		}
	}
	s.Logger.Info("Shutting down.")
	return nil
}

func (s *Server) acceptLoop(ctx, sessCtx context.Context, ln net.Listener) error {
	b := retry.AcceptBackoff()
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.Logger.Warn("accept: %v (retry %d in %s)", err, attempt, wait)
	}

	for {
		var conn net.Conn
		err := b.Do(ctx, func(int) error {
			c, err := ln.Accept()
			if err != nil {
				if s.Shutdown.Requested() || !errors.IsTemporary(err) {
					return retry.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		})
		if err != nil {
			if s.Shutdown.Requested() || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return errors.ErrServerClosed
			}
			return errors.Wrap("accept", ln.Addr().String(), err)
		}

		if s.Shutdown.Requested() {
			s.Logger.Verbose("refusing %s: shutting down", conn.RemoteAddr())
			conn.Close()
			return nil
		}
		s.spawn(sessCtx, conn)
	}
}

// spawn serves conn on its own goroutine.
func (s *Server) spawn(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, s.Logger, s.Metrics)

	s.mu.Lock()
	if s.live == nil {
		s.live = make(map[*session.Session]struct{})
	}
	s.live[sess] = struct{}{}
	s.mu.Unlock()
	s.Metrics.SessionOpened()
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.live, sess)
			s.mu.Unlock()
			s.Metrics.SessionClosed()
		}()
		defer sess.Close()
		defer func() {
			if r := recover(); r != nil {
				s.Metrics.Fault(fmt.Sprint(r))
				sess.Logger.Error("panic: %v\n%s", r, debug.Stack())
			}
		}()

		sess.Logger.Info("connection from %s", sess.RemoteAddr())
		if err := s.Handler.Handle(ctx, sess); err != nil && !errors.IsDisconnect(err) {
			s.Metrics.Fault(err.Error())
			sess.Logger.Error("%v", err)
		}
	}()
}

// drain waits for live sessions.  With a DrainTimeout, or once ctx is
// cancelled and the grace period has passed, remaining connections are
// closed.
func (s *Server) drain(ctx context.Context, cancelSessions context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	if n := s.Sessions(); n > 0 {
		s.Logger.Info("waiting for %d session(s) to disconnect", n)
	}

	var deadline <-chan time.Time
	if s.DrainTimeout > 0 {
		t := time.NewTimer(s.DrainTimeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-done:
		return
	case <-deadline:
		s.Logger.Warn("drain timeout (%s) reached", s.DrainTimeout)
	case <-ctx.Done():
		grace := s.GracePeriod
		if grace <= 0 {
			grace = DefaultGracePeriod
		}
		s.Logger.Warn("interrupted: closing sessions in %s", grace)
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-done:
			return
		case <-t.C:
		}
	}

	s.closeAll(cancelSessions)
	select {
	case <-done:
	case <-time.After(closeWait):
		s.Logger.Error("%d session(s) did not exit", s.Sessions())
	}
}

// closeAll cancels every session and closes its connection.  The
// live set is copied first; Close runs without s.mu held.
func (s *Server) closeAll(cancelSessions context.CancelFunc) {
	cancelSessions()
	s.mu.Lock()
	live := make([]*session.Session, 0, len(s.live))
	for sess := range s.live {
		live = append(live, sess)
	}
	s.mu.Unlock()

	if len(live) > 0 {
		s.Logger.Warn("closing %d session(s)", len(live))
	}
	for _, sess := range live {
		sess.Close() //nolint:errcheck
	}
}
