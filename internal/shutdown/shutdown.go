// Package shutdown holds the server-wide halt flag.  Any session may
// request a shutdown; the accept loop polls the flag and stops taking
// new connections once it is set.  The flag is write-once: there is no
// way to cancel a requested shutdown.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is how often Poll re-checks the flag.
const DefaultPollInterval = time.Second

// Coordinator is safe for concurrent use.  The zero value is ready.
type Coordinator struct {
	requested atomic.Bool
	once      sync.Once
	done      chan struct{}
	initOnce  sync.Once

	mu     sync.Mutex
	reason string
	at     time.Time
}

// New returns a ready Coordinator.
func New() *Coordinator {
	c := &Coordinator{}
	c.init()
	return c
}

func (c *Coordinator) init() {
	c.initOnce.Do(func() { c.done = make(chan struct{}) })
}

// Request sets the flag.  It reports true only for the call that
// actually flipped it; later calls are no-ops and keep the first reason.
func (c *Coordinator) Request(reason string) bool {
	c.init()
	if !c.requested.CompareAndSwap(false, true) {
		return false
	}
	c.mu.Lock()
	c.reason = reason
	c.at = time.Now()
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return true
}

// Requested reports whether a shutdown has been requested.
func (c *Coordinator) Requested() bool { return c.requested.Load() }

// Done returns a channel closed when the flag is set.
func (c *Coordinator) Done() <-chan struct{} {
	c.init()
	return c.done
}

// Reason returns the reason passed to the first Request.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// RequestedAt returns when the flag was set (zero if it is not).
func (c *Coordinator) RequestedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

// Poll blocks until the flag is set or ctx is done, checking every
// interval.  It returns nil once the flag is observed and ctx.Err()
// otherwise.
func (c *Coordinator) Poll(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := c.Done()
	for {
		if c.Requested() {
			return nil
		}
		select {
		case <-ctx.Done():
			if c.Requested() {
				return nil
			}
			return ctx.Err()
		case <-done:
		case <-ticker.C:
		}
	}
}
