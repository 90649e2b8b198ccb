// Package metrics provides lightweight, lock-free counters for tracking
// runtime statistics of a sockrepl server.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks server-wide session metrics.
type Collector struct {
	sessionsActive atomic.Int64
	sessionsTotal  atomic.Int64
	statements     atomic.Int64
	evalErrors     atomic.Int64
	faults         atomic.Int64
	bytesIn        atomic.Int64
	bytesOut       atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	shutdownAt   time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total counters.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed decrements the active session counter.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// ActiveSessions returns the number of sessions currently connected.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// ── Evaluation metrics ───────────────────────────────────────────────

// StatementEvaluated counts one complete statement handed to the
// evaluator.
func (c *Collector) StatementEvaluated() {
	if c == nil {
		return
	}
	c.statements.Add(1)
}

// Statements returns the number of statements evaluated.
func (c *Collector) Statements() int64 {
	if c == nil {
		return 0
	}
	return c.statements.Load()
}

// EvalError records an evaluation-time error reported in-band to a
// client.
func (c *Collector) EvalError(msg string) {
	if c == nil {
		return
	}
	c.evalErrors.Add(1)
	c.setLastError(msg)
}

// EvalErrors returns the number of evaluation errors.
func (c *Collector) EvalErrors() int64 {
	if c == nil {
		return 0
	}
	return c.evalErrors.Load()
}

// Fault records a worker-level failure that dropped a connection.
func (c *Collector) Fault(msg string) {
	if c == nil {
		return
	}
	c.faults.Add(1)
	c.setLastError(msg)
}

// Faults returns the number of contained worker faults.
func (c *Collector) Faults() int64 {
	if c == nil {
		return 0
	}
	return c.faults.Load()
}

func (c *Collector) setLastError(msg string) {
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from a client.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to a client.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Shutdown ─────────────────────────────────────────────────────────

// ShutdownRequested stamps the time the drain started.  Only the first
// call has an effect.
func (c *Collector) ShutdownRequested() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.shutdownAt.IsZero() {
		c.shutdownAt = time.Now()
	}
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	SessionsActive   int64  `json:"sessions_active"`
	SessionsTotal    int64  `json:"sessions_total"`
	Statements       int64  `json:"statements"`
	EvalErrors       int64  `json:"eval_errors"`
	Faults           int64  `json:"faults"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	ShutdownAt       string `json:"shutdown_at,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:         time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive: c.sessionsActive.Load(),
		SessionsTotal:  c.sessionsTotal.Load(),
		Statements:     c.statements.Load(),
		EvalErrors:     c.evalErrors.Load(),
		Faults:         c.faults.Load(),
		BytesIn:        c.bytesIn.Load(),
		BytesOut:       c.bytesOut.Load(),
	}
	if !c.shutdownAt.IsZero() {
		s.ShutdownAt = c.shutdownAt.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
