package transport

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"sockrepl/internal/errors"
	"sockrepl/internal/metrics"
)

// asciiOnly drops every rune outside 7-bit ASCII.  Invalid UTF-8 is
// decoded as U+FFFD and therefore dropped as well.
func asciiOnly() transform.Transformer {
	return runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII }))
}

// Line frames a stream connection as newline-terminated ASCII text.
// Reads and writes may come from different goroutines; writes are
// serialised and reach the socket before Write returns.  Close never
// waits for a write in progress.
type Line struct {
	conn    net.Conn
	reader  *bufio.Reader
	metrics *metrics.Collector

	wmu    sync.Mutex // serialises writes only
	closed atomic.Bool
	eof    atomic.Bool
}

// NewLine wraps conn.  m may be nil.
func NewLine(conn net.Conn, m *metrics.Collector) *Line {
	counted := &countingReader{r: conn, m: m}
	return &Line{
		conn:    conn,
		reader:  bufio.NewReader(transform.NewReader(counted, asciiOnly())),
		metrics: m,
	}
}

// Write sends text immediately.  Writes after Close are dropped.
func (l *Line) Write(text string) error {
	out, _, err := transform.String(asciiOnly(), text)
	if err != nil {
		return err
	}

	if l.closed.Load() {
		return nil
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if l.closed.Load() {
		return nil
	}
	n, err := io.WriteString(l.conn, out)
	l.metrics.BytesSent(int64(n))
	return err
}

// WriteLine sends text followed by a newline.
func (l *Line) WriteLine(text string) error {
	return l.Write(text + "\n")
}

// ReadLine blocks for the next line and returns it without its line
// terminator.  An empty line, or end of stream with nothing buffered,
// means the peer is gone and yields errors.ErrPeerClosed.  A trailing
// fragment without a newline is returned once before that.
func (l *Line) ReadLine() (string, error) {
	if l.closed.Load() || l.eof.Load() {
		return "", errors.ErrPeerClosed
	}

	raw, err := l.reader.ReadString('\n')
	if err != nil {
		l.eof.Store(true)
		if raw == "" {
			if errors.IsDisconnect(err) {
				return "", errors.ErrPeerClosed
			}
			return "", err
		}
		// fragment before EOF; the next call reports the close
		if line := strings.TrimSuffix(raw, "\r"); line != "" {
			return line, nil
		}
		return "", errors.ErrPeerClosed
	}

	line := strings.TrimSuffix(strings.TrimSuffix(raw, "\n"), "\r")
	if line == "" {
		return "", errors.ErrPeerClosed
	}
	return line, nil
}

// Close marks the transport closed and closes the connection, which
// fails any write blocked on a peer that stopped reading.  It is safe
// to call more than once.
func (l *Line) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.conn.Close()
}

// Closed reports whether Close has been called.
func (l *Line) Closed() bool { return l.closed.Load() }

type countingReader struct {
	r io.Reader
	m *metrics.Collector
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.m.BytesReceived(int64(n))
	return n, err
}
