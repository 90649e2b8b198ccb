package transport

import (
	"context"
	"net"
	"time"

	"sockrepl/internal/errors"
)

// TCPDialer connects directly to a sockrepl server, over TCP or a Unix
// socket depending on the network passed to Dial.
type TCPDialer struct {
	Timeout time.Duration
}

// Dial connects to address.  Failures are *errors.NetworkError with
// Op "dial", marked retryable when the network layer says so.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Wrap("dial", address, err)
	}
	return conn, nil
}

// Close is a no-op; direct connections hold no shared state.
func (d *TCPDialer) Close() error { return nil }
