package util

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// DefaultBufSize is the relay copy buffer size (32 KiB).
const DefaultBufSize = 32 * 1024

// relayBufs recycles copy buffers across client reconnects.
var relayBufs = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// BidirectionalCopy shuffles data between a network connection and an
// arbitrary reader/writer pair (the client's stdin/stdout) until the
// connection ends or the context is cancelled.  Both directions copy
// through pooled buffers.
//
// The reader side is not waited for once the connection is done: a
// terminal stdin may block in Read forever.
func BidirectionalCopy(ctx context.Context, conn net.Conn, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvErr := make(chan error, 1)
	sendErr := make(chan error, 1)

	// network → writer
	go func() {
		_, err := copyPooled(w, conn)
		recvErr <- err
		cancel()
	}()

	// reader → network
	go func() {
		_, err := copyPooled(conn, r)
		// Half-close so the server sees EOF and ends the session, but
		// keep reading until it has sent its last line.
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite() //nolint:errcheck
		}
		sendErr <- err
		if err != nil {
			cancel()
		}
	}()

	<-ctx.Done()
	conn.Close() // unblock any pending reads/writes
	err := <-recvErr

	select {
	case serr := <-sendErr:
		if serr != nil && !isHarmless(serr) {
			return serr
		}
	default:
	}
	if err != nil && !isHarmless(err) {
		return err
	}
	return nil
}

func copyPooled(dst io.Writer, src io.Reader) (int64, error) {
	buf := relayBufs.Get().(*[]byte)
	defer relayBufs.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// isHarmless returns true for errors that are expected during shutdown.
func isHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
