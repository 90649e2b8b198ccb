// Package transport moves bytes.  On the server side Line frames an
// accepted connection as newline-terminated ASCII text; on the client
// side a Dialer opens the outbound connection, directly over TCP or
// through an SSH tunnel.  What happens over the connection is the
// capability layer's job.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.  Implementations are a
// plain TCP dialer and an SSH-tunnelled dialer that routes traffic
// through a jump host.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}
