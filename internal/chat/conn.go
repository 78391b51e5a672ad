// Package chat holds the transport-neutral pieces shared by the client
// sessions and the development relay server.
package chat

import "context"

// Conn abstracts a line-oriented bidirectional connection for both TCP and
// WebSocket. This interface isolates transport details from protocol logic.
type Conn interface {
	// ReadLine reads a single protocol line without its terminator.
	// When ctx carries a deadline, ReadLine waits no longer than that for
	// inbound data to become available and returns an error satisfying
	// errors.Is(err, os.ErrDeadlineExceeded) if none arrived.
	// Returns io.EOF when connection is closed.
	ReadLine(ctx context.Context) (string, error)

	// WriteLine sends a single protocol line. The terminator is added by
	// the transport.
	WriteLine(ctx context.Context, line string) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
