package session

import (
	"errors"
	"fmt"
)

// ErrAlreadyConnected is returned when a session for the server is
// already registered.
var ErrAlreadyConnected = errors.New("session already exists for server")

// ConnectionError reports that the server address was unreachable or the
// registration handshake failed. The session is never registered.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NotConnectedError reports a command for a server without a live session.
type NotConnectedError struct {
	Server string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("not connected to %s", e.Server)
}

// InvalidTargetError reports a message addressed to something that cannot
// receive one, such as the server itself.
type InvalidTargetError struct {
	Target string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid message target %q", e.Target)
}

// InvalidTextError reports message text or a part reason that cannot be
// sent as one protocol line because it contains CR, LF or NUL.
type InvalidTextError struct {
	Text string
}

func (e *InvalidTextError) Error() string {
	return fmt.Sprintf("message text %q contains a line break or NUL", e.Text)
}

// TransientIOError reports a single failed socket operation. It never tears
// the session down by itself.
type TransientIOError struct {
	Server string
	Op     string
	Err    error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Server, e.Err)
}

func (e *TransientIOError) Unwrap() error {
	return e.Err
}
