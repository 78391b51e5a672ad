// Package tcp provides the plain TCP line transport, used both by client
// sessions and by the development relay server.
package tcp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
)

// Conn adapts net.Conn to chat.Conn, framing lines on CRLF. Reads never
// wait past the ctx deadline; the start of a line that has not fully
// arrived is kept for the next ReadLine.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	partial string
	rmu     sync.Mutex
	wmu     sync.Mutex
}

// Dial connects to address ("host:port").
func Dial(ctx context.Context, address string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return NewConn(conn), nil
}

// NewConn wraps a net.Conn.
func NewConn(conn net.Conn) *Conn {
	return NewConnWithReader(conn, bufio.NewReader(conn))
}

// NewConnWithReader wraps a net.Conn whose first bytes were already peeked
// through reader.
func NewConnWithReader(conn net.Conn, reader *bufio.Reader) *Conn {
	return &Conn{conn: conn, reader: reader}
}

// ReadLine implements chat.Conn.
func (c *Conn) ReadLine(ctx context.Context) (string, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		// keep what we got, the rest of the line may still arrive
		c.partial += line
		return "", err
	}
	line = c.partial + line
	c.partial = ""
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteLine implements chat.Conn.
func (c *Conn) WriteLine(ctx context.Context, line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	_, err := c.conn.Write([]byte(line + "\r\n"))
	return err
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
