// Package ws provides the WebSocket line transport. Every text frame
// carries one or more protocol lines.
package ws

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// maxFrameSize caps a single frame payload.
const maxFrameSize = 1 << 20

// Conn adapts a gobwas/ws connection to chat.Conn.
//
// Reads never wait past the ctx deadline. Bytes of a frame that has not
// fully arrived are kept for the next ReadLine.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	state   ws.State
	raw     []byte
	message []byte
	pending []string
	rmu     sync.Mutex
	wmu     sync.Mutex
}

// Dial performs the WebSocket handshake against url ("ws://host:port/path").
func Dial(ctx context.Context, url string) (*Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	if br == nil {
		br = bufio.NewReader(conn)
	}
	return &Conn{conn: conn, reader: br, state: ws.StateClientSide}, nil
}

// NewServerConn wraps the server side of an upgraded connection. reader
// must be the reader the upgrade request was read through.
func NewServerConn(conn net.Conn, reader *bufio.Reader) *Conn {
	return &Conn{conn: conn, reader: reader, state: ws.StateServerSide}
}

// ReadLine implements chat.Conn.
func (c *Conn) ReadLine(ctx context.Context) (string, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if len(c.pending) > 0 {
			return c.pop(), nil
		}
		consumed, err := c.nextFrame()
		if err != nil {
			return "", err
		}
		if consumed {
			continue
		}
		if err := c.fill(ctx); err != nil {
			return "", err
		}
	}
}

// fill appends whatever arrives before the ctx deadline to c.raw.
func (c *Conn) fill(ctx context.Context) error {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	var buf [4096]byte
	n, err := c.reader.Read(buf[:])
	c.raw = append(c.raw, buf[:n]...)
	if n > 0 {
		return nil
	}
	return err
}

// nextFrame consumes one complete frame from c.raw. It reports false
// without error when the frame has not fully arrived yet.
func (c *Conn) nextFrame() (bool, error) {
	r := bytes.NewReader(c.raw)
	h, err := ws.ReadHeader(r)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if h.Length > maxFrameSize {
		return false, fmt.Errorf("frame of %d bytes exceeds limit", h.Length)
	}
	if int64(r.Len()) < h.Length {
		return false, nil
	}

	start := len(c.raw) - r.Len()
	end := start + int(h.Length)
	payload := make([]byte, h.Length)
	copy(payload, c.raw[start:end])
	c.raw = append(c.raw[:0], c.raw[end:]...)
	if h.Masked {
		ws.Cipher(payload, h.Mask, 0)
	}

	switch h.OpCode {
	case ws.OpClose:
		return false, io.EOF
	case ws.OpPing:
		return true, c.writeControl(ws.NewPongFrame(payload))
	case ws.OpPong:
		return true, nil
	}

	c.message = append(c.message, payload...)
	if len(c.message) > maxFrameSize {
		return false, fmt.Errorf("message exceeds %d bytes", maxFrameSize)
	}
	if !h.Fin {
		return true, nil
	}
	for _, line := range strings.Split(string(c.message), "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			c.pending = append(c.pending, line)
		}
	}
	c.message = c.message[:0]
	return true, nil
}

func (c *Conn) writeControl(f ws.Frame) error {
	if c.state.ClientSide() {
		f = ws.MaskFrameInPlace(f)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	return ws.WriteFrame(c.conn, f)
}

func (c *Conn) pop() string {
	line := c.pending[0]
	c.pending = c.pending[1:]
	return line
}

// WriteLine implements chat.Conn.
func (c *Conn) WriteLine(ctx context.Context, line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	return wsutil.WriteMessage(c.conn, c.state, ws.OpText, []byte(line))
}

// Close implements chat.Conn. A close frame is sent on a best-effort basis.
func (c *Conn) Close() error {
	c.wmu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = wsutil.WriteMessage(c.conn, c.state, ws.OpClose, nil)
	c.wmu.Unlock()
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
