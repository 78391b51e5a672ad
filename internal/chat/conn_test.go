package chat_test

import (
	"context"
	"io"

	"github.com/omochice/multichat/internal/chat"
)

// mockConn is a chat.Conn that never delivers a line. Hub tests only need
// something to put in Client.Conn.
type mockConn struct {
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{remoteAddr: addr}
}

func (m *mockConn) ReadLine(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", io.EOF
}

func (m *mockConn) WriteLine(context.Context, string) error { return nil }
func (m *mockConn) Close() error                            { return nil }
func (m *mockConn) RemoteAddr() string                      { return m.remoteAddr }

var _ chat.Conn = (*mockConn)(nil)
