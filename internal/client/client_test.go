package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/multichat/internal/chat"
	"github.com/omochice/multichat/internal/server"
	"github.com/omochice/multichat/internal/session"
	"github.com/omochice/multichat/internal/store"
	"github.com/omochice/multichat/internal/transport/tcp"
)

const testServer = "irc.example.org"

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// recordingObserver keeps every notification as a short string.
type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) add(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, fmt.Sprintf(format, args...))
}

func (o *recordingObserver) ConnectionChanged(server string, connected bool) {
	o.add("connection %s %t", server, connected)
}
func (o *recordingObserver) ChannelJoined(server, channel string) {
	o.add("joined %s %s", server, channel)
}
func (o *recordingObserver) ChannelLeft(server, channel string) { o.add("left %s %s", server, channel) }
func (o *recordingObserver) ChatsUpdated(server, channel string) {
	o.add("updated %s %s", server, channel)
}
func (o *recordingObserver) ActiveChanged(server, channel string) {
	o.add("active %s %s", server, channel)
}
func (o *recordingObserver) ActiveCleared() { o.add("active cleared") }

func (o *recordingObserver) Events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func (o *recordingObserver) Count(event string) int {
	n := 0
	for _, e := range o.Events() {
		if e == event {
			n++
		}
	}
	return n
}

// flakyConn fails every write once broken is set.
type flakyConn struct {
	chat.Conn
	broken atomic.Bool
}

func (f *flakyConn) WriteLine(ctx context.Context, line string) error {
	if f.broken.Load() {
		return errors.New("write: broken pipe")
	}
	return f.Conn.WriteLine(ctx, line)
}

type harness struct {
	srv   *server.Server
	conns []*flakyConn
	mu    sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := server.New("127.0.0.1:0", server.Options{Logger: quietLogger})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return &harness{srv: srv}
}

// dial connects every server identity to the local relay.
func (h *harness) dial(ctx context.Context, address string, port int) (chat.Conn, error) {
	c, err := tcp.Dial(ctx, h.srv.Addr())
	if err != nil {
		return nil, err
	}
	fc := &flakyConn{Conn: c}
	h.mu.Lock()
	h.conns = append(h.conns, fc)
	h.mu.Unlock()
	return fc, nil
}

func (h *harness) lastConn() *flakyConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[len(h.conns)-1]
}

func testConfig(nick string) Config {
	cfg := DefaultConfig()
	cfg.Identity = session.Identity{Nick: nick}
	cfg.PollWait = 5 * time.Millisecond
	cfg.ReactorInterval = 5 * time.Millisecond
	cfg.ServerMinInterval = 10 * time.Millisecond
	cfg.PartGrace = 50 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

func (h *harness) newClient(t *testing.T, nick string, opts Options) (*Client, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	if opts.Observer == nil {
		opts.Observer = obs
	}
	opts.Logger = quietLogger
	opts.Dial = h.dial
	c := New(testConfig(nick), opts)
	t.Cleanup(func() { c.Close() })
	return c, obs
}

// settle ticks the scheduler until cond holds.
func settle(t *testing.T, c *Client, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.Tick()
		return cond()
	}, 3*time.Second, 10*time.Millisecond)
}

func connectAndJoin(t *testing.T, c *Client, channel string) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background(), testServer, 6667, session.Identity{}))
	require.NoError(t, c.Join(testServer, channel))
	settle(t, c, func() bool {
		_, ok := c.Store().Get(testServer, channel)
		return ok
	})
}

func userMessages(msgs []store.Message) []store.Message {
	var out []store.Message
	for _, m := range msgs {
		if !m.System {
			out = append(out, m)
		}
	}
	return out
}

func TestConnect_RegistersSession(t *testing.T) {
	h := newHarness(t)
	c, obs := h.newClient(t, "alice", Options{})

	require.NoError(t, c.Connect(context.Background(), testServer, 6667, session.Identity{}))

	assert.Equal(t, []string{testServer}, c.Servers())
	assert.True(t, c.Connected(testServer))

	console, ok := c.Store().Get(testServer, testServer)
	require.True(t, ok, "server console chat exists")
	assert.False(t, console.Private)
	require.Len(t, console.Messages, 1)
	assert.Equal(t, "Connected to server irc.example.org", console.Messages[0].Content)
	assert.True(t, console.Messages[0].System)
	assert.Equal(t, 1, obs.Count("connection irc.example.org true"))
}

func TestConnect_Duplicate(t *testing.T) {
	h := newHarness(t)
	c, _ := h.newClient(t, "alice", Options{})
	require.NoError(t, c.Connect(context.Background(), testServer, 6667, session.Identity{}))

	err := c.Connect(context.Background(), testServer, 6667, session.Identity{})
	assert.ErrorIs(t, err, session.ErrAlreadyConnected)
	assert.Len(t, c.Servers(), 1)
}

func TestConnect_Unreachable(t *testing.T) {
	c := New(testConfig("alice"), Options{
		Logger: quietLogger,
		Dial: func(ctx context.Context, address string, port int) (chat.Conn, error) {
			return nil, errors.New("connection refused")
		},
	})
	defer c.Close()

	err := c.Connect(context.Background(), testServer, 6667, session.Identity{})
	var connErr *session.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, testServer, connErr.Server)
	assert.Empty(t, c.Servers())
	assert.Zero(t, c.Store().Len())
}

func TestConnect_NickInUse(t *testing.T) {
	h := newHarness(t)
	first, _ := h.newClient(t, "alice", Options{})
	require.NoError(t, first.Connect(context.Background(), testServer, 6667, session.Identity{}))

	second, _ := h.newClient(t, "alice", Options{})
	err := second.Connect(context.Background(), testServer, 6667, session.Identity{})
	var connErr *session.ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Empty(t, second.Servers())
}

func TestJoin_CreatesChatOnConfirmation(t *testing.T) {
	h := newHarness(t)
	c, obs := h.newClient(t, "alice", Options{})

	connectAndJoin(t, c, "#general")

	chat, ok := c.Store().Get(testServer, "#general")
	require.True(t, ok)
	assert.False(t, chat.Private)
	require.NotEmpty(t, chat.Messages)
	assert.Equal(t, "You joined channel #general", chat.Messages[0].Content)
	assert.Equal(t, 1, obs.Count("joined irc.example.org #general"))
}

func TestJoin_NotConnected(t *testing.T) {
	c := New(testConfig("alice"), Options{Logger: quietLogger})
	defer c.Close()

	err := c.Join(testServer, "#general")
	var notConnected *session.NotConnectedError
	require.ErrorAs(t, err, &notConnected)
	assert.Equal(t, testServer, notConnected.Server)
	assert.Zero(t, c.Store().Len())
}

func TestSend_OwnEcho(t *testing.T) {
	h := newHarness(t)
	c, _ := h.newClient(t, "alice", Options{})
	connectAndJoin(t, c, "#general")

	require.NoError(t, c.Send(testServer, "#general", "hi"))

	msgs := userMessages(c.Store().Messages(testServer, "#general"))
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.Equal(t, "hi", msgs[0].Content)

	preview, _ := c.Store().Preview(testServer, "#general")
	assert.Equal(t, "alice: hi", preview)
}

func TestSend_ToServerIsInvalid(t *testing.T) {
	h := newHarness(t)
	c, _ := h.newClient(t, "alice", Options{})
	require.NoError(t, c.Connect(context.Background(), testServer, 6667, session.Identity{}))
	before := len(c.Store().Messages(testServer, testServer))

	err := c.Send(testServer, testServer, "hello server")
	var invalid *session.InvalidTargetError
	require.ErrorAs(t, err, &invalid)
	assert.Len(t, c.Store().Messages(testServer, testServer), before)
}

func TestSend_RejectsLineBreaks(t *testing.T) {
	h := newHarness(t)
	c, obs := h.newClient(t, "alice", Options{})
	connectAndJoin(t, c, "#general")
	before := len(c.Store().Messages(testServer, "#general"))

	var invalidText *session.InvalidTextError
	require.ErrorAs(t, c.Send(testServer, "#general", "hi\r\nPART #general"), &invalidText)
	var invalidTarget *session.InvalidTargetError
	require.ErrorAs(t, c.Send(testServer, "#general\r\nPART #general", "hi"), &invalidTarget)

	assert.Never(t, func() bool {
		c.Tick()
		_, ok := c.Store().Get(testServer, "#general")
		return !ok
	}, 300*time.Millisecond, 20*time.Millisecond)
	assert.Len(t, c.Store().Messages(testServer, "#general"), before)
	assert.Zero(t, obs.Count("left irc.example.org #general"))
}

func TestSend_NotConnected(t *testing.T) {
	c := New(testConfig("alice"), Options{Logger: quietLogger})
	defer c.Close()

	var notConnected *session.NotConnectedError
	assert.ErrorAs(t, c.Send(testServer, "#general", "hi"), &notConnected)
}

func TestChannelMessage_UnreadAndActive(t *testing.T) {
	h := newHarness(t)
	alice, _ := h.newClient(t, "alice", Options{})
	bob, bobObs := h.newClient(t, "bob", Options{})
	connectAndJoin(t, alice, "#general")
	connectAndJoin(t, bob, "#general")

	require.NoError(t, alice.Send(testServer, "#general", "one"))
	require.NoError(t, alice.Send(testServer, "#general", "two"))

	settle(t, bob, func() bool {
		return len(userMessages(bob.Store().Messages(testServer, "#general"))) == 2
	})
	msgs := userMessages(bob.Store().Messages(testServer, "#general"))
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)

	// "You joined" plus two messages
	assert.Equal(t, 3, bob.Store().Unread(testServer, "#general"))

	assert.True(t, bob.SetActive(testServer, "#general"))
	assert.Zero(t, bob.Store().Unread(testServer, "#general"))
	assert.False(t, bob.SetActive(testServer, "#general"))
	assert.Equal(t, 1, bobObs.Count("active irc.example.org #general"))

	require.NoError(t, alice.Send(testServer, "#general", "three"))
	settle(t, bob, func() bool {
		return len(userMessages(bob.Store().Messages(testServer, "#general"))) == 3
	})
	assert.Zero(t, bob.Store().Unread(testServer, "#general"))
	assert.Positive(t, bobObs.Count("updated irc.example.org #general"))
}

func TestDirectMessage_CreatesPrivateChat(t *testing.T) {
	h := newHarness(t)
	alice, _ := h.newClient(t, "alice", Options{})
	bob, _ := h.newClient(t, "bob", Options{})
	require.NoError(t, alice.Connect(context.Background(), testServer, 6667, session.Identity{}))
	require.NoError(t, bob.Connect(context.Background(), testServer, 6667, session.Identity{}))

	// activating a conversation that does not exist yet creates it
	alice.SetActive(testServer, "bob")
	require.NoError(t, alice.Send(testServer, "bob", "psst"))

	settle(t, bob, func() bool {
		_, ok := bob.Store().Get(testServer, "alice")
		return ok
	})
	chat, _ := bob.Store().Get(testServer, "alice")
	assert.True(t, chat.Private)
	require.Len(t, chat.Messages, 1)
	assert.Equal(t, "psst", chat.Messages[0].Content)

	own, _ := alice.Store().Get(testServer, "bob")
	assert.True(t, own.Private)
	assert.Zero(t, own.Unread)
}

func TestLeave_RemovesChatAfterGrace(t *testing.T) {
	h := newHarness(t)
	c, obs := h.newClient(t, "alice", Options{})
	connectAndJoin(t, c, "#general")

	require.NoError(t, c.Leave(testServer, "#general"))
	_, ok := c.Store().Get(testServer, "#general")
	assert.True(t, ok, "chat survives until the grace delay passes")

	settle(t, c, func() bool {
		_, ok := c.Store().Get(testServer, "#general")
		return !ok
	})
	assert.Empty(t, c.PendingRemovals())
	settle(t, c, func() bool { return obs.Count("left irc.example.org #general") == 1 })
}

func TestLeave_RejoinCancelsRemoval(t *testing.T) {
	h := newHarness(t)
	c, _ := h.newClient(t, "alice", Options{})
	c.cfg.PartGrace = time.Hour
	connectAndJoin(t, c, "#general")

	require.NoError(t, c.Leave(testServer, "#general"))
	require.Len(t, c.PendingRemovals(), 1)

	require.NoError(t, c.Join(testServer, "#general"))
	settle(t, c, func() bool { return len(c.PendingRemovals()) == 0 })
	_, ok := c.Store().Get(testServer, "#general")
	assert.True(t, ok)
}

func TestDisconnect_SendFailureStillRemoves(t *testing.T) {
	h := newHarness(t)
	c, obs := h.newClient(t, "alice", Options{})
	connectAndJoin(t, c, "#general")
	c.SetActive(testServer, "#general")

	h.lastConn().broken.Store(true)
	err := c.Disconnect(testServer)

	var transient *session.TransientIOError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, "quit", transient.Op)
	assert.Empty(t, c.Servers())
	assert.False(t, c.Connected(testServer))
	assert.Empty(t, c.Store().ChatsFor(testServer))
	assert.Equal(t, 1, obs.Count("connection irc.example.org false"))
	assert.Equal(t, 1, obs.Count("active cleared"))

	var notConnected *session.NotConnectedError
	assert.ErrorAs(t, c.Disconnect(testServer), &notConnected)
}

func TestRemoteClose_RemovesSession(t *testing.T) {
	h := newHarness(t)
	c, obs := h.newClient(t, "alice", Options{})
	connectAndJoin(t, c, "#general")

	h.srv.Stop()

	settle(t, c, func() bool { return len(c.Servers()) == 0 })
	assert.Equal(t, 1, obs.Count("connection irc.example.org false"))

	// chats stay so the history can still be read
	console := c.Store().Messages(testServer, testServer)
	require.NotEmpty(t, console)
	assert.Equal(t, "Disconnected from server irc.example.org", console[len(console)-1].Content)
}

func TestForceRefresh_NotifiesChat(t *testing.T) {
	h := newHarness(t)
	c, obs := h.newClient(t, "alice", Options{})
	connectAndJoin(t, c, "#general")

	require.NoError(t, c.ForceRefresh(testServer, "#general"))
	assert.Positive(t, obs.Count("updated irc.example.org #general"))

	var notConnected *session.NotConnectedError
	assert.ErrorAs(t, c.ForceRefresh("elsewhere.example.org", "#general"), &notConnected)
}

func TestClose_DisconnectsEverything(t *testing.T) {
	h := newHarness(t)
	c, obs := h.newClient(t, "alice", Options{})
	connectAndJoin(t, c, "#general")

	require.NoError(t, c.Close())
	assert.Empty(t, c.Servers())
	assert.Equal(t, 1, obs.Count("connection irc.example.org false"))
	assert.ErrorIs(t, c.Join(testServer, "#x"), ErrClosed)
	assert.NoError(t, c.Close())
}

func TestRun_StopsWithContext(t *testing.T) {
	c := New(testConfig("alice"), Options{Logger: quietLogger})
	defer c.Close()
	c.cfg.TickInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{PartGrace: -time.Second}.withDefaults()
	def := DefaultConfig()

	assert.Equal(t, def.TickInterval, cfg.TickInterval)
	assert.Equal(t, def.ServerMinInterval, cfg.ServerMinInterval)
	assert.Equal(t, "Goodbye!", cfg.QuitMessage)
	assert.Zero(t, cfg.PartGrace)
}
