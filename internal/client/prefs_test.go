package client

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/multichat/internal/chat"
	"github.com/omochice/multichat/internal/prefs"
	"github.com/omochice/multichat/internal/session"
)

func openPrefs(t *testing.T) *prefs.Store {
	t.Helper()
	p, err := prefs.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPreferences_RecordedFromCommands(t *testing.T) {
	h := newHarness(t)
	p := openPrefs(t)
	c, _ := h.newClient(t, "alice", Options{Prefs: p})

	connectAndJoin(t, c, "#general")
	c.recorder.flush()

	srv, ok, err := p.Server(testServer)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 6667, srv.Port)
	assert.Equal(t, "alice", srv.Nick)

	ch, ok, err := p.Channel(testServer, "#general")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ch.AutoJoin)
	assert.False(t, ch.Private)

	require.NoError(t, c.Leave(testServer, "#general"))
	c.recorder.flush()
	_, ok, err = p.Channel(testServer, "#general")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Disconnect(testServer))
	c.recorder.flush()
	_, ok, err = p.Server(testServer)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPreferences_JoinKeepsAutoJoinFlag(t *testing.T) {
	h := newHarness(t)
	p := openPrefs(t)
	c, _ := h.newClient(t, "alice", Options{Prefs: p})
	require.NoError(t, c.Connect(context.Background(), testServer, 6667, session.Identity{}))
	c.recorder.flush()

	require.NoError(t, c.SaveChannelSettings(testServer, "#quiet", false))
	assert.False(t, c.ChannelAutoJoin(testServer, "#quiet"))
	assert.True(t, c.ChannelAutoJoin(testServer, "#unknown"))

	require.NoError(t, c.Join(testServer, "#quiet"))
	c.recorder.flush()
	assert.False(t, c.ChannelAutoJoin(testServer, "#quiet"))
}

func TestSaveChannelSettings_UnknownServer(t *testing.T) {
	p := openPrefs(t)
	c := New(testConfig("alice"), Options{Prefs: p, Logger: quietLogger})
	defer c.Close()

	assert.ErrorIs(t, c.SaveChannelSettings("nowhere", "#x", true), prefs.ErrUnknownServer)
}

func TestClose_KeepsSavedServers(t *testing.T) {
	h := newHarness(t)
	p := openPrefs(t)
	c, _ := h.newClient(t, "alice", Options{Prefs: p})
	require.NoError(t, c.Connect(context.Background(), testServer, 6667, session.Identity{}))

	require.NoError(t, c.Close())
	servers, err := p.Servers()
	require.NoError(t, err)
	assert.Len(t, servers, 1)
}

func TestRestore_ReconnectsAndAutoJoins(t *testing.T) {
	h := newHarness(t)
	p := openPrefs(t)
	require.NoError(t, p.SaveProfile(prefs.Profile{Nick: "carol"}))
	require.NoError(t, p.SaveServer(prefs.Server{Name: testServer, Port: 6667, Nick: "alice"}))
	require.NoError(t, p.SaveChannel(prefs.Channel{Server: testServer, Name: "#general", AutoJoin: true}))
	require.NoError(t, p.SaveChannel(prefs.Channel{Server: testServer, Name: "#quiet", AutoJoin: false}))

	c, _ := h.newClient(t, "nobody", Options{Prefs: p})
	require.NoError(t, c.Restore(context.Background()))

	assert.Equal(t, "carol", c.Identity().Nick)
	assert.Equal(t, []string{testServer}, c.Servers())

	// auto-join channels exist before the server confirms
	_, ok := c.Store().Get(testServer, "#general")
	assert.True(t, ok)
	_, ok = c.Store().Get(testServer, "#quiet")
	assert.False(t, ok)

	settle(t, c, func() bool {
		for _, m := range c.Store().Messages(testServer, "#general") {
			if m.Content == "You joined channel #general" {
				return true
			}
		}
		return false
	})
}

func TestRestore_SkipsFailingServers(t *testing.T) {
	h := newHarness(t)
	p := openPrefs(t)
	require.NoError(t, p.SaveServer(prefs.Server{Name: "down.example.org", Port: 6667, Nick: "alice", LastConnected: time.Now()}))
	require.NoError(t, p.SaveServer(prefs.Server{Name: testServer, Port: 6667, Nick: "alice", LastConnected: time.Now().Add(-time.Hour)}))

	c := New(testConfig("alice"), Options{
		Prefs:  p,
		Logger: quietLogger,
		Dial: func(ctx context.Context, address string, port int) (chat.Conn, error) {
			if address == "down.example.org" {
				return nil, errors.New("connection refused")
			}
			return h.dial(ctx, address, port)
		},
	})
	defer c.Close()

	err := c.Restore(context.Background())
	var connErr *session.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "down.example.org", connErr.Server)
	assert.Equal(t, []string{testServer}, c.Servers())
}

func TestSetNickname(t *testing.T) {
	p := openPrefs(t)
	c := New(testConfig("alice"), Options{Prefs: p, Logger: quietLogger})
	defer c.Close()

	assert.Error(t, c.SetNickname(""))
	require.NoError(t, c.SetNickname("dave"))
	assert.Equal(t, session.Identity{Nick: "dave", User: "dave", RealName: "dave"}, c.Identity())

	c.recorder.flush()
	profile, ok, err := p.Profile()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dave", profile.Nick)
}

func TestRecorder_OrderAndPanics(t *testing.T) {
	r := newRecorder(8, slog.New(slog.DiscardHandler))
	var seen []int
	var calls atomic.Int32

	r.submit("first", func() error { seen = append(seen, 1); calls.Add(1); return nil })
	r.submit("boom", func() error { calls.Add(1); panic("storage exploded") })
	r.submit("failing", func() error { calls.Add(1); return errors.New("disk full") })
	r.submit("last", func() error { seen = append(seen, 2); calls.Add(1); return nil })
	r.shutdown()

	assert.Equal(t, []int{1, 2}, seen)
	assert.Equal(t, int32(4), calls.Load())
	assert.False(t, r.submit("after", func() error { return nil }))
}

func TestDisconnect_AfterRemoteDropForgetsServer(t *testing.T) {
	h := newHarness(t)
	p := openPrefs(t)
	c, _ := h.newClient(t, "alice", Options{Prefs: p})
	connectAndJoin(t, c, "#general")
	c.recorder.flush()

	h.srv.Stop()
	settle(t, c, func() bool { return len(c.Servers()) == 0 })
	require.Positive(t, c.Store().Len())

	var notConnected *session.NotConnectedError
	require.ErrorAs(t, c.Disconnect(testServer), &notConnected)
	assert.Zero(t, c.Store().Len())
	assert.Empty(t, c.PendingRemovals())

	c.recorder.flush()
	_, ok, err := p.Server(testServer)
	require.NoError(t, err)
	assert.False(t, ok)
	channels, err := p.Channels(testServer)
	require.NoError(t, err)
	assert.Empty(t, channels)
}
