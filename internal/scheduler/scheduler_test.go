package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/multichat/internal/metrics"
	"github.com/omochice/multichat/internal/session"
	"github.com/omochice/multichat/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeSource is a Source backed by a real store. Messages staged with
// stage() land in the store on the next Reconcile.
type fakeSource struct {
	store   *store.Store
	servers []string
	pending []func()

	polls      map[string]int
	reconciles int
	updated    []store.ChatID

	onPoll      func(server string)
	reconcileFn func() error
	notifyPanic store.ChatID
}

func newFakeSource(clock *fakeClock, servers ...string) *fakeSource {
	return &fakeSource{
		store:   store.New(store.WithClock(clock.Now)),
		servers: servers,
		polls:   make(map[string]int),
	}
}

func (f *fakeSource) stage(server, target, text string) {
	f.pending = append(f.pending, func() {
		f.store.AppendMessage(server, target, "peer", text, false)
	})
}

func (f *fakeSource) Servers() []string { return f.servers }

func (f *fakeSource) Poll(server string) bool {
	f.polls[server]++
	if f.onPoll != nil {
		f.onPoll(server)
	}
	return true
}

func (f *fakeSource) Reconcile() error {
	f.reconciles++
	if f.reconcileFn != nil {
		return f.reconcileFn()
	}
	for _, fn := range f.pending {
		fn()
	}
	f.pending = nil
	return nil
}

func (f *fakeSource) Active() (store.ChatID, bool) { return f.store.Active() }

func (f *fakeSource) ChatsFor(server string) []store.ChatID { return f.store.ChatsFor(server) }

func (f *fakeSource) NeedsRefresh(id store.ChatID, since time.Time) bool {
	return f.store.NeedsRefresh(id.Server, id.Target, since)
}

func (f *fakeSource) LastUpdate(id store.ChatID) time.Time {
	return f.store.LastUpdate(id.Server, id.Target)
}

func (f *fakeSource) ChatUpdated(id store.ChatID) {
	if id == f.notifyPanic {
		panic("observer failed")
	}
	f.updated = append(f.updated, id)
}

func TestTick_RateLimitsServerDrain(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource(clock, "irc.example.org")
	s := New(src, Options{Now: clock.Now})

	require.True(t, s.Tick())
	clock.Advance(500 * time.Millisecond)
	require.True(t, s.Tick())

	assert.Equal(t, 1, src.polls["irc.example.org"])
	assert.Equal(t, 1, s.Polls("irc.example.org"))

	clock.Advance(2 * time.Second)
	require.True(t, s.Tick())
	assert.Equal(t, 2, src.polls["irc.example.org"])
}

func TestTick_ActiveChatReconciledWhileRateLimited(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource(clock, "irc.example.org")
	active := store.ChatID{Server: "irc.example.org", Target: "#general"}
	src.store.SetActive(active.Server, active.Target)
	s := New(src, Options{Now: clock.Now})

	require.True(t, s.Tick())
	assert.Empty(t, src.updated)

	clock.Advance(time.Second)
	src.stage(active.Server, active.Target, "hello")
	require.True(t, s.Tick())

	assert.Equal(t, 1, src.polls["irc.example.org"], "second drain must be skipped")
	assert.Equal(t, []store.ChatID{active}, src.updated)
}

func TestTick_NotifiesOnlyWhenChanged(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource(clock, "a")
	general := store.ChatID{Server: "a", Target: "#general"}
	src.stage(general.Server, general.Target, "one")
	s := New(src, Options{Now: clock.Now})

	require.True(t, s.Tick())
	assert.Equal(t, []store.ChatID{general}, src.updated)

	clock.Advance(3 * time.Second)
	require.True(t, s.Tick())
	assert.Len(t, src.updated, 1, "no new message, no new notification")

	clock.Advance(3 * time.Second)
	src.stage(general.Server, general.Target, "two")
	require.True(t, s.Tick())
	assert.Len(t, src.updated, 2)
	assert.Equal(t, 2, src.store.Unread(general.Server, general.Target))
}

func TestTick_ActiveChatNotifiedFirst(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource(clock, "a")
	src.stage("a", "#aaa", "x")
	src.stage("a", "#zzz", "y")
	src.store.SetActive("a", "#zzz")
	s := New(src, Options{Now: clock.Now})

	require.True(t, s.Tick())
	require.Len(t, src.updated, 2)
	assert.Equal(t, "#zzz", src.updated[0].Target)
	assert.Equal(t, "#aaa", src.updated[1].Target)
}

func TestTick_SkipsWhenRunning(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource(clock, "a")
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := New(src, Options{Now: clock.Now, Metrics: m})

	var nested bool
	var nestedErr error
	src.onPoll = func(string) {
		assert.Equal(t, StateDraining, s.State())
		nested = s.Tick()
		nestedErr = s.ForceRefresh(store.ChatID{Server: "a", Target: "#x"})
	}

	require.True(t, s.Tick())
	assert.False(t, nested)
	assert.ErrorIs(t, nestedErr, ErrBusy)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ticks("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ticks("run")))
}

func TestTick_ReconcileErrorAbortsTick(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource(clock, "a", "b")
	src.reconcileFn = func() error { return errors.New("boom") }
	s := New(src, Options{Now: clock.Now})

	assert.True(t, s.Tick())
	assert.Zero(t, src.polls["a"], "drain skipped after failed reconcile")

	// the scheduler keeps working afterwards
	src.reconcileFn = nil
	assert.True(t, s.Tick())
	assert.Equal(t, 1, src.polls["a"])
	assert.Equal(t, 1, src.polls["b"])
}

func TestTick_RecoversObserverPanic(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource(clock, "a")
	src.stage("a", "#bad", "x")
	src.stage("a", "#good", "y")
	src.notifyPanic = store.ChatID{Server: "a", Target: "#bad"}
	s := New(src, Options{Now: clock.Now})

	require.NotPanics(t, func() { s.Tick() })
	assert.Equal(t, []store.ChatID{{Server: "a", Target: "#good"}}, src.updated)
	assert.Equal(t, StateIdle, s.State())
}

func TestForceRefresh_BypassesRateLimit(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource(clock, "a")
	id := store.ChatID{Server: "a", Target: "#general"}
	s := New(src, Options{Now: clock.Now})

	require.True(t, s.Tick())
	src.stage(id.Server, id.Target, "late")
	require.NoError(t, s.ForceRefresh(id))

	assert.Equal(t, 2, src.polls["a"])
	assert.Contains(t, src.updated, id)

	// the forced drain counts against the rate limit
	clock.Advance(time.Second)
	require.True(t, s.Tick())
	assert.Equal(t, 2, src.polls["a"])
}

func TestForceRefresh_NotConnected(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource(clock, "a")
	s := New(src, Options{Now: clock.Now})

	err := s.ForceRefresh(store.ChatID{Server: "gone", Target: "#x"})
	var notConnected *session.NotConnectedError
	require.ErrorAs(t, err, &notConnected)
	assert.Equal(t, "gone", notConnected.Server)
	assert.Zero(t, src.polls["gone"])
	assert.Empty(t, src.updated)
	assert.Equal(t, StateIdle, s.State())
}

func TestForceRefresh_MissingChatIsNotNotified(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource(clock, "a")
	s := New(src, Options{Now: clock.Now})

	require.NoError(t, s.ForceRefresh(store.ChatID{Server: "a", Target: "#nowhere"}))
	assert.Equal(t, 1, src.polls["a"])
	assert.Empty(t, src.updated)
}

func TestTick_ForgetsRemovedServersAndChats(t *testing.T) {
	clock := newFakeClock()
	src := newFakeSource(clock, "a", "b")
	src.stage("a", "#x", "one")
	src.stage("b", "#y", "two")
	s := New(src, Options{Now: clock.Now})

	require.True(t, s.Tick())
	assert.Len(t, s.lastPoll, 2)
	assert.Len(t, s.lastNotified, 2)

	// b dropped but its chat is still in the store
	src.servers = []string{"a"}
	src.store.RemoveChat("a", "#x")
	clock.Advance(3 * time.Second)
	require.True(t, s.Tick())

	assert.Equal(t, map[string]bool{"a": true}, keys(s.lastPoll))
	assert.Equal(t, []store.ChatID{{Server: "b", Target: "#y"}}, chatKeys(s.lastNotified))
	assert.Zero(t, s.Polls("b"))
	assert.Len(t, src.updated, 2, "a kept chat is not notified again")

	src.store.RemoveServer("b")
	clock.Advance(3 * time.Second)
	require.True(t, s.Tick())
	assert.Empty(t, s.lastNotified)
}

func keys(m map[string]time.Time) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

func chatKeys(m map[store.ChatID]time.Time) []store.ChatID {
	out := make([]store.ChatID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateDraining, "draining"},
		{StateReconciling, "reconciling"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}
