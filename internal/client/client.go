// Package client is the owner context of the chat engine. It serializes
// user commands and the reconciliation of session events into the chat
// store, and drives the reactor and the sync scheduler.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omochice/multichat/internal/config"
	"github.com/omochice/multichat/internal/metrics"
	"github.com/omochice/multichat/internal/reactor"
	"github.com/omochice/multichat/internal/scheduler"
	"github.com/omochice/multichat/internal/session"
	"github.com/omochice/multichat/internal/store"
)

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("client closed")

// Config holds the identity and timing settings of a Client.
type Config struct {
	Identity          session.Identity
	TickInterval      time.Duration
	ServerMinInterval time.Duration
	PollWait          time.Duration
	ReactorInterval   time.Duration
	ReactorJoinWait   time.Duration
	// PartGrace delays removing a parted channel so trailing replies still
	// land in it. Zero removes immediately.
	PartGrace        time.Duration
	HandshakeTimeout time.Duration
	QuitMessage      string
}

// DefaultConfig returns the built-in settings with an empty identity.
func DefaultConfig() Config {
	return Config{
		TickInterval:      scheduler.DefaultInterval,
		ServerMinInterval: scheduler.DefaultServerMinInterval,
		PollWait:          session.DefaultPollWait,
		ReactorInterval:   reactor.DefaultInterval,
		ReactorJoinWait:   reactor.DefaultJoinWait,
		PartGrace:         time.Second,
		HandshakeTimeout:  session.DefaultHandshakeTimeout,
		QuitMessage:       "Goodbye!",
	}
}

// ConfigFrom maps the loaded configuration onto a client Config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Identity: session.Identity{
			Nick:     c.Identity.Nick,
			User:     c.Identity.User,
			RealName: c.Identity.RealName,
		},
		TickInterval:      c.Sync.TickInterval,
		ServerMinInterval: c.Sync.ServerMinInterval,
		PollWait:          c.Sync.PollWait,
		ReactorInterval:   c.Sync.ReactorInterval,
		ReactorJoinWait:   c.Sync.ReactorJoinWait,
		PartGrace:         c.Sync.PartGrace,
		HandshakeTimeout:  c.Sync.HandshakeTimeout,
		QuitMessage:       c.Sync.QuitMessage,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.ServerMinInterval <= 0 {
		c.ServerMinInterval = def.ServerMinInterval
	}
	if c.PollWait <= 0 {
		c.PollWait = def.PollWait
	}
	if c.ReactorInterval <= 0 {
		c.ReactorInterval = def.ReactorInterval
	}
	if c.ReactorJoinWait <= 0 {
		c.ReactorJoinWait = def.ReactorJoinWait
	}
	if c.PartGrace < 0 {
		c.PartGrace = 0
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.QuitMessage == "" {
		c.QuitMessage = def.QuitMessage
	}
	return c
}

// Options carries the collaborators of a Client. All fields are optional.
type Options struct {
	Observer Observer
	Prefs    Preferences
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Dial     session.DialFunc
	Now      func() time.Time
}

// Client owns the session registry and the chat store. Every mutation of
// either happens while holding the owner lock.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	observer Observer
	prefs    Preferences
	recorder *recorder
	dial     session.DialFunc
	now      func() time.Time

	registry *session.Registry
	store    *store.Store
	events   *session.Queue
	reactor  *reactor.Loop
	sched    *scheduler.Scheduler

	// owner lock
	mu         sync.Mutex
	identity   session.Identity
	connecting map[string]bool
	removals   map[store.ChatID]*time.Timer
	notes      []func()
	closed     bool
}

// New creates a Client. Nothing is dialed until Connect or Restore.
func New(cfg Config, opts Options) *Client {
	cfg = cfg.withDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Client{
		cfg:        cfg,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		observer:   opts.Observer,
		prefs:      opts.Prefs,
		dial:       opts.Dial,
		now:        opts.Now,
		registry:   session.NewRegistry(),
		events:     session.NewQueue(),
		identity:   cfg.Identity,
		connecting: make(map[string]bool),
		removals:   make(map[store.ChatID]*time.Timer),
	}
	c.store = store.New(store.WithObserver(storeObserver{c}), store.WithClock(opts.Now))
	c.reactor = reactor.New(c.registry, reactor.Options{
		Interval: cfg.ReactorInterval,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
	c.sched = scheduler.New(syncSource{c}, scheduler.Options{
		ServerMinInterval: cfg.ServerMinInterval,
		Logger:            opts.Logger,
		Metrics:           opts.Metrics,
		Now:               opts.Now,
	})
	if opts.Prefs != nil {
		c.recorder = newRecorder(recorderQueueSize, opts.Logger)
	}
	return c
}

// lock takes the owner lock and applies the events queued so far, so
// every command observes the latest session state.
func (c *Client) lock() {
	c.mu.Lock()
	c.reconcileLocked()
}

// unlock releases the owner lock and then delivers the observer
// notifications collected while it was held.
func (c *Client) unlock() {
	notes := c.notes
	c.notes = nil
	c.mu.Unlock()
	for _, fn := range notes {
		fn()
	}
}

// note queues an observer call until the owner lock is released.
func (c *Client) note(fn func()) {
	c.notes = append(c.notes, fn)
}

// Store returns the chat store for read-only access.
func (c *Client) Store() *store.Store {
	return c.store
}

// Servers lists servers with a registered session.
func (c *Client) Servers() []string {
	return c.registry.Servers()
}

// Connected reports whether server has a live session.
func (c *Client) Connected(server string) bool {
	s, ok := c.registry.Get(server)
	return ok && s.Connected()
}

// Identity returns the default identity used by Connect.
func (c *Client) Identity() session.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Scheduler exposes the sync scheduler, mainly for status output.
func (c *Client) Scheduler() *scheduler.Scheduler {
	return c.sched
}

// Connect opens a session to server and registers it. Empty identity
// fields fall back to the default identity. The handshake runs without
// the owner lock so other commands are not held up.
func (c *Client) Connect(ctx context.Context, server string, port int, id session.Identity) error {
	if server == "" {
		return &session.ConnectionError{Server: server, Err: errors.New("server address not specified")}
	}

	c.lock()
	if c.closed {
		c.unlock()
		return ErrClosed
	}
	if c.registry.Contains(server) || c.connecting[server] {
		c.unlock()
		return fmt.Errorf("connect to %s: %w", server, session.ErrAlreadyConnected)
	}
	if id.Nick == "" {
		id.Nick = c.identity.Nick
		if id.User == "" {
			id.User = c.identity.User
		}
		if id.RealName == "" {
			id.RealName = c.identity.RealName
		}
	}
	c.connecting[server] = true
	c.unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	s, err := session.Connect(ctx, server, port, id, c.events, session.Options{
		Dial:     c.dial,
		PollWait: c.cfg.PollWait,
		Logger:   c.logger,
		Now:      c.now,
	})

	c.mu.Lock()
	delete(c.connecting, server)
	if err != nil {
		c.unlock()
		c.logger.Warn("Connect failed", "server", server, "error", err)
		return err
	}
	if c.closed {
		c.unlock()
		s.Disconnect(c.cfg.QuitMessage)
		return ErrClosed
	}
	if err := c.registry.Add(s); err != nil {
		c.unlock()
		return fmt.Errorf("connect to %s: %w", server, err)
	}
	c.metrics.SetSessions(c.registry.Len())
	c.reconcileLocked()
	c.unlock()

	c.reactor.Start()
	c.record("save server", func(p Preferences) error {
		return p.SaveServer(serverRecord(server, port, s.Nick(), id, c.now()))
	})
	return nil
}

// Disconnect quits server and removes its session and chats, and forgets
// the saved server. The session is removed even if the quit notification
// could not be sent; that failure is returned as a
// *session.TransientIOError. A server whose session already dropped still
// has its chats and saved settings removed, and *session.NotConnectedError
// is returned.
func (c *Client) Disconnect(server string) error {
	c.lock()
	s, ok := c.registry.Get(server)
	var quitErr error
	if ok {
		quitErr = s.Disconnect(c.cfg.QuitMessage)
		// the Disconnected event is queued by now
		c.reconcileLocked()
		c.registry.Remove(server)
		c.metrics.SetSessions(c.registry.Len())
	}
	c.store.RemoveServer(server)
	c.cancelRemovals(server)
	c.unlock()

	c.record("delete server", func(p Preferences) error {
		return p.DeleteServer(server)
	})
	if !ok {
		return &session.NotConnectedError{Server: server}
	}
	if quitErr != nil {
		return &session.TransientIOError{Server: server, Op: "quit", Err: quitErr}
	}
	return nil
}

// Join asks server to join channel. The chat appears once the server
// confirms with a Joined event.
func (c *Client) Join(server, channel string) error {
	if channel == "" {
		return &session.InvalidTargetError{Target: channel}
	}
	c.lock()
	s, err := c.sessionLocked(server)
	if err == nil {
		err = s.Join(channel)
	}
	c.unlock()
	if err != nil {
		return err
	}

	c.record("save channel", func(p Preferences) error {
		autoJoin := true
		if ch, ok, err := p.Channel(server, channel); err == nil && ok {
			autoJoin = ch.AutoJoin
		}
		return p.SaveChannel(channelRecord(server, channel, autoJoin))
	})
	return nil
}

// Leave parts channel. The chat is removed after the part grace delay.
// Leaving a channel of a server without a session only drops the chat.
func (c *Client) Leave(server, channel string) error {
	c.lock()
	s, err := c.sessionLocked(server)
	if err == nil {
		err = s.Part(channel, "")
	}
	var notConnected *session.NotConnectedError
	if errors.As(err, &notConnected) {
		c.store.RemoveChat(server, channel)
		err = nil
	} else if err == nil {
		c.scheduleRemoval(store.ChatID{Server: server, Target: channel})
	}
	c.unlock()
	if err != nil {
		return err
	}

	c.record("delete channel", func(p Preferences) error {
		return p.DeleteChannel(server, channel)
	})
	return nil
}

// Send delivers text to target on server. The own copy of the message is
// in the store when Send returns.
func (c *Client) Send(server, target, text string) error {
	c.lock()
	defer c.unlock()
	s, err := c.sessionLocked(server)
	if err != nil {
		return err
	}
	if err := s.Send(target, text); err != nil {
		return err
	}
	c.reconcileLocked()
	return nil
}

// SetActive makes the chat active, creating it if needed. It reports
// whether the active chat changed.
func (c *Client) SetActive(server, target string) bool {
	c.lock()
	defer c.unlock()
	return c.store.SetActive(server, target)
}

// ForceRefresh drains server immediately and notifies observers about the
// chat if it exists. It fails with scheduler.ErrBusy while a tick is in
// flight and with *session.NotConnectedError for a server without session.
func (c *Client) ForceRefresh(server, target string) error {
	return c.sched.ForceRefresh(store.ChatID{Server: server, Target: target})
}

// Tick runs one scheduler pass.
func (c *Client) Tick() bool {
	return c.sched.Tick()
}

// Run ticks the scheduler on the configured cadence until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	c.logger.Info("Sync scheduler running", "interval", c.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sched.Tick()
		}
	}
}

// Close disconnects every session without touching saved preferences,
// stops the reactor and flushes pending preference updates.
func (c *Client) Close() error {
	c.lock()
	if c.closed {
		c.unlock()
		return nil
	}
	c.closed = true
	for _, s := range c.registry.Snapshot() {
		if err := s.Disconnect(c.cfg.QuitMessage); err != nil {
			c.logger.Warn("Quit failed", "server", s.Server(), "error", err)
		}
	}
	c.reconcileLocked()
	for id, t := range c.removals {
		t.Stop()
		delete(c.removals, id)
	}
	c.unlock()

	var errs []error
	if err := c.reactor.Stop(c.cfg.ReactorJoinWait); err != nil {
		errs = append(errs, err)
	}
	if c.recorder != nil {
		c.recorder.shutdown()
	}
	return errors.Join(errs...)
}

func (c *Client) sessionLocked(server string) (session.ProtocolSession, error) {
	if c.closed {
		return nil, ErrClosed
	}
	s, ok := c.registry.Get(server)
	if !ok || !s.Connected() {
		return nil, &session.NotConnectedError{Server: server}
	}
	return s, nil
}
