package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omochice/multichat/internal/prefs"
	"github.com/omochice/multichat/internal/session"
	"github.com/omochice/multichat/pkg/protocol"
)

const recorderQueueSize = 64

// Preferences is the persistence collaborator. *prefs.Store implements it.
type Preferences interface {
	Servers() ([]prefs.Server, error)
	SaveServer(srv prefs.Server) error
	DeleteServer(name string) error
	Channels(server string) ([]prefs.Channel, error)
	Channel(server, name string) (prefs.Channel, bool, error)
	SaveChannel(ch prefs.Channel) error
	DeleteChannel(server, name string) error
	Profile() (prefs.Profile, bool, error)
	SaveProfile(p prefs.Profile) error
}

var _ Preferences = (*prefs.Store)(nil)

func serverRecord(server string, port int, nick string, id session.Identity, at time.Time) prefs.Server {
	if port == 0 {
		port = session.DefaultPort
	}
	if nick == "" {
		nick = id.Nick
	}
	return prefs.Server{
		Name:          server,
		Port:          port,
		Nick:          nick,
		User:          id.User,
		RealName:      id.RealName,
		LastConnected: at,
	}
}

func channelRecord(server, channel string, autoJoin bool) prefs.Channel {
	return prefs.Channel{
		Server:   server,
		Name:     channel,
		Private:  !protocol.IsChannel(channel),
		AutoJoin: autoJoin,
	}
}

// record hands a preference update to the background recorder. It never
// blocks the caller.
func (c *Client) record(op string, fn func(Preferences) error) {
	if c.recorder == nil {
		return
	}
	p := c.prefs
	c.recorder.submit(op, func() error { return fn(p) })
}

// Restore loads the saved profile, reconnects every saved server and joins
// the channels flagged for auto-join. Failing servers are skipped; their
// errors are joined into the result.
func (c *Client) Restore(ctx context.Context) error {
	if c.prefs == nil {
		return nil
	}

	if p, ok, err := c.prefs.Profile(); err != nil {
		c.logger.Warn("Failed to load profile", "error", err)
	} else if ok {
		c.mu.Lock()
		c.identity = session.Identity{Nick: p.Nick, User: p.User, RealName: p.RealName}
		c.mu.Unlock()
	}

	servers, err := c.prefs.Servers()
	if err != nil {
		return fmt.Errorf("failed to load saved servers: %w", err)
	}

	var errs []error
	for _, srv := range servers {
		id := session.Identity{Nick: srv.Nick, User: srv.User, RealName: srv.RealName}
		if err := c.Connect(ctx, srv.Name, srv.Port, id); err != nil {
			errs = append(errs, err)
			continue
		}

		channels, err := c.prefs.Channels(srv.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load channels of %s: %w", srv.Name, err))
			continue
		}
		for _, ch := range channels {
			if !ch.AutoJoin {
				continue
			}
			c.lock()
			c.store.UpsertChannel(srv.Name, ch.Name, ch.Private)
			c.unlock()
			if err := c.Join(srv.Name, ch.Name); err != nil {
				errs = append(errs, err)
			}
		}
		c.logger.Info("Restored server", "server", srv.Name, "channels", len(channels))
	}
	return errors.Join(errs...)
}

// SaveChannelSettings stores the auto-join flag of a channel. The server
// must have been saved by a successful connect.
func (c *Client) SaveChannelSettings(server, channel string, autoJoin bool) error {
	if c.prefs == nil {
		return errors.New("no preference store configured")
	}
	if server == "" || channel == "" {
		return &session.InvalidTargetError{Target: channel}
	}
	return c.prefs.SaveChannel(channelRecord(server, channel, autoJoin))
}

// ChannelAutoJoin reports the saved auto-join flag of a channel. Unknown
// channels default to true.
func (c *Client) ChannelAutoJoin(server, channel string) bool {
	if c.prefs == nil {
		return true
	}
	ch, ok, err := c.prefs.Channel(server, channel)
	if err != nil {
		c.logger.Warn("Failed to load channel settings", "server", server, "channel", channel, "error", err)
		return true
	}
	if !ok {
		return true
	}
	return ch.AutoJoin
}

// SetNickname changes the default identity used by later connects and
// saves it as the profile. Live sessions keep their nickname.
func (c *Client) SetNickname(nick string) error {
	if nick == "" {
		return errors.New("nickname is empty")
	}
	c.mu.Lock()
	if c.identity.Nick == nick {
		c.mu.Unlock()
		return nil
	}
	c.identity = session.Identity{Nick: nick, User: nick, RealName: nick}
	c.mu.Unlock()

	c.record("save profile", func(p Preferences) error {
		return p.SaveProfile(prefs.Profile{Nick: nick})
	})
	return nil
}

// recorder applies preference updates on one background goroutine so the
// owner context never waits on storage. Updates are applied in order; when
// the queue is full the update is dropped and logged.
type recorder struct {
	tasks  chan recordTask
	logger *slog.Logger
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type recordTask struct {
	op string
	fn func() error
}

func newRecorder(size int, logger *slog.Logger) *recorder {
	r := &recorder{
		tasks:  make(chan recordTask, size),
		logger: logger,
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

func (r *recorder) worker() {
	defer r.wg.Done()
	for task := range r.tasks {
		r.run(task)
	}
}

func (r *recorder) run(task recordTask) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Preference update panicked", "op", task.op, "panic", p)
		}
	}()
	if err := task.fn(); err != nil {
		r.logger.Warn("Preference update failed", "op", task.op, "error", err)
	}
}

func (r *recorder) submit(op string, fn func() error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.tasks <- recordTask{op: op, fn: fn}:
		return true
	default:
		r.logger.Warn("Preference update dropped, queue full", "op", op)
		return false
	}
}

// flush waits until every update submitted so far has been applied.
func (r *recorder) flush() {
	done := make(chan struct{})
	if !r.submit("flush", func() error { close(done); return nil }) {
		return
	}
	<-done
}

// shutdown applies the queued updates and stops the worker.
func (r *recorder) shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.tasks)
	r.mu.Unlock()
	r.wg.Wait()
}
