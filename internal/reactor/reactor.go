// Package reactor drives pollOnce across every live session from a single
// background goroutine.
package reactor

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/omochice/multichat/internal/metrics"
	"github.com/omochice/multichat/internal/session"
)

const (
	DefaultInterval = 50 * time.Millisecond
	DefaultJoinWait = time.Second
)

// ErrJoinTimeout is returned by Stop when the loop did not exit within the
// wait. The loop still exits once its current poll returns.
var ErrJoinTimeout = errors.New("reactor did not stop in time")

// Sessions is the read-only view of the registry the loop needs.
type Sessions interface {
	Snapshot() []session.ProtocolSession
}

// Options configures a Loop.
type Options struct {
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Loop polls sessions until the registry is empty or Stop is called. It
// never mutates chat state; sessions surface events on their queue.
type Loop struct {
	sessions Sessions
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a stopped Loop.
func New(sessions Sessions, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loop{
		sessions: sessions,
		interval: opts.Interval,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Start launches the loop goroutine unless it is already running. It
// reports whether a new goroutine was started.
func (l *Loop) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return false
	}
	l.running = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.run(l.stop, l.done)
	l.logger.Debug("Reactor started", "interval", l.interval)
	return true
}

// Running reports whether the loop goroutine is alive.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stop asks the loop to exit and waits up to wait for it. A timeout is
// reported as ErrJoinTimeout; the caller may proceed with teardown.
func (l *Loop) Stop(wait time.Duration) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	done := l.done
	l.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		l.logger.Warn("Reactor did not stop within wait", "wait", wait)
		return ErrJoinTimeout
	}
}

func (l *Loop) run(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		sessions := l.sessions.Snapshot()
		if len(sessions) == 0 && l.exitIdle(stop) {
			return
		}
		for _, s := range sessions {
			if stopped(stop) {
				l.exit()
				return
			}
			l.poll(s)
		}

		select {
		case <-stop:
			l.exit()
			return
		case <-ticker.C:
		}
	}
}

// exitIdle marks the loop stopped unless a session was registered after
// the last snapshot. Start holds the same lock, so a session added after
// this check gets a fresh goroutine.
func (l *Loop) exitIdle(stop chan struct{}) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !stopped(stop) && len(l.sessions.Snapshot()) > 0 {
		return false
	}
	l.running = false
	l.logger.Debug("Reactor idle, exiting")
	return true
}

func (l *Loop) exit() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
	l.logger.Debug("Reactor stopped")
}

func (l *Loop) poll(s session.ProtocolSession) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.Panic("reactor")
			l.logger.Error("Session poll panicked", "server", s.Server(), "panic", r)
		}
	}()
	l.metrics.Poll(s.Server(), "reactor")
	s.PollOnce()
}

func stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
