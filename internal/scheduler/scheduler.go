// Package scheduler drives periodic synchronization between the network
// sessions and the chat store.
//
// Each tick reconciles queued events, drains every server that is not rate
// limited, and notifies observers about chats whose last update is newer
// than the last notification. The active chat is always handled first.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omochice/multichat/internal/metrics"
	"github.com/omochice/multichat/internal/session"
	"github.com/omochice/multichat/internal/store"
)

const (
	// DefaultInterval is the tick cadence used by Run callers.
	DefaultInterval = 3 * time.Second
	// DefaultServerMinInterval bounds how often one server is drained.
	DefaultServerMinInterval = 2 * time.Second
)

// ErrBusy is returned by ForceRefresh while a tick is in flight.
var ErrBusy = errors.New("scheduler tick in progress")

// State is the phase of the tick in flight.
type State int32

const (
	StateIdle State = iota
	StateDraining
	StateReconciling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// Source is what the scheduler drives. The client implements it on top of
// its session registry and chat store.
type Source interface {
	// Servers lists the servers with a live session.
	Servers() []string
	// Poll pulls pending inbound data of server into its event queue. It
	// must not touch chat state.
	Poll(server string) bool
	// Reconcile applies every queued event to the chat state.
	Reconcile() error
	Active() (store.ChatID, bool)
	ChatsFor(server string) []store.ChatID
	NeedsRefresh(id store.ChatID, since time.Time) bool
	LastUpdate(id store.ChatID) time.Time
	// ChatUpdated notifies observers that id has new content.
	ChatUpdated(id store.ChatID)
}

// Options configures a Scheduler.
type Options struct {
	ServerMinInterval time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

// Scheduler runs ticks against a Source. At most one tick or force
// refresh runs at a time; overlapping calls are skipped.
type Scheduler struct {
	src         Source
	minInterval time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	running atomic.Bool
	state   atomic.Int32

	// guarded by running
	lastPoll     map[string]time.Time
	lastNotified map[store.ChatID]time.Time

	mu sync.Mutex // protects polls
	// polls counts drains per server
	polls map[string]int
}

// New creates a Scheduler for src.
func New(src Source, opts Options) *Scheduler {
	if opts.ServerMinInterval <= 0 {
		opts.ServerMinInterval = DefaultServerMinInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		src:          src,
		minInterval:  opts.ServerMinInterval,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
		lastPoll:     make(map[string]time.Time),
		lastNotified: make(map[store.ChatID]time.Time),
		polls:        make(map[string]int),
	}
}

// State returns the phase of the tick in flight.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Polls returns how many times server has been drained by the scheduler.
func (s *Scheduler) Polls(server string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[server]
}

// Tick runs one synchronization pass. It reports false when another pass
// was already running and this one was skipped.
func (s *Scheduler) Tick() bool {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.TickSkipped()
		s.logger.Debug("Scheduler tick skipped, previous tick still running")
		return false
	}
	defer s.running.Store(false)
	defer s.state.Store(int32(StateIdle))

	if err := s.guard("tick", s.tick); err != nil {
		s.metrics.TickFailed()
		s.logger.Warn("Scheduler tick aborted", "error", err)
		return true
	}
	s.metrics.TickRun()
	return true
}

func (s *Scheduler) tick() error {
	// events queued by the reactor or by commands since the last pass
	if err := s.reconcile(); err != nil {
		return err
	}

	servers := s.src.Servers()
	s.prune(servers)

	active, hasActive := s.src.Active()
	activeDone := false

	for _, server := range servers {
		if !s.due(server) {
			s.metrics.RateLimited(server)
			continue
		}
		s.drain(server)
		if err := s.reconcile(); err != nil {
			return err
		}
		if hasActive && active.Server == server {
			s.notifyIfDue(active)
			activeDone = true
		}
		s.notifyBackground(server, active, hasActive)
	}

	// the active chat is reconciled even when its server was rate limited
	if hasActive && !activeDone {
		s.state.Store(int32(StateReconciling))
		s.notifyIfDue(active)
	}
	return nil
}

// ForceRefresh drains the server of id regardless of the rate limit and
// notifies observers about id if the chat exists. It fails with ErrBusy
// while a tick runs and with *session.NotConnectedError when the server has
// no session.
func (s *Scheduler) ForceRefresh(id store.ChatID) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.running.Store(false)
	defer s.state.Store(int32(StateIdle))

	if !slices.Contains(s.src.Servers(), id.Server) {
		return &session.NotConnectedError{Server: id.Server}
	}

	return s.guard("force refresh", func() error {
		s.drain(id.Server)
		if err := s.reconcile(); err != nil {
			return err
		}
		if !slices.Contains(s.src.ChatsFor(id.Server), id) {
			return nil
		}
		s.lastNotified[id] = s.src.LastUpdate(id)
		s.src.ChatUpdated(id)
		return nil
	})
}

// prune forgets the bookkeeping of servers without a session and of chats
// that no longer exist.
func (s *Scheduler) prune(servers []string) {
	live := make(map[string]bool, len(servers))
	for _, server := range servers {
		live[server] = true
	}
	for server := range s.lastPoll {
		if !live[server] {
			delete(s.lastPoll, server)
		}
	}
	s.mu.Lock()
	for server := range s.polls {
		if !live[server] {
			delete(s.polls, server)
		}
	}
	s.mu.Unlock()

	known := make(map[string]map[store.ChatID]bool)
	for id := range s.lastNotified {
		chats, ok := known[id.Server]
		if !ok {
			chats = make(map[store.ChatID]bool)
			for _, c := range s.src.ChatsFor(id.Server) {
				chats[c] = true
			}
			known[id.Server] = chats
		}
		if !chats[id] {
			delete(s.lastNotified, id)
		}
	}
}

func (s *Scheduler) due(server string) bool {
	last, ok := s.lastPoll[server]
	return !ok || s.now().Sub(last) >= s.minInterval
}

func (s *Scheduler) drain(server string) {
	s.state.Store(int32(StateDraining))
	s.lastPoll[server] = s.now()

	s.mu.Lock()
	s.polls[server]++
	s.mu.Unlock()

	s.metrics.Poll(server, "scheduler")
	s.src.Poll(server)
}

func (s *Scheduler) reconcile() error {
	s.state.Store(int32(StateReconciling))
	if err := s.src.Reconcile(); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}

func (s *Scheduler) notifyIfDue(id store.ChatID) bool {
	since := s.lastNotified[id]
	if !s.src.NeedsRefresh(id, since) {
		return false
	}
	s.lastNotified[id] = s.src.LastUpdate(id)
	s.src.ChatUpdated(id)
	return true
}

// notifyBackground handles the non-active chats of server. A failing
// observer only loses its own notification.
func (s *Scheduler) notifyBackground(server string, active store.ChatID, hasActive bool) {
	for _, id := range s.src.ChatsFor(server) {
		if hasActive && id == active {
			continue
		}
		err := s.guard("notify", func() error {
			s.notifyIfDue(id)
			return nil
		})
		if err != nil {
			s.logger.Debug("Chat update notification dropped", "chat", id.String(), "error", err)
		}
	}
}

func (s *Scheduler) guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Panic("scheduler")
			err = fmt.Errorf("%s panicked: %v", op, r)
		}
	}()
	return fn()
}
