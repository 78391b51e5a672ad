package session

import (
	"sort"
	"sync"
)

// ProtocolSession is the capability set the client needs from a
// per-server session. *Session implements it; tests and alternative
// protocol backends can substitute their own.
type ProtocolSession interface {
	Server() string
	Nick() string
	Connected() bool
	Join(channel string) error
	Part(channel, reason string) error
	Send(target, text string) error
	Disconnect(reason string) error
	PollOnce() bool
}

var _ ProtocolSession = (*Session)(nil)

// Registry maps server identities to their sessions. Presence in the
// registry means a connection was attempted or established; removal is the
// authoritative disconnected signal.
type Registry struct {
	sessions map[string]ProtocolSession
	mu       sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]ProtocolSession),
	}
}

// Add registers s under its server identity. It fails with
// ErrAlreadyConnected if the identity is taken.
func (r *Registry) Add(s ProtocolSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.Server()]; ok {
		return ErrAlreadyConnected
	}
	r.sessions[s.Server()] = s
	return nil
}

// Remove unregisters server. It reports false when there was nothing to
// remove.
func (r *Registry) Remove(server string) (ProtocolSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[server]
	if ok {
		delete(r.sessions, server)
	}
	return s, ok
}

// Get looks up the session for server.
func (r *Registry) Get(server string) (ProtocolSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[server]
	return s, ok
}

// Contains reports whether server has a session.
func (r *Registry) Contains(server string) bool {
	_, ok := r.Get(server)
	return ok
}

// Servers lists the registered identities in sorted order.
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	servers := make([]string, 0, len(r.sessions))
	for server := range r.sessions {
		servers = append(servers, server)
	}
	sort.Strings(servers)
	return servers
}

// Snapshot returns the registered sessions ordered by server identity.
// Sessions may be torn down after the snapshot is taken.
func (r *Registry) Snapshot() []ProtocolSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProtocolSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server() < out[j].Server() })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
