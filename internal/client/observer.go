package client

import (
	"time"

	"github.com/omochice/multichat/internal/store"
)

// Observer receives change notifications from the client. Calls are made
// without the owner lock held, so an observer may issue commands.
type Observer interface {
	ConnectionChanged(server string, connected bool)
	ChannelJoined(server, channel string)
	ChannelLeft(server, channel string)
	// ChatsUpdated reports that a chat has content the observer has not
	// been told about yet.
	ChatsUpdated(server, channel string)
	ActiveChanged(server, channel string)
	ActiveCleared()
}

// NopObserver ignores every notification. Embed it to implement only part
// of Observer.
type NopObserver struct{}

func (NopObserver) ConnectionChanged(string, bool) {}
func (NopObserver) ChannelJoined(string, string)   {}
func (NopObserver) ChannelLeft(string, string)     {}
func (NopObserver) ChatsUpdated(string, string)    {}
func (NopObserver) ActiveChanged(string, string)   {}
func (NopObserver) ActiveCleared()                 {}

// storeObserver forwards store notifications to the client observer once
// the owner lock is released.
type storeObserver struct {
	c *Client
}

func (o storeObserver) ActiveChanged(id store.ChatID) {
	o.c.note(func() { o.c.observer.ActiveChanged(id.Server, id.Target) })
}

func (o storeObserver) ActiveCleared() {
	o.c.note(o.c.observer.ActiveCleared)
}

// syncSource adapts the client to scheduler.Source.
type syncSource struct {
	c *Client
}

func (s syncSource) Servers() []string {
	return s.c.registry.Servers()
}

func (s syncSource) Poll(server string) bool {
	sess, ok := s.c.registry.Get(server)
	if !ok {
		return false
	}
	return sess.PollOnce()
}

func (s syncSource) Reconcile() error {
	s.c.lock()
	s.c.unlock()
	return nil
}

func (s syncSource) Active() (store.ChatID, bool) {
	return s.c.store.Active()
}

func (s syncSource) ChatsFor(server string) []store.ChatID {
	return s.c.store.ChatsFor(server)
}

func (s syncSource) NeedsRefresh(id store.ChatID, since time.Time) bool {
	return s.c.store.NeedsRefresh(id.Server, id.Target, since)
}

func (s syncSource) LastUpdate(id store.ChatID) time.Time {
	return s.c.store.LastUpdate(id.Server, id.Target)
}

func (s syncSource) ChatUpdated(id store.ChatID) {
	s.c.observer.ChatsUpdated(id.Server, id.Target)
}
