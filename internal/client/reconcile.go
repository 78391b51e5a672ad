package client

import (
	"fmt"
	"time"

	"github.com/omochice/multichat/internal/session"
	"github.com/omochice/multichat/internal/store"
	"github.com/omochice/multichat/pkg/protocol"
)

// reconcileLocked applies every queued session event to the store. The
// owner lock must be held.
func (c *Client) reconcileLocked() {
	for _, ev := range c.events.Drain() {
		c.apply(ev)
		c.metrics.EventApplied(ev.Kind.String())
	}
}

func (c *Client) apply(ev session.Event) {
	server := ev.Server
	switch ev.Kind {
	case session.EventConnected:
		c.store.UpsertServer(server)
		c.store.AppendMessage(server, server, "", fmt.Sprintf("Connected to server %s", server), true)
		c.note(func() { c.observer.ConnectionChanged(server, true) })

	case session.EventDisconnected:
		// a replacement session may already be registered under the same
		// identity; only a torn-down one is removed
		if s, ok := c.registry.Get(server); ok && !s.Connected() {
			c.registry.Remove(server)
			c.metrics.SetSessions(c.registry.Len())
		}
		if _, ok := c.store.Get(server, server); ok {
			c.store.AppendMessage(server, server, "", fmt.Sprintf("Disconnected from server %s", server), true)
		}
		c.note(func() { c.observer.ConnectionChanged(server, false) })

	case session.EventJoined:
		channel := ev.Target
		id := store.ChatID{Server: server, Target: channel}
		c.cancelRemoval(id)
		c.store.UpsertChannel(server, channel, !protocol.IsChannel(channel))
		c.store.AppendMessage(server, channel, "", fmt.Sprintf("You joined channel %s", channel), true)
		c.note(func() { c.observer.ChannelJoined(server, channel) })

	case session.EventLeft:
		channel := ev.Target
		if _, ok := c.store.Get(server, channel); ok {
			c.store.AppendMessage(server, channel, "", fmt.Sprintf("You left channel %s", channel), true)
			c.scheduleRemoval(store.ChatID{Server: server, Target: channel})
		}
		c.note(func() { c.observer.ChannelLeft(server, channel) })

	case session.EventMessageReceived:
		c.store.AppendMessage(server, ev.Target, ev.Sender, ev.Text, false)

	default:
		c.logger.Debug("Ignoring unknown event", "kind", ev.Kind, "server", server)
	}
}

// scheduleRemoval drops the chat after the part grace delay. A later
// Joined for the same chat cancels it.
func (c *Client) scheduleRemoval(id store.ChatID) {
	c.cancelRemoval(id)
	if c.cfg.PartGrace <= 0 {
		c.store.RemoveChat(id.Server, id.Target)
		return
	}

	var t *time.Timer
	t = time.AfterFunc(c.cfg.PartGrace, func() {
		c.lock()
		defer c.unlock()
		if c.removals[id] != t {
			return
		}
		delete(c.removals, id)
		c.store.RemoveChat(id.Server, id.Target)
	})
	c.removals[id] = t
}

func (c *Client) cancelRemoval(id store.ChatID) {
	if t, ok := c.removals[id]; ok {
		t.Stop()
		delete(c.removals, id)
	}
}

func (c *Client) cancelRemovals(server string) {
	for id := range c.removals {
		if id.Server == server {
			c.cancelRemoval(id)
		}
	}
}

// PendingRemovals lists chats waiting for their part grace delay.
func (c *Client) PendingRemovals() []store.ChatID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.ChatID, 0, len(c.removals))
	for id := range c.removals {
		out = append(out, id)
	}
	return out
}
