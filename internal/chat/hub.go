package chat

import (
	"sort"
	"strings"
	"sync"
)

// Client represents a connected client with transport-agnostic connection.
type Client struct {
	Conn     Conn
	Nick     string
	User     string
	Outgoing chan string
}

// Hub manages all connected clients and their channel membership.
// Both TCP and WebSocket listeners share a single Hub instance.
type Hub struct {
	clients  map[*Client]bool
	channels map[string]map[*Client]bool
	mu       sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:  make(map[*Client]bool),
		channels: make(map[string]map[*Client]bool),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub and from every channel it was
// in. It returns the names of those channels.
func (h *Hub) Unregister(client *Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)

	var left []string
	for name, members := range h.channels {
		if members[client] {
			delete(members, client)
			left = append(left, name)
			if len(members) == 0 {
				delete(h.channels, name)
			}
		}
	}
	sort.Strings(left)
	return left
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Join adds client to channel. It reports false if the client already was a
// member.
func (h *Hub) Join(client *Client, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := strings.ToLower(channel)
	members, ok := h.channels[key]
	if !ok {
		members = make(map[*Client]bool)
		h.channels[key] = members
	}
	if members[client] {
		return false
	}
	members[client] = true
	return true
}

// Part removes client from channel. It reports false if the client was not
// a member.
func (h *Hub) Part(client *Client, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := strings.ToLower(channel)
	members, ok := h.channels[key]
	if !ok || !members[client] {
		return false
	}
	delete(members, client)
	if len(members) == 0 {
		delete(h.channels, key)
	}
	return true
}

// SetNick renames client unless another client already uses nick. Nick
// comparison is case-insensitive.
func (h *Hub) SetNick(client *Client, nick string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c != client && strings.EqualFold(c.Nick, nick) {
			return false
		}
	}
	client.Nick = nick
	return true
}

// Channels returns the channels client is a member of.
func (h *Hub) Channels(client *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for name, members := range h.channels {
		if members[client] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Members returns the clients currently in channel.
func (h *Hub) Members(channel string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.channels[strings.ToLower(channel)]
	out := make([]*Client, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// FindNick returns the client registered under nick, if any.
func (h *Hub) FindNick(nick string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if strings.EqualFold(c.Nick, nick) {
			return c
		}
	}
	return nil
}

// Broadcast queues line for every member of channel except the excluded
// client. Slow clients whose queue is full are skipped.
func (h *Hub) Broadcast(channel, line string, except *Client) int {
	delivered := 0
	for _, c := range h.Members(channel) {
		if c == except {
			continue
		}
		if c.Send(line) {
			delivered++
		}
	}
	return delivered
}

// Send queues line for the client without blocking.
func (c *Client) Send(line string) bool {
	select {
	case c.Outgoing <- line:
		return true
	default:
		return false
	}
}
