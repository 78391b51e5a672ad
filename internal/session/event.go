package session

import "time"

// EventKind identifies a domain event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventJoined
	EventLeft
	EventMessageReceived
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	case EventMessageReceived:
		return "message"
	default:
		return "unknown"
	}
}

// Event is a decoded, protocol-independent notification produced by a
// session.
type Event struct {
	Kind   EventKind
	Server string
	// Target is the channel for Joined/Left and the chat a message belongs
	// to for MessageReceived (the channel, or the peer for direct messages).
	Target string
	Sender string
	Text   string
	At     time.Time
}
