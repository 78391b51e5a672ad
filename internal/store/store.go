// Package store holds the chat state: every chat the client knows about,
// its history and unread counter, and which chat is active.
package store

import (
	"sync"
	"time"

	"github.com/omochice/multichat/pkg/protocol"
)

// ChatID identifies a chat: a channel or peer on one server. The chat whose
// Target equals its Server is the server's own console.
type ChatID struct {
	Server string
	Target string
}

func (id ChatID) String() string {
	return id.Target + "@" + id.Server
}

// Message is one entry of a chat history. Messages are immutable once
// appended.
type Message struct {
	Sender    string
	Content   string
	Timestamp time.Time
	System    bool
}

// Chat is a read-only snapshot of a chat.
type Chat struct {
	ID              ChatID
	DisplayName     string
	Private         bool
	Unread          int
	LastMessage     string
	LastMessageTime time.Time
	// LastUpdate is the time of the latest append. It never decreases.
	LastUpdate time.Time
	Messages   []Message
}

// Observer is notified about active-chat changes. Calls happen after the
// store lock is released.
type Observer interface {
	ActiveChanged(id ChatID)
	ActiveCleared()
}

type nopObserver struct{}

func (nopObserver) ActiveChanged(ChatID) {}
func (nopObserver) ActiveCleared()       {}

type entry struct {
	chat     Chat
	messages []Message
}

// Store is the single source of truth for chat state. Mutations are
// expected from one owner goroutine; readers may call the accessors at any
// time.
type Store struct {
	mu       sync.RWMutex
	order    []ChatID
	chats    map[ChatID]*entry
	active   ChatID
	hasAct   bool
	observer Observer
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithObserver registers the active-chat observer.
func WithObserver(o Observer) Option {
	return func(s *Store) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		chats:    make(map[ChatID]*entry),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpsertServer makes sure the console chat for server exists. It reports
// whether the chat was created.
func (s *Store) UpsertServer(server string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, created := s.ensure(ChatID{Server: server, Target: server}, false)
	return created
}

// UpsertChannel makes sure the chat exists. Re-adding keeps history and
// unread state.
func (s *Store) UpsertChannel(server, target string, private bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, created := s.ensure(ChatID{Server: server, Target: target}, private)
	return created
}

// ensure must be called with mu held.
func (s *Store) ensure(id ChatID, private bool) (*entry, bool) {
	if e, ok := s.chats[id]; ok {
		return e, false
	}
	e := &entry{chat: Chat{ID: id, DisplayName: id.Target, Private: private}}
	s.chats[id] = e
	s.order = append(s.order, id)
	return e, true
}

// isPrivate derives the privacy flag for chats created implicitly.
func isPrivate(id ChatID) bool {
	return id.Target != id.Server && !protocol.IsChannel(id.Target)
}

// RemoveServer removes every chat of server and returns how many were
// removed. If the active chat was among them the active pointer is cleared
// and observers are told once.
func (s *Store) RemoveServer(server string) int {
	s.mu.Lock()
	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		if id.Server == server {
			delete(s.chats, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	cleared := s.hasAct && s.active.Server == server
	if cleared {
		s.hasAct = false
		s.active = ChatID{}
	}
	s.mu.Unlock()

	if cleared {
		s.observer.ActiveCleared()
	}
	return removed
}

// RemoveChat removes one chat. It reports false if the chat did not exist.
func (s *Store) RemoveChat(server, target string) bool {
	id := ChatID{Server: server, Target: target}

	s.mu.Lock()
	if _, ok := s.chats[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.chats, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	cleared := s.hasAct && s.active == id
	if cleared {
		s.hasAct = false
		s.active = ChatID{}
	}
	s.mu.Unlock()

	if cleared {
		s.observer.ActiveCleared()
	}
	return true
}

// SetActive makes the chat active, creating it first if needed, and resets
// its unread counter. Observers are notified only when the active chat
// actually changed; the return value reports the same.
func (s *Store) SetActive(server, target string) bool {
	id := ChatID{Server: server, Target: target}

	s.mu.Lock()
	e, _ := s.ensure(id, isPrivate(id))
	e.chat.Unread = 0
	changed := !s.hasAct || s.active != id
	s.active = id
	s.hasAct = true
	s.mu.Unlock()

	if changed {
		s.observer.ActiveChanged(id)
	}
	return changed
}

// Active returns the active chat, if any.
func (s *Store) Active() (ChatID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.hasAct
}

// AppendMessage appends to the chat history, creating the chat if needed.
// The unread counter grows only when the chat is not active.
func (s *Store) AppendMessage(server, target, sender, content string, system bool) Message {
	id := ChatID{Server: server, Target: target}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, _ := s.ensure(id, isPrivate(id))
	now := s.now()
	msg := Message{Sender: sender, Content: content, Timestamp: now, System: system}
	e.messages = append(e.messages, msg)

	if !(s.hasAct && s.active == id) {
		e.chat.Unread++
	}
	if system || sender == "" {
		e.chat.LastMessage = content
	} else {
		e.chat.LastMessage = sender + ": " + content
	}
	e.chat.LastMessageTime = now
	if now.After(e.chat.LastUpdate) {
		e.chat.LastUpdate = now
	}
	return msg
}

// NeedsRefresh reports whether the chat changed strictly after since.
func (s *Store) NeedsRefresh(server, target string, since time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.chats[ChatID{Server: server, Target: target}]
	if !ok {
		return false
	}
	return e.chat.LastUpdate.After(since)
}

// LastUpdate returns the time of the chat's latest append.
func (s *Store) LastUpdate(server, target string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.chats[ChatID{Server: server, Target: target}]; ok {
		return e.chat.LastUpdate
	}
	return time.Time{}
}

// Get returns a snapshot of one chat including its history.
func (s *Store) Get(server, target string) (Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.chats[ChatID{Server: server, Target: target}]
	if !ok {
		return Chat{}, false
	}
	c := e.chat
	c.Messages = append([]Message(nil), e.messages...)
	return c, true
}

// Messages returns the chat history in append order.
func (s *Store) Messages(server, target string) []Message {
	c, _ := s.Get(server, target)
	return c.Messages
}

// Unread returns the unread counter of the chat.
func (s *Store) Unread(server, target string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.chats[ChatID{Server: server, Target: target}]; ok {
		return e.chat.Unread
	}
	return 0
}

// Preview returns the last-message preview and its time.
func (s *Store) Preview(server, target string) (string, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.chats[ChatID{Server: server, Target: target}]; ok {
		return e.chat.LastMessage, e.chat.LastMessageTime
	}
	return "", time.Time{}
}

// Chats lists every chat in creation order, without histories.
func (s *Store) Chats() []Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Chat, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.chats[id].chat)
	}
	return out
}

// ChatsFor lists the chats of one server in creation order.
func (s *Store) ChatsFor(server string) []ChatID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ChatID
	for _, id := range s.order {
		if id.Server == server {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of chats.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
