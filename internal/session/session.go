// Package session owns the per-server protocol sessions and the registry
// that keys them by server identity.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/omochice/multichat/internal/chat"
	"github.com/omochice/multichat/internal/transport/tcp"
	"github.com/omochice/multichat/internal/transport/ws"
	"github.com/omochice/multichat/pkg/protocol"
)

const (
	DefaultPort             = 6667
	DefaultPollWait         = 20 * time.Millisecond
	DefaultHandshakeTimeout = 10 * time.Second

	writeTimeout    = 5 * time.Second
	quitTimeout     = time.Second
	maxLinesPerPoll = 64
	echoWindow      = 30 * time.Second
)

// Identity is what we register with on the server.
type Identity struct {
	Nick     string
	User     string
	RealName string
}

// withDefaults fills User and RealName from Nick when empty.
func (id Identity) withDefaults() Identity {
	if id.User == "" {
		id.User = id.Nick
	}
	if id.RealName == "" {
		id.RealName = id.Nick
	}
	return id
}

// DialFunc opens the transport for a server.
type DialFunc func(ctx context.Context, address string, port int) (chat.Conn, error)

// Dial picks the transport from the address: "ws://" URLs use WebSocket,
// anything else is dialed as TCP host:port.
func Dial(ctx context.Context, address string, port int) (chat.Conn, error) {
	if strings.HasPrefix(address, "ws://") {
		return ws.Dial(ctx, address)
	}
	if port == 0 {
		port = DefaultPort
	}
	return tcp.Dial(ctx, net.JoinHostPort(address, strconv.Itoa(port)))
}

// Options tunes a Session. Zero values fall back to defaults.
type Options struct {
	Dial     DialFunc
	PollWait time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Session owns exactly one connection to one server and turns its traffic
// into domain events pushed onto a Queue.
type Session struct {
	server   string
	conn     chat.Conn
	events   *Queue
	logger   *slog.Logger
	pollWait time.Duration
	now      func() time.Time

	mu     sync.RWMutex
	nick   string
	closed bool

	pollMu    sync.Mutex
	closeOnce sync.Once

	echoMu sync.Mutex
	echoes []pendingEcho
}

type pendingEcho struct {
	target string
	text   string
	at     time.Time
}

// Connect dials server and completes registration. It returns only after
// the server's welcome reply was observed; any failure is a
// *ConnectionError. A Connected event is pushed on success.
func Connect(ctx context.Context, server string, port int, id Identity, events *Queue, opts Options) (*Session, error) {
	if opts.Dial == nil {
		opts.Dial = Dial
	}
	if opts.PollWait <= 0 {
		opts.PollWait = DefaultPollWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if id.Nick == "" {
		return nil, &ConnectionError{Server: server, Err: errors.New("nickname required")}
	}
	id = id.withDefaults()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHandshakeTimeout)
		defer cancel()
	}

	conn, err := opts.Dial(ctx, server, port)
	if err != nil {
		return nil, &ConnectionError{Server: server, Err: err}
	}

	s := &Session{
		server:   server,
		conn:     conn,
		events:   events,
		logger:   opts.Logger.With("server", server),
		pollWait: opts.PollWait,
		now:      opts.Now,
		nick:     id.Nick,
	}

	if err := s.register(ctx, id); err != nil {
		conn.Close()
		return nil, &ConnectionError{Server: server, Err: err}
	}

	s.logger.Info("Connected", "nick", s.Nick())
	s.push(Event{Kind: EventConnected})
	return s, nil
}

// register sends NICK/USER and waits for the welcome numeric.
func (s *Session) register(ctx context.Context, id Identity) error {
	for _, msg := range []protocol.Message{
		{Type: protocol.MessageTypeNick, Content: id.Nick},
		{Type: protocol.MessageTypeUser, Target: id.User, Content: id.RealName},
	} {
		if err := s.write(ctx, msg); err != nil {
			return fmt.Errorf("failed to register: %w", err)
		}
	}

	for {
		line, err := s.conn.ReadLine(ctx)
		if err != nil {
			return fmt.Errorf("waiting for welcome: %w", err)
		}
		var msg protocol.Message
		if err := msg.Decode(line); err != nil {
			continue
		}
		switch msg.Type {
		case protocol.MessageTypePing:
			_ = s.write(ctx, protocol.Message{Type: protocol.MessageTypePong, Content: msg.Content})
		case protocol.MessageTypeWelcome:
			if msg.Target != "" {
				s.setNick(msg.Target)
			}
			return nil
		case protocol.MessageTypeNickInUse:
			return fmt.Errorf("nickname %q is already in use", id.Nick)
		case protocol.MessageTypeError:
			return fmt.Errorf("server refused registration: %s", msg.Content)
		}
	}
}

// Server returns the server identity this session is keyed by.
func (s *Session) Server() string {
	return s.server
}

// Nick returns our current nickname on the server.
func (s *Session) Nick() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nick
}

func (s *Session) setNick(nick string) {
	s.mu.Lock()
	s.nick = nick
	s.mu.Unlock()
}

// Connected reports whether the session has not been torn down.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Join asks the server to join channel. Success is observed later as a
// Joined event.
func (s *Session) Join(channel string) error {
	if !protocol.IsValidTarget(channel) {
		return &InvalidTargetError{Target: channel}
	}
	return s.command("join", protocol.Message{Type: protocol.MessageTypeJoin, Target: channel})
}

// Part asks the server to leave channel. Success is observed later as a
// Left event.
func (s *Session) Part(channel, reason string) error {
	if !protocol.IsValidTarget(channel) {
		return &InvalidTargetError{Target: channel}
	}
	if protocol.HasLineBreak(reason) {
		return &InvalidTextError{Text: reason}
	}
	return s.command("part", protocol.Message{Type: protocol.MessageTypeLeave, Target: channel, Content: reason})
}

// Send delivers text to target and echoes it locally as a MessageReceived
// from our own nickname. Targets that are not a single word and text with
// CR, LF or NUL are rejected before anything is written.
func (s *Session) Send(target, text string) error {
	if !s.Connected() {
		return &NotConnectedError{Server: s.server}
	}
	if !protocol.IsValidTarget(target) || strings.EqualFold(target, s.server) {
		return &InvalidTargetError{Target: target}
	}
	if protocol.HasLineBreak(text) {
		return &InvalidTextError{Text: text}
	}
	if err := s.command("send", protocol.Message{Type: protocol.MessageTypeText, Target: target, Content: text}); err != nil {
		return err
	}
	s.rememberEcho(target, text)
	s.push(Event{Kind: EventMessageReceived, Target: target, Sender: s.Nick(), Text: text})
	return nil
}

func (s *Session) command(op string, msg protocol.Message) error {
	if !s.Connected() {
		return &NotConnectedError{Server: s.server}
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.write(ctx, msg); err != nil {
		return &TransientIOError{Server: s.server, Op: op, Err: err}
	}
	return nil
}

func (s *Session) write(ctx context.Context, msg protocol.Message) error {
	line, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.conn.WriteLine(ctx, line)
}

// Disconnect notifies the server on a best-effort basis and tears the
// session down. A Disconnected event is pushed even if the notification
// failed; the notification error, if any, is returned for reporting.
func (s *Session) Disconnect(reason string) error {
	return s.teardown(true, reason)
}

func (s *Session) teardown(notify bool, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if notify {
			ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
			err = s.write(ctx, protocol.Message{Type: protocol.MessageTypeQuit, Content: reason})
			cancel()
			if err != nil {
				s.logger.Warn("Failed to send quit", "error", err)
			}
		}
		if cerr := s.conn.Close(); cerr != nil {
			s.logger.Debug("Close failed", "error", cerr)
		}

		s.logger.Info("Disconnected", "reason", reason)
		s.push(Event{Kind: EventDisconnected, Text: reason})
	})
	return err
}

// PollOnce processes the inbound data that becomes available within the
// poll wait. It reports whether any line was processed. On a torn-down
// session it is a no-op returning false.
func (s *Session) PollOnce() bool {
	if !s.Connected() {
		return false
	}
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	deadline := time.Now().Add(s.pollWait)
	processed := false
	for i := 0; i < maxLinesPerPoll; i++ {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		line, err := s.conn.ReadLine(ctx)
		cancel()
		if err != nil {
			s.readFailed(err)
			break
		}
		processed = true
		s.handleLine(line)
		if !s.Connected() {
			break
		}
		// only drain what is already buffered from here on
		deadline = time.Now()
	}
	return processed
}

func (s *Session) readFailed(err error) {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
	case !s.Connected():
	case isTerminal(err):
		s.logger.Info("Connection lost", "error", err)
		s.teardown(false, "connection lost")
	default:
		s.logger.Warn("Poll failed", "error", &TransientIOError{Server: s.server, Op: "poll", Err: err})
	}
}

func isTerminal(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET)
}

func (s *Session) handleLine(line string) {
	var msg protocol.Message
	if err := msg.Decode(line); err != nil {
		s.logger.Debug("Dropping undecodable line", "error", err)
		return
	}

	switch msg.Type {
	case protocol.MessageTypePing:
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.write(ctx, protocol.Message{Type: protocol.MessageTypePong, Content: msg.Content}); err != nil {
			s.logger.Warn("Failed to answer ping", "error", err)
		}
		cancel()
	case protocol.MessageTypeJoin:
		if s.isSelf(msg.Sender) {
			s.push(Event{Kind: EventJoined, Target: msg.Target})
		}
	case protocol.MessageTypeLeave:
		if s.isSelf(msg.Sender) {
			s.push(Event{Kind: EventLeft, Target: msg.Target})
		}
	case protocol.MessageTypeKick:
		if s.isSelf(msg.Content) {
			s.push(Event{Kind: EventLeft, Target: msg.Target})
		}
	case protocol.MessageTypeNick:
		if s.isSelf(msg.Sender) && msg.Content != "" {
			s.setNick(msg.Content)
		}
	case protocol.MessageTypeText:
		if s.isSelf(msg.Sender) && s.consumeEcho(msg.Target, msg.Content) {
			return
		}
		target := msg.Target
		if s.isSelf(target) {
			target = msg.Sender
		}
		s.push(Event{Kind: EventMessageReceived, Target: target, Sender: msg.Sender, Text: msg.Content})
	case protocol.MessageTypeError:
		s.teardown(false, msg.Content)
	}
}

func (s *Session) isSelf(nick string) bool {
	return nick != "" && strings.EqualFold(nick, s.Nick())
}

func (s *Session) rememberEcho(target, text string) {
	s.echoMu.Lock()
	defer s.echoMu.Unlock()
	now := s.now()
	kept := s.echoes[:0]
	for _, e := range s.echoes {
		if now.Sub(e.at) < echoWindow {
			kept = append(kept, e)
		}
	}
	s.echoes = append(kept, pendingEcho{target: target, text: text, at: now})
}

// consumeEcho reports whether an inbound message from ourselves is the
// server echoing a send we already appended locally.
func (s *Session) consumeEcho(target, text string) bool {
	s.echoMu.Lock()
	defer s.echoMu.Unlock()
	for i, e := range s.echoes {
		if strings.EqualFold(e.target, target) && e.text == text {
			s.echoes = append(s.echoes[:i], s.echoes[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) push(ev Event) {
	ev.Server = s.server
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.events.Push(ev)
}
