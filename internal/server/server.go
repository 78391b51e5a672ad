// Package server implements a small IRC relay used for local runs and end
// to end tests. Raw TCP clients and WebSocket clients share one port and
// one Hub.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/gobwas/ws"
	"gopkg.in/irc.v4"

	"github.com/omochice/multichat/internal/chat"
	"github.com/omochice/multichat/internal/transport/tcp"
	wstransport "github.com/omochice/multichat/internal/transport/ws"
	"github.com/omochice/multichat/pkg/protocol"
)

// DefaultName is the server name used in reply prefixes.
const DefaultName = "multichat.local"

const outgoingBuffer = 64

// Options configures a Server.
type Options struct {
	Name   string
	Logger *slog.Logger
}

// Server is the relay.
type Server struct {
	address  string
	name     string
	logger   *slog.Logger
	listener net.Listener
	hub      *chat.Hub

	mu       sync.Mutex
	conns    map[chat.Conn]struct{}
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Server that will listen on address.
func New(address string, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		address: address,
		name:    opts.Name,
		logger:  opts.Logger,
		hub:     chat.NewHub(),
		conns:   make(map[chat.Conn]struct{}),
		quit:    make(chan struct{}),
	}
}

// Start listens and accepts connections in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.logger.Info("Relay server started", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections()
	return nil
}

// Stop closes the listener and every client connection and waits for the
// handlers to return. It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}

		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Failed to accept connection", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection sniffs the protocol and wraps conn in the matching line
// transport.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	proto, reader, err := detectProtocol(conn)
	if err != nil {
		s.logger.Debug("Failed to peek connection", "error", err)
		conn.Close()
		return
	}

	var lc chat.Conn
	switch proto {
	case protocolHTTP:
		rw := struct {
			io.Reader
			io.Writer
		}{reader, conn}
		if _, err := ws.Upgrade(rw); err != nil {
			s.logger.Warn("Failed to upgrade connection", "error", err)
			conn.Close()
			return
		}
		lc = wstransport.NewServerConn(conn, reader)
	default:
		lc = tcp.NewConnWithReader(conn, reader)
	}

	s.logger.Debug("Client connected", "remote", lc.RemoteAddr(), "protocol", proto.String())
	s.serveClient(lc)
}

// session is the per-connection state of the relay.
type session struct {
	srv      *Server
	client   *chat.Client
	host     string
	realName string
	welcomed bool
	done     chan struct{}
}

func (s *Server) serveClient(conn chat.Conn) {
	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	sess := &session{
		srv:    s,
		client: &chat.Client{Conn: conn, Outgoing: make(chan string, outgoingBuffer)},
		host:   hostOf(conn.RemoteAddr()),
		done:   make(chan struct{}),
	}
	s.hub.Register(sess.client)

	// the outgoing channel is never closed; a concurrent broadcast may still
	// be sending to it
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case line := <-sess.client.Outgoing:
				if err := conn.WriteLine(context.Background(), line); err != nil {
					s.logger.Debug("Failed to write to client", "remote", conn.RemoteAddr(), "error", err)
					return
				}
			case <-sess.done:
				sess.flush()
				return
			}
		}
	}()

	reason := sess.readLoop()

	for _, channel := range s.hub.Unregister(sess.client) {
		if sess.welcomed {
			s.hub.Broadcast(channel, sess.line("QUIT", reason), sess.client)
		}
	}
	close(sess.done)
	<-writerDone
	conn.Close()

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.logger.Debug("Client disconnected", "nick", sess.client.Nick, "reason", reason)
}

// readLoop handles client lines until the connection ends and returns the
// quit reason.
func (sess *session) readLoop() string {
	for {
		line, err := sess.client.Conn.ReadLine(context.Background())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "Connection closed"
			}
			return "Read error"
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		var msg protocol.Message
		if err := msg.Decode(line); err != nil {
			sess.srv.logger.Debug("Failed to decode line", "error", err)
			continue
		}
		if quit, reason := sess.handle(msg); quit {
			return reason
		}
	}
}

func (sess *session) handle(msg protocol.Message) (bool, string) {
	switch msg.Type {
	case protocol.MessageTypePing:
		sess.send(&irc.Message{
			Prefix:  &irc.Prefix{Name: sess.srv.name},
			Command: "PONG",
			Params:  []string{sess.srv.name, msg.Content},
		})
		return false, ""
	case protocol.MessageTypeNick:
		sess.handleNick(msg.Content)
		return false, ""
	case protocol.MessageTypeUser:
		if sess.welcomed {
			sess.numeric("462", "You may not reregister")
			return false, ""
		}
		sess.client.User = msg.Target
		sess.realName = msg.Content
		sess.maybeWelcome()
		return false, ""
	case protocol.MessageTypeQuit:
		reason := msg.Content
		if reason == "" {
			reason = "Client quit"
		}
		sess.send(&irc.Message{Command: "ERROR", Params: []string{"Closing link: " + reason}})
		return true, reason
	case protocol.MessageTypePong:
		return false, ""
	}

	if !sess.welcomed {
		sess.numeric("451", "You have not registered")
		return false, ""
	}

	switch msg.Type {
	case protocol.MessageTypeJoin:
		for _, channel := range splitTargets(msg.Target) {
			sess.handleJoin(channel)
		}
	case protocol.MessageTypeLeave:
		for _, channel := range splitTargets(msg.Target) {
			sess.handlePart(channel, msg.Content)
		}
	case protocol.MessageTypeText:
		sess.handlePrivmsg(msg.Target, msg.Content)
	case protocol.MessageTypeKick:
		reason := ""
		if len(msg.Params) > 2 {
			reason = msg.Params[2]
		}
		sess.handleKick(msg.Target, msg.Content, reason)
	default:
		sess.numeric("421", msg.Command, "Unknown command")
	}
	return false, ""
}

func (sess *session) handleNick(nick string) {
	if nick == "" {
		sess.numeric("431", "No nickname given")
		return
	}
	old := sess.prefix()
	oldNick := sess.client.Nick
	if !sess.srv.hub.SetNick(sess.client, nick) {
		sess.numeric("433", nick, "Nickname is already in use")
		return
	}
	if !sess.welcomed {
		sess.maybeWelcome()
		return
	}
	if oldNick == nick {
		return
	}

	line := (&irc.Message{Prefix: old, Command: "NICK", Params: []string{nick}}).String()
	sess.client.Send(line)
	for _, channel := range sess.srv.hub.Channels(sess.client) {
		sess.srv.hub.Broadcast(channel, line, sess.client)
	}
}

func (sess *session) maybeWelcome() {
	if sess.welcomed || sess.client.Nick == "" || sess.client.User == "" {
		return
	}
	sess.welcomed = true
	sess.numeric("001", "Welcome to the multichat relay "+sess.client.Nick)
}

func (sess *session) handleJoin(channel string) {
	if !protocol.IsChannel(channel) {
		sess.numeric("403", channel, "No such channel")
		return
	}
	if !sess.srv.hub.Join(sess.client, channel) {
		return
	}
	// members, the joiner included, see the JOIN
	sess.srv.hub.Broadcast(channel, sess.line("JOIN", channel), nil)
}

func (sess *session) handlePart(channel, reason string) {
	params := []string{channel}
	if reason != "" {
		params = append(params, reason)
	}
	line := (&irc.Message{Prefix: sess.prefix(), Command: "PART", Params: params}).String()
	if !sess.isMember(channel) {
		sess.numeric("442", channel, "You're not on that channel")
		return
	}
	sess.srv.hub.Broadcast(channel, line, nil)
	sess.srv.hub.Part(sess.client, channel)
}

func (sess *session) handlePrivmsg(target, text string) {
	if target == "" {
		sess.numeric("411", "No recipient given (PRIVMSG)")
		return
	}
	line := (&irc.Message{Prefix: sess.prefix(), Command: "PRIVMSG", Params: []string{target, text}}).String()

	if protocol.IsChannel(target) {
		if !sess.isMember(target) {
			sess.numeric("404", target, "Cannot send to channel")
			return
		}
		sess.srv.hub.Broadcast(target, line, sess.client)
		return
	}

	peer := sess.srv.hub.FindNick(target)
	if peer == nil {
		sess.numeric("401", target, "No such nick/channel")
		return
	}
	peer.Send(line)
}

func (sess *session) handleKick(channel, nick, reason string) {
	if !sess.isMember(channel) {
		sess.numeric("442", channel, "You're not on that channel")
		return
	}
	victim := sess.srv.hub.FindNick(nick)
	if victim == nil || !containsClient(sess.srv.hub.Members(channel), victim) {
		sess.numeric("441", nick, channel, "They aren't on that channel")
		return
	}
	if reason == "" {
		reason = sess.client.Nick
	}
	line := (&irc.Message{Prefix: sess.prefix(), Command: "KICK", Params: []string{channel, nick, reason}}).String()
	sess.srv.hub.Broadcast(channel, line, nil)
	sess.srv.hub.Part(victim, channel)
}

func (sess *session) isMember(channel string) bool {
	return containsClient(sess.srv.hub.Members(channel), sess.client)
}

func (sess *session) prefix() *irc.Prefix {
	return &irc.Prefix{Name: sess.client.Nick, User: sess.client.User, Host: sess.host}
}

func (sess *session) line(command string, params ...string) string {
	return (&irc.Message{Prefix: sess.prefix(), Command: command, Params: params}).String()
}

// numeric sends a numeric reply addressed to the client's nick, or "*"
// before one is set.
func (sess *session) numeric(code string, params ...string) {
	nick := sess.client.Nick
	if nick == "" {
		nick = "*"
	}
	sess.send(&irc.Message{
		Prefix:  &irc.Prefix{Name: sess.srv.name},
		Command: code,
		Params:  append([]string{nick}, params...),
	})
}

// flush writes whatever is still queued, such as the closing ERROR line.
func (sess *session) flush() {
	for {
		select {
		case line := <-sess.client.Outgoing:
			if err := sess.client.Conn.WriteLine(context.Background(), line); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (sess *session) send(m *irc.Message) {
	if !sess.client.Send(m.String()) {
		sess.srv.logger.Warn("Client queue full, dropping line", "nick", sess.client.Nick, "command", m.Command)
	}
}

func splitTargets(list string) []string {
	var out []string
	for _, t := range strings.Split(list, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func containsClient(clients []*chat.Client, c *chat.Client) bool {
	for _, m := range clients {
		if m == c {
			return true
		}
	}
	return false
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}
