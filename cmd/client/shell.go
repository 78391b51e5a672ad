package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/omochice/multichat/internal/client"
	"github.com/omochice/multichat/internal/store"
	"github.com/omochice/multichat/pkg/protocol"
)

const helpText = `Commands:
  /connect <host|ws://url> [port] [nick]  open a session
  /disconnect [server]                     quit a server and forget it
  /join <#channel>                         join a channel on the current server
  /part [#channel]                         leave a channel
  /msg <target> <text>                     send to a channel or nickname
  /query <nick>                            open a private chat
  /active <target> [server]                switch the current chat
  /list                                    show every chat
  /refresh                                 fetch the current chat now
  /nick <name>                             change the default nickname
  /autojoin <#channel> on|off              rejoin the channel on start
  /status                                  show sync state
  /quit                                    leave
Anything else is sent to the current chat.`

var errQuit = errors.New("quit")

// command is one parsed input line.
type command struct {
	name string
	args []string
	text string
}

// parseCommand splits a line into a command. Lines without a leading slash
// become "say". The trailing text of /msg and "say" keeps its spacing.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "say", text: line}, nil
	}

	name, rest := cutField(line[1:])
	cmd := command{name: strings.ToLower(name)}
	switch cmd.name {
	case "":
		return command{}, errors.New("empty command")
	case "msg":
		target, text := cutField(rest)
		if target == "" || text == "" {
			return command{}, errors.New("usage: /msg <target> <text>")
		}
		cmd.args = []string{target}
		cmd.text = text
	default:
		cmd.args = strings.Fields(rest)
	}
	return cmd, nil
}

func cutField(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i+1:], " \t")
}

// shell reads commands from in and prints chat activity to out. It is the
// observer of the client it drives.
type shell struct {
	client *client.Client

	in    io.Reader
	outMu sync.Mutex
	out   io.Writer

	mu          sync.Mutex
	current     store.ChatID
	hasCurrent  bool
	pendingJoin store.ChatID
	printed     map[store.ChatID]int
}

var _ client.Observer = (*shell)(nil)

func newShell(in io.Reader, out io.Writer) *shell {
	return &shell{
		in:      in,
		out:     out,
		printed: make(map[store.ChatID]int),
	}
}

func (sh *shell) printf(format string, args ...any) {
	sh.outMu.Lock()
	defer sh.outMu.Unlock()
	fmt.Fprintf(sh.out, format+"\n", args...)
}

// run executes lines until input ends, /quit is entered or ctx is done.
func (sh *shell) run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(sh.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	sh.printf("Type /help for commands.")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			err := sh.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				sh.printf("! %s", err)
			}
		}
	}
}

func (sh *shell) currentChat() (store.ChatID, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.current, sh.hasCurrent
}

// currentServer returns the server of the current chat, or the only
// connected server.
func (sh *shell) currentServer() (string, error) {
	if id, ok := sh.currentChat(); ok {
		return id.Server, nil
	}
	servers := sh.client.Servers()
	if len(servers) == 1 {
		return servers[0], nil
	}
	return "", errors.New("no current server, use /active first")
}

func (sh *shell) exec(ctx context.Context, line string) error {
	cmd, err := parseCommand(line)
	if err != nil {
		return err
	}
	c := sh.client

	switch cmd.name {
	case "help":
		sh.printf("%s", helpText)
	case "quit", "exit":
		return errQuit
	case "say":
		id, ok := sh.currentChat()
		if !ok || id.Target == id.Server {
			return errors.New("no current chat, use /join or /query")
		}
		return c.Send(id.Server, id.Target, cmd.text)
	case "msg":
		server, err := sh.currentServer()
		if err != nil {
			return err
		}
		return c.Send(server, cmd.args[0], cmd.text)
	case "connect":
		return sh.connect(ctx, cmd.args)
	case "disconnect":
		server, err := sh.serverArg(cmd.args, 0)
		if err != nil {
			return err
		}
		return c.Disconnect(server)
	case "join":
		if len(cmd.args) < 1 {
			return errors.New("usage: /join <#channel>")
		}
		server, err := sh.serverArg(cmd.args, 1)
		if err != nil {
			return err
		}
		sh.mu.Lock()
		sh.pendingJoin = store.ChatID{Server: server, Target: cmd.args[0]}
		sh.mu.Unlock()
		return c.Join(server, cmd.args[0])
	case "part":
		id, ok := sh.currentChat()
		if len(cmd.args) > 0 {
			server, err := sh.currentServer()
			if err != nil {
				return err
			}
			id, ok = store.ChatID{Server: server, Target: cmd.args[0]}, true
		}
		if !ok || !protocol.IsChannel(id.Target) {
			return errors.New("usage: /part <#channel>")
		}
		return c.Leave(id.Server, id.Target)
	case "query":
		if len(cmd.args) != 1 || protocol.IsChannel(cmd.args[0]) {
			return errors.New("usage: /query <nick>")
		}
		server, err := sh.currentServer()
		if err != nil {
			return err
		}
		c.SetActive(server, cmd.args[0])
	case "active":
		if len(cmd.args) < 1 {
			return errors.New("usage: /active <target> [server]")
		}
		server, err := sh.serverArg(cmd.args, 1)
		if err != nil {
			return err
		}
		if _, ok := c.Store().Get(server, cmd.args[0]); !ok {
			return fmt.Errorf("no chat %s on %s", cmd.args[0], server)
		}
		c.SetActive(server, cmd.args[0])
	case "list":
		sh.list()
	case "refresh":
		id, ok := sh.currentChat()
		if !ok {
			return errors.New("no current chat")
		}
		return c.ForceRefresh(id.Server, id.Target)
	case "nick":
		if len(cmd.args) != 1 {
			return errors.New("usage: /nick <name>")
		}
		return c.SetNickname(cmd.args[0])
	case "autojoin":
		if len(cmd.args) != 2 {
			return errors.New("usage: /autojoin <#channel> on|off")
		}
		on, err := parseSwitch(cmd.args[1])
		if err != nil {
			return err
		}
		server, err := sh.currentServer()
		if err != nil {
			return err
		}
		return c.SaveChannelSettings(server, cmd.args[0], on)
	case "status":
		sched := c.Scheduler()
		sh.printf("sync: %s", sched.State())
		for _, server := range c.Servers() {
			sh.printf("  %s connected=%t polls=%d", server, c.Connected(server), sched.Polls(server))
		}
	default:
		return fmt.Errorf("unknown command /%s, try /help", cmd.name)
	}
	return nil
}

func (sh *shell) connect(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: /connect <host> [port] [nick]")
	}
	var port int
	if len(args) > 1 {
		p, err := strconv.Atoi(args[1])
		if err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("invalid port %q", args[1])
		}
		port = p
	}
	id := sh.client.Identity()
	if len(args) > 2 {
		id.Nick, id.User, id.RealName = args[2], "", ""
	}
	if err := sh.client.Connect(ctx, args[0], port, id); err != nil {
		return err
	}
	sh.client.SetActive(args[0], args[0])
	return nil
}

// serverArg returns args[i] if present, else the current server.
func (sh *shell) serverArg(args []string, i int) (string, error) {
	if len(args) > i {
		return args[i], nil
	}
	return sh.currentServer()
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "yes", "true":
		return true, nil
	case "off", "no", "false":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func (sh *shell) list() {
	current, _ := sh.currentChat()
	for _, ch := range sh.client.Store().Chats() {
		mark := " "
		if ch.ID == current {
			mark = "*"
		}
		line := fmt.Sprintf("%s %-20s %-24s", mark, ch.DisplayName, ch.ID.Server)
		if ch.Unread > 0 {
			line += fmt.Sprintf(" (%d unread)", ch.Unread)
		}
		if ch.LastMessage != "" {
			line += "  " + ch.LastMessage
		}
		sh.printf("%s", line)
	}
}

// printNew writes the messages of id not printed yet.
func (sh *shell) printNew(id store.ChatID) {
	msgs := sh.client.Store().Messages(id.Server, id.Target)
	sh.mu.Lock()
	from := sh.printed[id]
	if from > len(msgs) {
		from = 0
	}
	sh.printed[id] = len(msgs)
	sh.mu.Unlock()

	for _, m := range msgs[from:] {
		ts := m.Timestamp.Format("15:04")
		if m.System {
			sh.printf("[%s] * %s", ts, m.Content)
			continue
		}
		sh.printf("[%s] <%s> %s", ts, m.Sender, m.Content)
	}
}

func (sh *shell) ConnectionChanged(server string, connected bool) {
	if connected {
		sh.printf("-- connected to %s", server)
		return
	}
	sh.printf("-- disconnected from %s", server)
}

func (sh *shell) ChannelJoined(server, channel string) {
	sh.printf("-- joined %s on %s", channel, server)
	id := store.ChatID{Server: server, Target: channel}
	sh.mu.Lock()
	activate := sh.pendingJoin == id
	if activate {
		sh.pendingJoin = store.ChatID{}
	}
	sh.mu.Unlock()
	if activate {
		sh.client.SetActive(server, channel)
	}
}

func (sh *shell) ChannelLeft(server, channel string) {
	sh.printf("-- left %s on %s", channel, server)
}

func (sh *shell) ChatsUpdated(server, channel string) {
	id := store.ChatID{Server: server, Target: channel}
	if current, ok := sh.currentChat(); ok && current == id {
		sh.printNew(id)
		return
	}
	if n := sh.client.Store().Unread(server, channel); n > 0 {
		sh.printf("-- %d unread in %s", n, id)
	}
}

func (sh *shell) ActiveChanged(server, channel string) {
	id := store.ChatID{Server: server, Target: channel}
	sh.mu.Lock()
	sh.current, sh.hasCurrent = id, true
	sh.printed[id] = 0
	sh.mu.Unlock()
	sh.printf("== %s", id)
	sh.printNew(id)
}

func (sh *shell) ActiveCleared() {
	sh.mu.Lock()
	sh.current, sh.hasCurrent = store.ChatID{}, false
	sh.mu.Unlock()
	sh.printf("== no active chat")
}
