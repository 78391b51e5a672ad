// Package protocol translates between IRC wire lines and the chat messages the
// client works with.
package protocol

import (
	"fmt"
	"strings"

	"gopkg.in/irc.v4"
)

// MessageType represents the type of message
type MessageType int

const (
	MessageTypeText MessageType = iota
	MessageTypeJoin
	MessageTypeLeave
	MessageTypeWelcome
	MessageTypePing
	MessageTypePong
	MessageTypeNick
	MessageTypeUser
	MessageTypeKick
	MessageTypeQuit
	MessageTypeError
	MessageTypeNickInUse
	MessageTypeOther
)

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeText:
		return "TEXT"
	case MessageTypeJoin:
		return "JOIN"
	case MessageTypeLeave:
		return "LEAVE"
	case MessageTypeWelcome:
		return "WELCOME"
	case MessageTypePing:
		return "PING"
	case MessageTypePong:
		return "PONG"
	case MessageTypeNick:
		return "NICK"
	case MessageTypeUser:
		return "USER"
	case MessageTypeKick:
		return "KICK"
	case MessageTypeQuit:
		return "QUIT"
	case MessageTypeError:
		return "ERROR"
	case MessageTypeNickInUse:
		return "NICK_IN_USE"
	default:
		return "UNKNOWN"
	}
}

// Message represents one decoded protocol line.
//
// Sender is the nickname from the line prefix (empty for lines we send).
// Target is the channel or nickname the line is addressed to, Content the
// free text (message body, part reason, ping token, new nickname).
type Message struct {
	Type    MessageType
	Sender  string
	Target  string
	Content string

	// Command and Params keep the raw line for types we do not model.
	Command string
	Params  []string
}

// Encode serialises the message into a single IRC line without the
// trailing CRLF.
func (m *Message) Encode() (string, error) {
	im, err := m.toIRC()
	if err != nil {
		return "", err
	}
	if err := checkParams(im.Params); err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	return im.String(), nil
}

// checkParams rejects parameters that would not survive as a single wire
// line: line breaks and NUL anywhere, and spaces in any but the last one.
func checkParams(params []string) error {
	for i, p := range params {
		if HasLineBreak(p) {
			return fmt.Errorf("parameter %d contains CR, LF or NUL", i+1)
		}
		if i < len(params)-1 && (p == "" || strings.ContainsRune(p, ' ') || strings.HasPrefix(p, ":")) {
			return fmt.Errorf("parameter %d %q must be a single word", i+1, p)
		}
	}
	return nil
}

// HasLineBreak reports whether s contains CR, LF or NUL, none of which may
// appear inside an IRC line.
func HasLineBreak(s string) bool {
	return strings.ContainsAny(s, "\r\n\x00")
}

// IsValidTarget reports whether name can be sent as a message, join or
// part target.
func IsValidTarget(name string) bool {
	return name != "" && !HasLineBreak(name) && !strings.ContainsRune(name, ' ') && !strings.HasPrefix(name, ":")
}

// Decode parses one IRC line into the message.
func (m *Message) Decode(line string) error {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return fmt.Errorf("failed to decode message: empty line")
	}
	im, err := irc.ParseMessage(line)
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	m.fromIRC(im)
	return nil
}

func (m *Message) toIRC() (*irc.Message, error) {
	switch m.Type {
	case MessageTypeText:
		if m.Target == "" {
			return nil, fmt.Errorf("failed to encode message: PRIVMSG without target")
		}
		return &irc.Message{Command: "PRIVMSG", Params: []string{m.Target, m.Content}}, nil
	case MessageTypeJoin:
		return &irc.Message{Command: "JOIN", Params: []string{m.Target}}, nil
	case MessageTypeLeave:
		params := []string{m.Target}
		if m.Content != "" {
			params = append(params, m.Content)
		}
		return &irc.Message{Command: "PART", Params: params}, nil
	case MessageTypePing:
		return &irc.Message{Command: "PING", Params: []string{m.Content}}, nil
	case MessageTypePong:
		return &irc.Message{Command: "PONG", Params: []string{m.Content}}, nil
	case MessageTypeNick:
		return &irc.Message{Command: "NICK", Params: []string{m.Content}}, nil
	case MessageTypeUser:
		// USER <user> 0 * :<realname>
		return &irc.Message{Command: "USER", Params: []string{m.Target, "0", "*", m.Content}}, nil
	case MessageTypeQuit:
		return &irc.Message{Command: "QUIT", Params: []string{m.Content}}, nil
	}
	if m.Command == "" {
		return nil, fmt.Errorf("failed to encode message: unsupported type %s", m.Type)
	}
	return &irc.Message{Command: m.Command, Params: m.Params}, nil
}

func (m *Message) fromIRC(im *irc.Message) {
	*m = Message{
		Type:    messageTypeFromCommand(im.Command),
		Command: im.Command,
		Params:  im.Params,
	}
	if im.Prefix != nil {
		m.Sender = im.Prefix.Name
	}

	switch m.Type {
	case MessageTypeText, MessageTypeLeave:
		m.Target = param(im, 0)
		m.Content = param(im, 1)
	case MessageTypeJoin:
		m.Target = param(im, 0)
	case MessageTypeKick:
		// KICK <channel> <nick> [:reason]
		m.Target = param(im, 0)
		m.Content = param(im, 1)
	case MessageTypePing, MessageTypePong, MessageTypeNick, MessageTypeQuit, MessageTypeError:
		m.Content = param(im, len(im.Params)-1)
	case MessageTypeWelcome, MessageTypeNickInUse:
		// numeric replies carry our own nick first
		m.Target = param(im, 0)
		m.Content = param(im, len(im.Params)-1)
	case MessageTypeUser:
		m.Target = param(im, 0)
		m.Content = param(im, 3)
	}
}

func param(im *irc.Message, i int) string {
	if i < 0 || i >= len(im.Params) {
		return ""
	}
	return im.Params[i]
}

// messageTypeFromCommand maps an IRC command or numeric to MessageType.
// Commands we do not model map to MessageTypeOther rather than an error so
// that unknown traffic never breaks a session.
func messageTypeFromCommand(cmd string) MessageType {
	switch strings.ToUpper(cmd) {
	case "PRIVMSG":
		return MessageTypeText
	case "JOIN":
		return MessageTypeJoin
	case "PART":
		return MessageTypeLeave
	case "001":
		return MessageTypeWelcome
	case "PING":
		return MessageTypePing
	case "PONG":
		return MessageTypePong
	case "NICK":
		return MessageTypeNick
	case "USER":
		return MessageTypeUser
	case "KICK":
		return MessageTypeKick
	case "QUIT":
		return MessageTypeQuit
	case "ERROR":
		return MessageTypeError
	case "433":
		return MessageTypeNickInUse
	default:
		return MessageTypeOther
	}
}

// IsChannel reports whether name carries a group-channel sigil.
func IsChannel(name string) bool {
	return strings.HasPrefix(name, "#") || strings.HasPrefix(name, "&")
}
