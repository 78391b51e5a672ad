package server

import (
	"bufio"
	"bytes"
	"net"
)

type protocolType int

const (
	protocolTCP protocolType = iota
	protocolHTTP
)

func (p protocolType) String() string {
	if p == protocolHTTP {
		return "websocket"
	}
	return "tcp"
}

// detectProtocol peeks at the first bytes to tell a WebSocket upgrade
// request from a raw IRC client.
func detectProtocol(conn net.Conn) (protocolType, *bufio.Reader, error) {
	reader := bufio.NewReader(conn)

	// HTTP requests start with "GET ", "POST", "PUT " or "HEAD"; no IRC
	// command does
	peek, err := reader.Peek(4)
	if err != nil {
		return protocolTCP, reader, err
	}

	if bytes.HasPrefix(peek, []byte("GET ")) ||
		bytes.HasPrefix(peek, []byte("POST")) ||
		bytes.HasPrefix(peek, []byte("PUT ")) ||
		bytes.HasPrefix(peek, []byte("HEAD")) {
		return protocolHTTP, reader, nil
	}

	return protocolTCP, reader, nil
}
