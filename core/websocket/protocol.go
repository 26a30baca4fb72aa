package websocket

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/hive-server/core/http11"
)

// MessageHandler receives each inbound message on an upgraded
// connection.
type MessageHandler func(conn *Conn, msg *Message)

// Protocol is the transport protocol an HTTP connection is retargeted
// to on a websocket upgrade. It re-parses the replayed request head,
// performs the RFC 6455 handshake, then detaches the raw socket and
// pumps messages into the handler.
type Protocol struct {
	onMessage MessageHandler
	log       *logrus.Logger

	transport *http11.Transport
	head      []byte
}

// maxHandshakeSize caps the buffered handshake head.
const maxHandshakeSize = 16 * 1024

// NewProtocol creates an upgrade protocol. A nil handler echoes
// messages back, which keeps bare upgrades observable.
func NewProtocol(onMessage MessageHandler, log *logrus.Logger) *Protocol {
	if onMessage == nil {
		onMessage = func(conn *Conn, msg *Message) {
			_ = conn.WriteMessage(msg.OpCode, msg.Payload)
		}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Protocol{onMessage: onMessage, log: log}
}

// ConnectionMade captures the transport ahead of the replayed head.
func (p *Protocol) ConnectionMade(t *http11.Transport) {
	p.transport = t
}

// DataReceived accumulates the handshake head; once complete it
// answers 101 Switching Protocols and takes over the socket.
func (p *Protocol) DataReceived(data []byte) {
	p.head = append(p.head, data...)

	end := bytes.Index(p.head, []byte("\r\n\r\n"))
	if end < 0 {
		if len(p.head) > maxHandshakeSize {
			p.transport.Close()
		}
		return
	}

	rest := append([]byte(nil), p.head[end+4:]...)
	fields := parseHandshake(p.head[:end])
	p.head = nil

	key := fields["sec-websocket-key"]
	if key == "" {
		p.log.Warn("websocket handshake missing sec-websocket-key")
		p.transport.Write([]byte("HTTP/1.1 400 Bad Request\r\nconnection: close\r\n\r\n"))
		p.transport.Close()
		return
	}

	raw, err := p.transport.Hijack()
	if err != nil {
		return
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"upgrade: websocket\r\n" +
		"connection: Upgrade\r\n" +
		"sec-websocket-accept: " + computeAcceptKey(key) + "\r\n\r\n"
	if _, err := raw.Write([]byte(response)); err != nil {
		raw.Close()
		return
	}

	reader := bufio.NewReader(io.MultiReader(bytes.NewReader(rest), raw))
	conn := NewConn(raw, reader)

	go p.readPump(conn)
}

// ConnectionLost is a no-op once the socket is hijacked; before that
// it just drops the buffered head.
func (p *Protocol) ConnectionLost(err error) {
	p.head = nil
}

// PauseWriting is unused after hijack; frame writes go to the raw
// socket.
func (p *Protocol) PauseWriting() {}

// ResumeWriting is unused after hijack.
func (p *Protocol) ResumeWriting() {}

func (p *Protocol) readPump(conn *Conn) {
	defer conn.Close()
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		p.onMessage(conn, msg)
	}
}

// parseHandshake extracts lowercased header fields from the replayed
// request head. The request line is skipped; the engine already
// validated it.
func parseHandshake(head []byte) map[string]string {
	fields := make(map[string]string)
	for i, line := range strings.Split(string(head), "\r\n") {
		if i == 0 {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return fields
}
