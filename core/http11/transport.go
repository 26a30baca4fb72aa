package http11

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/searchktools/hive-server/core/asgi"
	"github.com/searchktools/hive-server/core/pools"
)

// Protocol is the per-connection adaptor contract: four lifecycle
// hooks plus the write watermark pair. The transport calls these from
// its reader and writer goroutines.
type Protocol interface {
	ConnectionMade(t *Transport)
	DataReceived(data []byte)
	ConnectionLost(err error)
	PauseWriting()
	ResumeWriting()
}

// Write buffer watermarks. Crossing the high mark pauses the protocol's
// writers; dropping to the low mark resumes them.
const (
	writeHighWater = 64 * 1024
	writeLowWater  = 16 * 1024
)

const readBufferSize = 8 * 1024

// ErrHijacked is returned by Hijack when the transport has already
// been taken over or is closing.
var ErrHijacked = errors.New("transport already hijacked")

// Transport owns one accepted socket. A reader goroutine feeds the
// protocol; a writer goroutine drains buffered output and applies the
// write watermarks. All protocol writes go through the buffer, so
// Write never blocks.
type Transport struct {
	conn net.Conn
	pool *pools.BytePool

	mu          sync.Mutex
	proto       Protocol
	wbuf        []byte
	wcond       *sync.Cond
	writePaused bool
	closing     bool
	hijacked    bool

	readGate *gate
	done     chan struct{}
}

// NewTransport wraps an accepted connection. Start must be called to
// begin dispatching to the protocol.
func NewTransport(conn net.Conn, pool *pools.BytePool) *Transport {
	if pool == nil {
		pool = pools.Shared()
	}
	t := &Transport{
		conn:     conn,
		pool:     pool,
		readGate: newGate(true),
		done:     make(chan struct{}),
	}
	t.wcond = sync.NewCond(&t.mu)
	return t
}

// Start binds the protocol and launches the reader and writer
// goroutines. ConnectionMade fires before the first DataReceived.
func (t *Transport) Start(p Protocol) {
	t.mu.Lock()
	t.proto = p
	t.mu.Unlock()

	p.ConnectionMade(t)

	go t.writeLoop()
	go t.readLoop()
}

// SetProtocol retargets subsequent transport callbacks, used when a
// connection is upgraded.
func (t *Transport) SetProtocol(p Protocol) {
	t.mu.Lock()
	t.proto = p
	t.mu.Unlock()
}

func (t *Transport) protocol() Protocol {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proto
}

// Write queues bytes for the writer goroutine. Crossing the high
// watermark triggers PauseWriting on the protocol. Writes after Close
// are dropped.
func (t *Transport) Write(b []byte) {
	if len(b) == 0 {
		return
	}
	t.mu.Lock()
	if t.closing || t.hijacked {
		t.mu.Unlock()
		return
	}
	t.wbuf = append(t.wbuf, b...)
	var pause Protocol
	if !t.writePaused && len(t.wbuf) > writeHighWater {
		t.writePaused = true
		pause = t.proto
	}
	t.wcond.Signal()
	t.mu.Unlock()

	if pause != nil {
		pause.PauseWriting()
	}
}

// Close flushes buffered output and closes the socket. Idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return
	}
	t.closing = true
	t.wcond.Signal()
	t.mu.Unlock()

	// Unblock a paused reader so its goroutine can exit.
	t.readGate.Open()
}

// IsClosing reports whether Close has been called or the socket died.
func (t *Transport) IsClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

// PauseReading stops the reader goroutine from pulling bytes off the
// socket until ResumeReading.
func (t *Transport) PauseReading() {
	t.readGate.Close()
}

// ResumeReading releases a paused reader.
func (t *Transport) ResumeReading() {
	t.readGate.Open()
}

// Hijack detaches the raw connection from the transport: both loops
// stop without closing the socket and no further protocol callbacks
// fire. Used by upgrade protocols that take over the stream.
func (t *Transport) Hijack() (net.Conn, error) {
	t.mu.Lock()
	if t.hijacked || t.closing {
		t.mu.Unlock()
		return nil, ErrHijacked
	}
	t.hijacked = true
	// Flush anything still queued before handing the socket over.
	for len(t.wbuf) > 0 {
		buf := t.wbuf
		t.wbuf = nil
		t.mu.Unlock()
		if _, err := t.conn.Write(buf); err != nil {
			return nil, err
		}
		t.mu.Lock()
	}
	t.wcond.Signal()
	t.mu.Unlock()
	t.readGate.Open()
	return t.conn, nil
}

// LocalAddr returns the local (host, port) pair, or nil for non-TCP
// sockets.
func (t *Transport) LocalAddr() *asgi.Addr {
	return toAddr(t.conn.LocalAddr())
}

// RemoteAddr returns the peer (host, port) pair, or nil for non-TCP
// sockets.
func (t *Transport) RemoteAddr() *asgi.Addr {
	return toAddr(t.conn.RemoteAddr())
}

// IsTLS reports whether the underlying stream is TLS-wrapped.
func (t *Transport) IsTLS() bool {
	_, ok := t.conn.(*tls.Conn)
	return ok
}

func toAddr(a net.Addr) *asgi.Addr {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return nil
	}
	return &asgi.Addr{Host: tcp.IP.String(), Port: tcp.Port}
}

func (t *Transport) readLoop() {
	for {
		t.readGate.Wait()

		t.mu.Lock()
		closing, hijacked := t.closing, t.hijacked
		t.mu.Unlock()
		if hijacked {
			return
		}
		if closing {
			break
		}

		buf := t.pool.Get(readBufferSize)
		n, err := t.conn.Read(buf)
		if n > 0 {
			t.protocol().DataReceived(buf[:n])
		}
		t.pool.Put(buf)

		t.mu.Lock()
		hijacked = t.hijacked
		t.mu.Unlock()
		if hijacked {
			return
		}

		if err != nil {
			t.lost(err)
			return
		}
	}

	// Solicited close: the socket is going away because we asked.
	t.lost(nil)
}

func (t *Transport) lost(err error) {
	t.mu.Lock()
	solicited := t.closing
	t.closing = true
	t.wcond.Signal()
	p := t.proto
	t.mu.Unlock()

	if solicited || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if p != nil {
		p.ConnectionLost(err)
	}
}

func (t *Transport) writeLoop() {
	defer close(t.done)
	for {
		t.mu.Lock()
		for len(t.wbuf) == 0 && !t.closing && !t.hijacked {
			t.wcond.Wait()
		}
		if t.hijacked {
			t.mu.Unlock()
			return
		}
		if len(t.wbuf) == 0 && t.closing {
			t.mu.Unlock()
			break
		}
		buf := t.wbuf
		t.wbuf = nil
		t.mu.Unlock()

		if _, err := t.conn.Write(buf); err != nil {
			t.mu.Lock()
			t.closing = true
			t.mu.Unlock()
			break
		}

		t.mu.Lock()
		var resume Protocol
		if t.writePaused && len(t.wbuf) <= writeLowWater {
			t.writePaused = false
			resume = t.proto
		}
		t.mu.Unlock()
		if resume != nil {
			resume.ResumeWriting()
		}
	}

	t.conn.Close()
	// The reader may be parked on the gate with nothing left to read.
	t.readGate.Open()
}

// Done returns a channel closed once the writer goroutine exits: after
// flushing and closing the socket, or on hijack, which leaves the
// socket open. Test helper.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}
