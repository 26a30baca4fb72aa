package http11

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/hive-server/core/asgi"
	"github.com/searchktools/hive-server/core/state"
)

// HighWaterLimit caps the request body bytes buffered ahead of the
// handler before reads are paused.
const HighWaterLimit = 64 * 1024

// DefaultKeepAliveTimeout is the idle window between requests on a
// persistent connection.
const DefaultKeepAliveTimeout = 5 * time.Second

// Options configures one protocol engine. The server builds it once
// from the loaded configuration and shares it across connections.
type Options struct {
	App                    asgi.Handler
	RootPath               string
	ASGIVersion            string
	MaxIncompleteEventSize int
	KeepAliveTimeout       time.Duration
	LimitConcurrency       int

	// WSProtocol, when set, produces the protocol that takes over a
	// connection on a websocket upgrade request. Nil rejects upgrades
	// with a 400.
	WSProtocol func() Protocol

	Logger  *logrus.Logger
	Metrics MetricsRecorder
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ASGIVersion == "" {
		out.ASGIVersion = "3.0"
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// Engine is the per-connection HTTP/1.1 protocol engine. It drives a
// connection from bytes to request scope to response bytes: feeding
// the parser, spawning one request/response cycle at a time, arming
// the keep-alive timer between requests, and honoring pipelining and
// transport backpressure.
type Engine struct {
	opts  Options
	state *state.ServerState
	log   *logrus.Logger

	mu        sync.Mutex
	conn      *Conn
	transport *Transport
	flow      *FlowControl
	server    *asgi.Addr
	client    *asgi.Addr
	scheme    string

	headers        []Header
	cycle          *RequestResponseCycle
	keepAliveTimer *time.Timer
}

// NewEngine creates an engine for one accepted connection.
func NewEngine(opts Options, st *state.ServerState) *Engine {
	opts = (&opts).withDefaults()
	return &Engine{
		opts:  opts,
		state: st,
		log:   opts.Logger,
		conn:  NewConn(opts.MaxIncompleteEventSize),
	}
}

// ConnectionMade registers the connection and captures the address
// pair and scheme.
func (e *Engine) ConnectionMade(t *Transport) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.AddConnection(e)

	e.transport = t
	e.flow = NewFlowControl(t)
	e.server = t.LocalAddr()
	e.client = t.RemoteAddr()
	e.scheme = "http"
	if t.IsTLS() {
		e.scheme = "https"
	}
}

// DataReceived feeds transport bytes into the parser and drains the
// resulting events.
func (e *Engine) DataReceived(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.unsetKeepAlive()
	e.conn.ReceiveData(data)
	e.handleEvents()
}

// ConnectionLost tears the connection down: the in-flight cycle is
// marked disconnected and woken, blocked writers are released, and the
// socket is closed when the loss was unsolicited.
func (e *Engine) ConnectionLost(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.RemoveConnection(e)
	e.unsetKeepAlive()

	if e.cycle != nil && !e.cycle.responseComplete {
		e.cycle.disconnected = true
	}

	if e.conn.OurState() != StateError {
		// A premature client disconnect makes this invalid; that is
		// expected and suppressed.
		_, _ = e.conn.Send(ConnectionClosed{})
	}

	if e.cycle != nil {
		e.cycle.messageEvent.Open()
	}
	if e.flow != nil {
		e.flow.ResumeWriting()
	}
	if err == nil && e.transport != nil {
		e.transport.Close()
	}
}

// PauseWriting is called by the transport when its write buffer
// crosses the high watermark.
func (e *Engine) PauseWriting() {
	if e.flow != nil {
		e.flow.PauseWriting()
	}
}

// ResumeWriting is called by the transport when the write buffer drops
// below the low watermark.
func (e *Engine) ResumeWriting() {
	if e.flow != nil {
		e.flow.ResumeWriting()
	}
}

// Shutdown commences a graceful teardown of this connection: idle
// connections close immediately, busy ones close as soon as the
// in-flight response completes.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cycle == nil || e.cycle.responseComplete {
		_, _ = e.conn.Send(ConnectionClosed{})
		if e.transport != nil {
			e.transport.Close()
		}
	} else {
		e.cycle.keepAlive = false
	}
}

// handleEvents drains parser events until more data is needed or the
// connection pauses behind an in-flight cycle. Caller holds e.mu.
func (e *Engine) handleEvents() {
	for {
		ev, err := e.conn.NextEvent()
		if err != nil {
			e.log.WithError(err).Warn("invalid HTTP request received")
			e.send400("Invalid HTTP request received.")
			return
		}

		switch ev := ev.(type) {
		case NeedData:
			return

		case Paused:
			// The request side of the current cycle is done while its
			// response is still being served; further bytes (such as a
			// pipelined request) must wait. Stop reading until it
			// completes.
			e.flow.PauseReading()
			return

		case ConnectionClosed:
			return

		case Request:
			if upgraded := e.handleRequest(ev); upgraded {
				return
			}

		case Data:
			if e.conn.OurState() == StateDone {
				// Response finished before the body was consumed;
				// discard the rest.
				continue
			}
			e.cycle.body = append(e.cycle.body, ev.Data...)
			if len(e.cycle.body) > HighWaterLimit {
				e.flow.PauseReading()
			}
			e.cycle.messageEvent.Open()

		case EndOfMessage:
			if e.conn.OurState() == StateDone {
				e.flow.ResumeReading()
				if err := e.conn.StartNextCycle(); err != nil {
					return
				}
				continue
			}
			e.cycle.moreBody = false
			e.cycle.messageEvent.Open()
		}
	}
}

// handleRequest builds the scope and spawns the cycle task. It reports
// true when the connection was handed off to an upgrade protocol.
func (e *Engine) handleRequest(ev Request) bool {
	e.unsetKeepAlive()
	e.headers = ev.Headers

	rawPath, query := splitTarget(ev.Target)
	scope := &asgi.Scope{
		Type:        "http",
		ASGI:        asgi.Spec{Version: e.opts.ASGIVersion, SpecVersion: "2.3"},
		HTTPVersion: ev.HTTPVersion,
		Server:      e.server,
		Client:      e.client,
		Scheme:      e.scheme,
		Method:      ev.Method,
		RootPath:    e.opts.RootPath,
		Path:        unquote(rawPath),
		RawPath:     rawPath,
		QueryString: query,
		Headers:     toScopeHeaders(ev.Headers),
	}

	for _, h := range ev.Headers {
		if bytes.Equal(h.Name, []byte("connection")) && hasToken(h.Value, "upgrade") {
			e.handleUpgrade(ev)
			return true
		}
	}

	app := e.opts.App
	if e.opts.LimitConcurrency > 0 && e.state.Tasks().Count() >= e.opts.LimitConcurrency {
		e.log.Warn("exceeded concurrency limit")
		app = asgi.ServiceUnavailable
	}

	cycle := newCycle(scope, e.conn, e.transport, e.flow, &e.mu, e.log, e.opts.Metrics, e.onResponseComplete)
	e.cycle = cycle
	e.state.TouchLastRequest()

	ctx, cancel := context.WithCancel(context.Background())
	done := e.state.Tasks().Track(cancel)
	go func() {
		defer done()
		defer cancel()
		cycle.Run(ctx, app)
	}()
	return false
}

// handleUpgrade hands the connection to the configured websocket
// protocol, replaying the original request head, or rejects the
// upgrade with a 400.
func (e *Engine) handleUpgrade(ev Request) {
	var upgradeValue []byte
	for _, h := range e.headers {
		if bytes.Equal(h.Name, []byte("upgrade")) {
			upgradeValue = bytes.ToLower(h.Value)
		}
	}

	if !bytes.Equal(upgradeValue, []byte("websocket")) || e.opts.WSProtocol == nil {
		e.log.Warn("unsupported upgrade request")
		e.send400("Unsupported upgrade request.")
		return
	}

	e.state.RemoveConnection(e)

	// Synthesize the request head the upgrade protocol will re-parse.
	var head bytes.Buffer
	head.WriteString(ev.Method)
	head.WriteByte(' ')
	head.Write(ev.Target)
	head.WriteString(" HTTP/1.1\r\n")
	for _, h := range e.headers {
		head.Write(h.Name)
		head.WriteString(": ")
		head.Write(h.Value)
		head.WriteString("\r\n")
	}
	head.WriteString("\r\n")

	next := e.opts.WSProtocol()
	next.ConnectionMade(e.transport)
	e.transport.SetProtocol(next)
	next.DataReceived(head.Bytes())
}

// send400 answers a parse failure with a plain-text 400 and closes the
// transport. Caller holds e.mu.
func (e *Engine) send400(msg string) {
	out, err := e.conn.Send(Response{
		Status: 400,
		Headers: []Header{
			{Name: []byte("Content-Type"), Value: []byte("text/plain; charset=utf-8")},
			{Name: []byte("Connection"), Value: []byte("close")},
		},
	})
	if err == nil {
		e.transport.Write(out)
		if out, err = e.conn.Send(Data{Data: []byte(msg)}); err == nil {
			e.transport.Write(out)
		}
		if out, err = e.conn.Send(EndOfMessage{}); err == nil {
			e.transport.Write(out)
		}
	}
	e.transport.Close()
}

// onResponseComplete transitions the connection back to idle: bump the
// counter, arm the keep-alive timer, resume reads, and drain any
// buffered pipelined requests.
func (e *Engine) onResponseComplete() {
	e.state.IncTotalRequests()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transport.IsClosing() {
		return
	}

	e.unsetKeepAlive()
	e.keepAliveTimer = time.AfterFunc(e.opts.KeepAliveTimeout, e.onKeepAliveTimeout)

	e.flow.ResumeReading()

	if e.conn.OurState() == StateDone && e.conn.TheirState() == StateDone {
		if err := e.conn.StartNextCycle(); err == nil {
			e.handleEvents()
		}
	}
}

// onKeepAliveTimeout closes a persistent connection that stayed idle
// past the keep-alive window.
func (e *Engine) onKeepAliveTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.transport.IsClosing() {
		_, _ = e.conn.Send(ConnectionClosed{})
		e.transport.Close()
	}
}

func (e *Engine) unsetKeepAlive() {
	if e.keepAliveTimer != nil {
		e.keepAliveTimer.Stop()
		e.keepAliveTimer = nil
	}
}
