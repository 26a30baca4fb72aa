package http11

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/hive-server/core/asgi"
)

// MetricsRecorder receives one record per completed response.
type MetricsRecorder interface {
	RecordRequest(route string, duration time.Duration, isError bool)
}

// RequestResponseCycle runs one request/response exchange: it mediates
// the receive/send contract between the handler and the connection,
// emits 100 Continue when due, and reports completion back to the
// engine through a one-shot callback.
//
// All mutable state is guarded by the engine's mutex, which the cycle
// shares; the engine flips disconnected and moreBody from its side of
// the lock.
type RequestResponseCycle struct {
	scope     *asgi.Scope
	conn      *Conn
	transport *Transport
	flow      *FlowControl
	log       *logrus.Logger
	metrics   MetricsRecorder

	mu           *sync.Mutex
	messageEvent *gate
	onResponse   func()

	ctx     context.Context
	started time.Time
	status  int

	disconnected     bool
	keepAlive        bool
	waitingFor100    bool
	responseStarted  bool
	responseComplete bool

	body     []byte
	moreBody bool
}

func newCycle(
	scope *asgi.Scope,
	conn *Conn,
	transport *Transport,
	flow *FlowControl,
	mu *sync.Mutex,
	log *logrus.Logger,
	metrics MetricsRecorder,
	onResponse func(),
) *RequestResponseCycle {
	return &RequestResponseCycle{
		scope:         scope,
		conn:          conn,
		transport:     transport,
		flow:          flow,
		log:           log,
		metrics:       metrics,
		mu:            mu,
		messageEvent:  newGate(false),
		onResponse:    onResponse,
		started:       time.Now(),
		keepAlive:     true,
		waitingFor100: conn.TheyAreWaitingFor100Continue(),
		moreBody:      true,
	}
}

// Run invokes the handler and applies the failure policy: 500 before
// the response has started, a hard close after.
func (c *RequestResponseCycle) Run(ctx context.Context, app asgi.Handler) {
	c.ctx = ctx
	defer func() {
		// Break the cycle→engine reference once the exchange is over.
		c.mu.Lock()
		c.onResponse = nil
		c.mu.Unlock()
	}()

	err := c.invoke(ctx, app)

	c.mu.Lock()
	started := c.responseStarted
	complete := c.responseComplete
	disconnected := c.disconnected
	c.mu.Unlock()

	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		// Cancellation stays silent on the wire.
		c.transport.Close()
	case err != nil:
		c.log.WithError(err).Error("exception in application handler")
		if !started {
			c.send500()
		} else {
			c.transport.Close()
		}
	case !started && !disconnected:
		c.log.Error("application returned without starting the response")
		c.send500()
	case !complete && !disconnected:
		c.log.Error("application returned without completing the response")
		c.transport.Close()
	}
}

func (c *RequestResponseCycle) invoke(ctx context.Context, app asgi.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return app(ctx, c.scope, c.Receive, c.Send)
}

func (c *RequestResponseCycle) send500() {
	_ = c.Send(asgi.ResponseStart{
		Status: 500,
		Headers: []asgi.Header{
			{Name: []byte("Content-Type"), Value: []byte("text/plain; charset=utf-8")},
			{Name: []byte("Connection"), Value: []byte("close")},
		},
	})
	_ = c.Send(asgi.ResponseBody{Body: []byte("Internal Server Error")})
}

// Receive returns the next request event for the handler. It emits the
// pending 100 Continue on first use, resumes reads, and parks on the
// message gate until body bytes arrive, the response completes, or the
// peer disconnects.
func (c *RequestResponseCycle) Receive() (asgi.Event, error) {
	c.mu.Lock()
	if c.waitingFor100 && !c.transport.IsClosing() {
		if out, err := c.conn.Send(InformationalResponse{Status: 100}); err == nil {
			c.transport.Write(out)
		}
		c.waitingFor100 = false
	}
	wait := !c.disconnected && !c.responseComplete
	if wait {
		c.flow.ResumeReading()
	}
	ch := c.messageEvent.Chan()
	c.mu.Unlock()

	if wait {
		select {
		case <-ch:
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		}
		c.messageEvent.Close()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected || c.responseComplete {
		return asgi.DisconnectEvent{}, nil
	}
	ev := asgi.RequestEvent{Body: c.body, MoreBody: c.moreBody}
	c.body = nil
	return ev, nil
}

// Send pushes one response event to the wire. It honors write
// backpressure, silently drops events once the peer is gone, and
// enforces the start→body→complete sequence.
func (c *RequestResponseCycle) Send(e asgi.Event) error {
	c.mu.Lock()
	disconnected := c.disconnected
	c.mu.Unlock()

	if c.flow.WritePaused() && !disconnected {
		select {
		case <-c.flow.DrainChan():
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}

	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return nil
	}

	var err error
	switch {
	case !c.responseStarted:
		err = c.sendStart(e)
	case !c.responseComplete:
		err = c.sendBody(e)
	default:
		err = fmt.Errorf("%w: unexpected %q event after the response completed",
			ErrProtocolMisuse, eventName(e))
	}
	if err != nil {
		c.mu.Unlock()
		return err
	}

	if !c.responseComplete {
		c.mu.Unlock()
		return nil
	}

	if c.conn.OurState() == StateMustClose || !c.keepAlive {
		_, _ = c.conn.Send(ConnectionClosed{})
		c.transport.Close()
	}
	if c.metrics != nil {
		c.metrics.RecordRequest(c.scope.Method, time.Since(c.started), c.status >= 500)
	}
	onResponse := c.onResponse
	c.mu.Unlock()

	if onResponse != nil {
		onResponse()
	}
	return nil
}

func (c *RequestResponseCycle) sendStart(e asgi.Event) error {
	start, ok := e.(asgi.ResponseStart)
	if !ok {
		return fmt.Errorf("%w: expected %q event, got %q",
			ErrProtocolMisuse, "http.response.start", eventName(e))
	}

	c.responseStarted = true
	c.waitingFor100 = false
	c.status = start.Status

	headers := make([]Header, 0, len(start.Headers)+1)
	handlerClose := false
	for _, h := range start.Headers {
		if bytes.EqualFold(h.Name, []byte("connection")) && hasToken(h.Value, "close") {
			handlerClose = true
		}
		headers = append(headers, Header{Name: h.Name, Value: h.Value})
	}
	if scopeHasCloseHeader(c.scope.Headers) && !handlerClose {
		headers = append(headers, Header{Name: []byte("Connection"), Value: []byte("close")})
	}

	c.log.Infof("%s - \"%s %s HTTP/%s\" %d",
		clientAddr(c.scope), c.scope.Method, pathWithQuery(c.scope), c.scope.HTTPVersion, start.Status)

	out, err := c.conn.Send(Response{Status: start.Status, Headers: headers})
	if err != nil {
		return err
	}
	c.transport.Write(out)
	return nil
}

func (c *RequestResponseCycle) sendBody(e asgi.Event) error {
	body, ok := e.(asgi.ResponseBody)
	if !ok {
		return fmt.Errorf("%w: expected %q event, got %q",
			ErrProtocolMisuse, "http.response.body", eventName(e))
	}

	data := body.Body
	if c.scope.Method == "HEAD" {
		data = nil
	}
	out, err := c.conn.Send(Data{Data: data})
	if err != nil {
		return err
	}
	c.transport.Write(out)

	if !body.MoreBody {
		c.responseComplete = true
		c.messageEvent.Open()
		out, err = c.conn.Send(EndOfMessage{})
		if err != nil {
			return err
		}
		c.transport.Write(out)
	}
	return nil
}

func eventName(e asgi.Event) string {
	switch e.(type) {
	case asgi.ResponseStart:
		return "http.response.start"
	case asgi.ResponseBody:
		return "http.response.body"
	case asgi.RequestEvent:
		return "http.request"
	case asgi.DisconnectEvent:
		return "http.disconnect"
	}
	return fmt.Sprintf("%T", e)
}
