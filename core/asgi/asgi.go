// Package asgi defines the message-passing contract between the server
// core and the application handler: the per-request scope, the event
// types exchanged over receive/send, and the handler signature.
package asgi

import "context"

// Header is a single header pair. Names in scope headers are lowercase
// bytes; response header names are written as the handler gives them.
type Header struct {
	Name  []byte
	Value []byte
}

// Addr is a (host, port) address pair. Nil for unix sockets.
type Addr struct {
	Host string
	Port int
}

// Spec identifies the protocol revision the scope conforms to.
type Spec struct {
	Version     string
	SpecVersion string
}

// Scope is the immutable per-request context handed to the handler.
type Scope struct {
	Type        string
	HTTPVersion string
	Method      string
	Scheme      string
	RootPath    string
	Path        string
	RawPath     []byte
	QueryString []byte
	Headers     []Header
	Server      *Addr
	Client      *Addr
	ASGI        Spec
}

// Event is one message exchanged between the server and the handler.
type Event interface {
	eventType() string
}

// RequestEvent carries a chunk of the request body to the handler.
type RequestEvent struct {
	Body     []byte
	MoreBody bool
}

// DisconnectEvent tells the handler the client went away.
type DisconnectEvent struct{}

// ResponseStart opens the response with a status and headers. It must
// be sent exactly once, before any body event.
type ResponseStart struct {
	Status  int
	Headers []Header
}

// ResponseBody carries a chunk of the response body. MoreBody false
// completes the response.
type ResponseBody struct {
	Body     []byte
	MoreBody bool
}

func (RequestEvent) eventType() string    { return "http.request" }
func (DisconnectEvent) eventType() string { return "http.disconnect" }
func (ResponseStart) eventType() string   { return "http.response.start" }
func (ResponseBody) eventType() string    { return "http.response.body" }

// ReceiveFunc pulls the next request event. It blocks until body bytes
// arrive, the response completes, or the client disconnects.
type ReceiveFunc func() (Event, error)

// SendFunc pushes a response event toward the wire. It blocks while the
// transport write buffer is above its high watermark.
type SendFunc func(Event) error

// Handler is the application callable. The context is cancelled on
// forceful shutdown. Returning a non-nil error is treated as a handler
// failure: the server answers 500 if no response has started, and
// closes the connection otherwise.
type Handler func(ctx context.Context, scope *Scope, receive ReceiveFunc, send SendFunc) error

// ServiceUnavailable is the canned handler substituted for the
// application when the in-flight cycle limit is exceeded.
func ServiceUnavailable(ctx context.Context, scope *Scope, receive ReceiveFunc, send SendFunc) error {
	if err := send(ResponseStart{
		Status: 503,
		Headers: []Header{
			{Name: []byte("Content-Type"), Value: []byte("text/plain; charset=utf-8")},
			{Name: []byte("Connection"), Value: []byte("close")},
		},
	}); err != nil {
		return err
	}
	return send(ResponseBody{Body: []byte("Service Unavailable")})
}
