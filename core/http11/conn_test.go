package http11

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// drainEvents pulls events until NeedData or Paused.
func drainEvents(t *testing.T, c *Conn) []Event {
	t.Helper()

	var events []Event
	for i := 0; i < 100; i++ {
		ev, err := c.NextEvent()
		if err != nil {
			t.Fatalf("unexpected parse error: %v", err)
		}
		switch ev.(type) {
		case NeedData, Paused:
			return events
		}
		events = append(events, ev)
	}
	t.Fatal("event loop did not settle")
	return nil
}

func TestParseSimpleGet(t *testing.T) {
	c := NewConn(0)
	c.ReceiveData([]byte("GET /hello HTTP/1.1\r\nHost: x\r\n\r\n"))

	events := drainEvents(t, c)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %v", len(events), events)
	}

	req, ok := events[0].(Request)
	if !ok {
		t.Fatalf("expected Request, got %T", events[0])
	}
	if req.Method != "GET" {
		t.Errorf("expected method GET, got %s", req.Method)
	}
	if string(req.Target) != "/hello" {
		t.Errorf("expected target /hello, got %s", req.Target)
	}
	if req.HTTPVersion != "1.1" {
		t.Errorf("expected version 1.1, got %s", req.HTTPVersion)
	}
	if len(req.Headers) != 1 || string(req.Headers[0].Name) != "host" {
		t.Errorf("expected lowercased host header, got %v", req.Headers)
	}

	if _, ok := events[1].(EndOfMessage); !ok {
		t.Fatalf("expected EndOfMessage, got %T", events[1])
	}
	if c.TheirState() != StateDone {
		t.Errorf("expected their state DONE, got %s", c.TheirState())
	}
	if c.OurState() != StateSendResponse {
		t.Errorf("expected our state SEND_RESPONSE, got %s", c.OurState())
	}
}

func TestParseIncremental(t *testing.T) {
	c := NewConn(0)
	raw := "GET / HTTP/1.1\r\nHost: x\r\n\r\n"

	for i := 0; i < len(raw)-1; i++ {
		c.ReceiveData([]byte{raw[i]})
		ev, err := c.NextEvent()
		if err != nil {
			t.Fatalf("parse error at byte %d: %v", i, err)
		}
		if _, ok := ev.(NeedData); !ok {
			t.Fatalf("expected NeedData at byte %d, got %T", i, ev)
		}
	}

	c.ReceiveData([]byte{raw[len(raw)-1]})
	ev, err := c.NextEvent()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if _, ok := ev.(Request); !ok {
		t.Fatalf("expected Request, got %T", ev)
	}
}

func TestParseContentLengthBody(t *testing.T) {
	c := NewConn(0)
	c.ReceiveData([]byte("POST /u HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhel"))

	events := drainEvents(t, c)
	if len(events) != 2 {
		t.Fatalf("expected Request+Data, got %v", events)
	}
	data, ok := events[1].(Data)
	if !ok || string(data.Data) != "hel" {
		t.Fatalf("expected partial body 'hel', got %#v", events[1])
	}

	c.ReceiveData([]byte("lo"))
	events = drainEvents(t, c)
	if len(events) != 2 {
		t.Fatalf("expected Data+EndOfMessage, got %v", events)
	}
	if data, ok := events[0].(Data); !ok || string(data.Data) != "lo" {
		t.Fatalf("expected body tail 'lo', got %#v", events[0])
	}
	if _, ok := events[1].(EndOfMessage); !ok {
		t.Fatalf("expected EndOfMessage, got %T", events[1])
	}
}

func TestParseChunkedBody(t *testing.T) {
	c := NewConn(0)
	c.ReceiveData([]byte("POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6;ext=1\r\n world\r\n0\r\n\r\n"))

	events := drainEvents(t, c)

	var body bytes.Buffer
	sawEnd := false
	for _, ev := range events[1:] {
		switch ev := ev.(type) {
		case Data:
			body.Write(ev.Data)
		case EndOfMessage:
			sawEnd = true
		}
	}
	if body.String() != "hello world" {
		t.Errorf("expected body 'hello world', got %q", body.String())
	}
	if !sawEnd {
		t.Error("expected EndOfMessage after final chunk")
	}
}

func TestParseMalformedRequestLine(t *testing.T) {
	c := NewConn(0)
	c.ReceiveData([]byte("NOT A VALID\r\n\r\n"))

	if _, err := c.NextEvent(); err == nil {
		t.Fatal("expected parse error")
	} else if !errors.Is(err, ErrRemoteProtocol) {
		t.Fatalf("expected ErrRemoteProtocol, got %v", err)
	}
}

func TestParseOversizedHead(t *testing.T) {
	c := NewConn(128)
	c.ReceiveData([]byte("GET / HTTP/1.1\r\nX-Filler: " + strings.Repeat("a", 256)))

	if _, err := c.NextEvent(); !errors.Is(err, ErrRemoteProtocol) {
		t.Fatalf("expected ErrRemoteProtocol for oversized head, got %v", err)
	}
}

func TestParseInvalidContentLength(t *testing.T) {
	c := NewConn(0)
	c.ReceiveData([]byte("POST / HTTP/1.1\r\nContent-Length: nope\r\n\r\n"))

	if _, err := c.NextEvent(); !errors.Is(err, ErrRemoteProtocol) {
		t.Fatalf("expected ErrRemoteProtocol, got %v", err)
	}
}

func TestExpect100Continue(t *testing.T) {
	c := NewConn(0)
	c.ReceiveData([]byte("POST /u HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 3\r\n\r\n"))

	if _, err := c.NextEvent(); err != nil {
		t.Fatal(err)
	}
	if !c.TheyAreWaitingFor100Continue() {
		t.Fatal("expected client to be waiting for 100 continue")
	}

	out, err := c.Send(InformationalResponse{Status: 100})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "HTTP/1.1 100 Continue\r\n\r\n" {
		t.Errorf("unexpected informational response: %q", out)
	}
	if c.TheyAreWaitingFor100Continue() {
		t.Error("waiting flag should clear after the informational response")
	}
}

func TestResponseContentLengthFraming(t *testing.T) {
	c := NewConn(0)
	c.ReceiveData([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	drainEvents(t, c)

	head, err := c.Send(Response{Status: 200, Headers: []Header{
		{Name: []byte("content-length"), Value: []byte("2")},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(head), "HTTP/1.1 200 OK\r\n") {
		t.Errorf("unexpected status line: %q", head)
	}
	if strings.Contains(string(head), "transfer-encoding") {
		t.Errorf("content-length response must not add chunked framing: %q", head)
	}

	body, err := c.Send(Data{Data: []byte("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "hi" {
		t.Errorf("expected raw body bytes, got %q", body)
	}

	if _, err := c.Send(EndOfMessage{}); err != nil {
		t.Fatal(err)
	}
	if c.OurState() != StateDone {
		t.Errorf("expected our state DONE, got %s", c.OurState())
	}

	if err := c.StartNextCycle(); err != nil {
		t.Fatalf("start next cycle: %v", err)
	}
	if c.TheirState() != StateIdle || c.OurState() != StateIdle {
		t.Error("expected both directions IDLE after cycle reset")
	}
}

func TestResponseChunkedFraming(t *testing.T) {
	c := NewConn(0)
	c.ReceiveData([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	drainEvents(t, c)

	head, err := c.Send(Response{Status: 200, Headers: nil})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(head), "transfer-encoding: chunked\r\n") {
		t.Fatalf("expected chunked framing, got %q", head)
	}

	body, _ := c.Send(Data{Data: []byte("hi")})
	if string(body) != "2\r\nhi\r\n" {
		t.Errorf("unexpected chunk encoding: %q", body)
	}

	end, _ := c.Send(EndOfMessage{})
	if string(end) != "0\r\n\r\n" {
		t.Errorf("expected terminating chunk, got %q", end)
	}
	if c.OurState() != StateDone {
		t.Errorf("expected our state DONE, got %s", c.OurState())
	}
}

func TestResponseCloseDelimitedFraming(t *testing.T) {
	c := NewConn(0)
	c.ReceiveData([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	drainEvents(t, c)

	head, err := c.Send(Response{Status: 200, Headers: []Header{
		{Name: []byte("content-type"), Value: []byte("text/plain")},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(head), "transfer-encoding") {
		t.Errorf("closing response must not be chunked: %q", head)
	}

	if _, err := c.Send(Data{Data: []byte("bye")}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send(EndOfMessage{}); err != nil {
		t.Fatal(err)
	}
	if c.OurState() != StateMustClose {
		t.Errorf("expected MUST_CLOSE after Connection: close, got %s", c.OurState())
	}
}

func TestHTTP10DefaultsToClose(t *testing.T) {
	c := NewConn(0)
	c.ReceiveData([]byte("GET / HTTP/1.0\r\nHost: x\r\n\r\n"))
	drainEvents(t, c)

	if _, err := c.Send(Response{Status: 200}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send(EndOfMessage{}); err != nil {
		t.Fatal(err)
	}
	if c.OurState() != StateMustClose {
		t.Errorf("HTTP/1.0 without keep-alive must close, got %s", c.OurState())
	}
}

func TestHeadSuppressesBody(t *testing.T) {
	c := NewConn(0)
	c.ReceiveData([]byte("HEAD / HTTP/1.1\r\nHost: x\r\n\r\n"))
	drainEvents(t, c)

	head, err := c.Send(Response{Status: 200, Headers: []Header{
		{Name: []byte("content-length"), Value: []byte("2")},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(head), "content-length: 2\r\n") {
		t.Errorf("HEAD response should keep headers, got %q", head)
	}

	body, err := c.Send(Data{Data: []byte("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != 0 {
		t.Errorf("HEAD body must be suppressed, got %q", body)
	}
}

func TestPipelinedRequestsPause(t *testing.T) {
	c := NewConn(0)
	c.ReceiveData([]byte("GET /one HTTP/1.1\r\nHost: x\r\n\r\nGET /two HTTP/1.1\r\nHost: x\r\n\r\n"))

	events := drainEvents(t, c)
	if len(events) != 2 {
		t.Fatalf("expected only the first request before pause, got %v", events)
	}

	ev, err := c.NextEvent()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ev.(Paused); !ok {
		t.Fatalf("expected Paused with a buffered pipelined request, got %T", ev)
	}

	// Answer the first request, then the second becomes parseable.
	if _, err := c.Send(Response{Status: 200, Headers: []Header{
		{Name: []byte("content-length"), Value: []byte("0")},
	}}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send(EndOfMessage{}); err != nil {
		t.Fatal(err)
	}
	if err := c.StartNextCycle(); err != nil {
		t.Fatal(err)
	}

	events = drainEvents(t, c)
	if len(events) != 2 {
		t.Fatalf("expected the second request after cycle reset, got %v", events)
	}
	req, ok := events[0].(Request)
	if !ok || string(req.Target) != "/two" {
		t.Fatalf("expected pipelined request /two, got %#v", events[0])
	}
}

func TestSendOutOfOrder(t *testing.T) {
	c := NewConn(0)
	c.ReceiveData([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	drainEvents(t, c)

	if _, err := c.Send(Data{Data: []byte("early")}); !errors.Is(err, ErrLocalProtocol) {
		t.Fatalf("expected ErrLocalProtocol for body before head, got %v", err)
	}

	if _, err := c.Send(Response{Status: 200}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send(EndOfMessage{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send(Data{Data: []byte("late")}); !errors.Is(err, ErrLocalProtocol) {
		t.Fatalf("expected ErrLocalProtocol for body after completion, got %v", err)
	}

	// A close is valid once the response is complete.
	if _, err := c.Send(ConnectionClosed{}); err != nil {
		t.Fatalf("close after completion should be valid: %v", err)
	}
}

func TestUnquotePath(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"/hello", "/hello"},
		{"/a%20b", "/a b"},
		{"/%e4%b8%ad", "/中"},
		{"/bad%zz", "/bad%zz"},
		{"/trail%2", "/trail%2"},
	}
	for _, tc := range cases {
		if got := unquote([]byte(tc.raw)); got != tc.want {
			t.Errorf("unquote(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestSplitTarget(t *testing.T) {
	path, query := splitTarget([]byte("/search?q=go&page=2"))
	if string(path) != "/search" {
		t.Errorf("expected /search, got %s", path)
	}
	if string(query) != "q=go&page=2" {
		t.Errorf("expected query without '?', got %s", query)
	}

	path, query = splitTarget([]byte("/plain"))
	if string(path) != "/plain" || query != nil {
		t.Errorf("expected bare path, got %s / %s", path, query)
	}
}
