/*
Package hiveserver provides an HTTP/1.1 application server built
around a message-passing handler contract.

The server accepts TCP connections, drives each one through an
incremental HTTP/1.1 protocol engine, and dispatches every request to
a user-supplied handler over a receive/send event interface. The
engine preserves HTTP/1.1 semantics end to end: keep-alive with idle
timeouts, pipelined requests answered in order, 100-continue,
Connection: close, request-body backpressure, and websocket upgrade
hand-off. A shutdown coordinator maps SIGTERM to a graceful drain and
SIGINT to a forceful teardown.

Quick Start

Basic usage example:

	package main

	import (
	    "context"

	    "github.com/searchktools/hive-server/app"
	    "github.com/searchktools/hive-server/config"
	    "github.com/searchktools/hive-server/core/asgi"
	)

	func hello(ctx context.Context, scope *asgi.Scope, receive asgi.ReceiveFunc, send asgi.SendFunc) error {
	    if err := send(asgi.ResponseStart{
	        Status:  200,
	        Headers: []asgi.Header{{Name: []byte("content-type"), Value: []byte("text/plain")}},
	    }); err != nil {
	        return err
	    }
	    return send(asgi.ResponseBody{Body: []byte("Hello, world!")})
	}

	func main() {
	    app.New(config.New(hello)).Run()
	}

Modules

The framework is organized into several modules:

  - app: application lifecycle management
  - config: configuration loading and management
  - core: TCP acceptor, server state, shutdown coordination
  - core/asgi: the handler contract (scope, events, receive/send)
  - core/http11: the HTTP/1.1 protocol engine and flow control
  - core/websocket: RFC 6455 upgrade target
  - core/pools: byte buffer pooling
  - core/observability: request metrics

For more information, see https://github.com/searchktools/hive-server
*/
package hiveserver
