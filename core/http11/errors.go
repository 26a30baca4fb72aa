package http11

import "errors"

// Error kinds of the protocol engine. RemoteProtocol errors are
// recovered at the connection boundary with a 400 response; the other
// two surface to the handler or the logs.
var (
	// ErrRemoteProtocol marks malformed HTTP received from the peer.
	ErrRemoteProtocol = errors.New("remote protocol error")

	// ErrLocalProtocol marks an attempt to emit a protocol event that
	// is not valid in the current connection state.
	ErrLocalProtocol = errors.New("local protocol error")

	// ErrProtocolMisuse marks a handler that sent the wrong event kind
	// or sent events out of sequence.
	ErrProtocolMisuse = errors.New("protocol misuse")
)
