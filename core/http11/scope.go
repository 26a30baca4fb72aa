package http11

import (
	"bytes"
	"strconv"

	"github.com/searchktools/hive-server/core/asgi"
)

// splitTarget splits a request target into the raw path and the query
// string on the first '?'. The query string keeps no leading '?'.
func splitTarget(target []byte) (rawPath, query []byte) {
	if i := bytes.IndexByte(target, '?'); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, nil
}

// unquote percent-decodes a raw path. Invalid escapes pass through
// untouched rather than failing the request.
func unquote(raw []byte) string {
	if bytes.IndexByte(raw, '%') < 0 {
		return string(raw)
	}
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] == '%' && i+2 < len(raw) {
			hi, okHi := unhex(raw[i+1])
			lo, okLo := unhex(raw[i+2])
			if okHi && okLo {
				out = append(out, hi<<4|lo)
				i += 2
				continue
			}
		}
		out = append(out, raw[i])
	}
	return string(out)
}

func unhex(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}

func toScopeHeaders(headers []Header) []asgi.Header {
	out := make([]asgi.Header, len(headers))
	for i, h := range headers {
		out[i] = asgi.Header{Name: h.Name, Value: h.Value}
	}
	return out
}

// clientAddr formats the peer address for the access log, empty when
// unknown.
func clientAddr(scope *asgi.Scope) string {
	if scope.Client == nil {
		return ""
	}
	return scope.Client.Host + ":" + strconv.Itoa(scope.Client.Port)
}

// pathWithQuery reassembles the request target for the access log.
func pathWithQuery(scope *asgi.Scope) string {
	if len(scope.QueryString) == 0 {
		return string(scope.RawPath)
	}
	return string(scope.RawPath) + "?" + string(scope.QueryString)
}

// scopeHasCloseHeader reports whether the client asked for the
// connection to be closed after this response.
func scopeHasCloseHeader(headers []asgi.Header) bool {
	for _, h := range headers {
		if bytes.Equal(h.Name, []byte("connection")) && hasToken(h.Value, "close") {
			return true
		}
	}
	return false
}
