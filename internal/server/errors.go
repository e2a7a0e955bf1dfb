package server

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// errOversizeRequest is returned by readRequestHeaders when the header
// block would exceed the read-buffer limit without a terminating blank
// line.
var errOversizeRequest = errors.New("request header block exceeds buffer")

// statusText gives the reason phrase for each status code the emitter
// supports.
var statusText = map[int]string{
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	500: "Internal Server Error",
	501: "Not Implemented",
	503: "Service Unavailable",
	505: "HTTP Version Not Supported",
}

const serverIdent = "cacheproxy"

// writeErrorResponse writes a complete HTTP/1.1 error response: status
// line, Content-Length, Content-Type, Connection, RFC 1123 Date, server
// identifier, and a tiny HTML body. Write failures are ignored — the
// client is already gone in that case.
func writeErrorResponse(conn net.Conn, status int) {
	reason, ok := statusText[status]
	if !ok {
		reason = "Error"
	}
	body := fmt.Sprintf("<html><body><h1>%d %s</h1></body></html>", status, reason)

	response := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\n"+
			"Content-Length: %d\r\n"+
			"Content-Type: text/html\r\n"+
			"Connection: keep-alive\r\n"+
			"Date: %s\r\n"+
			"Server: %s\r\n"+
			"\r\n"+
			"%s",
		status, reason, len(body), time.Now().UTC().Format(time.RFC1123), serverIdent, body,
	)

	_, _ = conn.Write([]byte(response))
}
