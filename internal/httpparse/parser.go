// Package httpparse turns the raw bytes read off a client socket into a
// ParsedRequest, and serializes the header block back out for
// forwarding to the upstream. Its grammar is deliberately narrow —
// HTTP/1.1-shaped, any method token accepted (the handler rejects
// non-GET) — it is not a general-purpose HTTP parser.
package httpparse

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Header is a single ordered request header, preserving client casing
// and order exactly — no normalization applies to forwarded headers.
type Header struct {
	Name  string
	Value string
}

// ParsedRequest is the parser's output value: {method, host, port,
// path, version, headers}.
type ParsedRequest struct {
	Method  string
	Host    string
	Port    string // empty when absent from the Host header; caller defaults it
	Path    string
	Version string
	Headers []Header
}

// HeaderValue returns the first value for name (case-insensitive), or ""
func (p *ParsedRequest) HeaderValue(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ParseRequest parses a raw, complete HTTP/1.1 request-line-plus-headers
// buffer (terminated by "\r\n\r\n"). It does not consume or expect a
// body — GET requests carry none.
func ParseRequest(buf []byte) (*ParsedRequest, error) {
	reader := bufio.NewReader(bytes.NewReader(buf))

	requestLine, err := readCRLFLine(reader)
	if err != nil {
		return nil, fmt.Errorf("reading request line: %w", err)
	}
	method, path, version, err := parseRequestLine(requestLine)
	if err != nil {
		return nil, err
	}

	var headers []Header
	for {
		line, err := readCRLFLine(reader)
		if err != nil {
			return nil, fmt.Errorf("reading header line: %w", err)
		}
		if line == "" {
			break // blank line: end of header block
		}
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		headers = append(headers, Header{Name: name, Value: value})
	}

	host, port := splitHostHeader(headerValue(headers, "Host"))
	if host == "" {
		host, port = splitHostFromPath(path)
	}

	return &ParsedRequest{
		Method:  method,
		Host:    host,
		Port:    port,
		Path:    path,
		Version: version,
		Headers: headers,
	}, nil
}

// UnparseHeaders serializes headers (excluding Host and Connection,
// which the caller sets explicitly) into an HTTP/1.1 header block, each
// line terminated by "\r\n". It returns the serialized block, or an
// error if the result would exceed cap bytes.
func UnparseHeaders(headers []Header, cap int) ([]byte, error) {
	var buf bytes.Buffer
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Host") || strings.EqualFold(h.Name, "Connection") {
			continue
		}
		line := fmt.Sprintf("%s: %s\r\n", h.Name, h.Value)
		if buf.Len()+len(line) > cap {
			return nil, fmt.Errorf("header block exceeds %d byte cap", cap)
		}
		buf.WriteString(line)
	}
	return buf.Bytes(), nil
}

func readCRLFLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseRequestLine(line string) (method, path, version string, err error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed request line %q", line)
	}
	return parts[0], parts[1], parts[2], nil
}

func parseHeaderLine(line string) (name, value string, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("malformed header line %q", line)
	}
	name = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if name == "" {
		return "", "", fmt.Errorf("empty header name in %q", line)
	}
	return name, value, nil
}

func headerValue(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// splitHostHeader splits a "Host: host[:port]" value into host and port.
func splitHostHeader(hostHeader string) (host, port string) {
	if hostHeader == "" {
		return "", ""
	}
	if idx := strings.LastIndexByte(hostHeader, ':'); idx >= 0 {
		if _, convErr := strconv.Atoi(hostHeader[idx+1:]); convErr == nil {
			return hostHeader[:idx], hostHeader[idx+1:]
		}
	}
	return hostHeader, ""
}

// splitHostFromPath recovers host/port from an absolute-form request
// target ("http://host[:port]/path") when no Host header was sent.
func splitHostFromPath(path string) (host, port string) {
	const scheme = "http://"
	if !strings.HasPrefix(path, scheme) {
		return "", ""
	}
	rest := path[len(scheme):]
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}
	return splitHostHeader(rest)
}
