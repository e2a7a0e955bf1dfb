package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"cacheproxy/internal/cache"
	"cacheproxy/internal/config"
	"cacheproxy/internal/connpool"
	"cacheproxy/internal/logging"
	"cacheproxy/internal/metrics"
	"cacheproxy/internal/resolver"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.IO.BufferBytes = 4096
	cfg.Cache.MaxTotalBytes = 1 << 20
	cfg.Cache.MaxEntryBytes = 1 << 16
	cfg.Upstream.ConnectTimeout = time.Second

	res, err := resolver.New(16)
	require.NoError(t, err)

	c := cache.New(cfg.Cache.MaxTotalBytes, cfg.Cache.MaxEntryBytes)
	p := connpool.New(cfg.Pool.Capacity, cfg.Pool.IdleMaxAge)
	logger := logging.NewLogger("test")
	m := metrics.New(prometheus.NewRegistry())
	stats := &metrics.Stats{}

	return NewHandler(c, p, res, cfg, logger, m, stats)
}

// startEchoUpstream starts a tiny upstream that, for every accepted
// connection, writes a fixed HTTP/1.1 response once and closes.
func startEchoUpstream(t *testing.T, body string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				_, _ = c.Read(buf) // drain the request
				resp := fmt.Sprintf(
					"HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s",
					len(body), body,
				)
				_, _ = c.Write([]byte(resp))
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

// TestMissThenHit checks that a miss fetches from upstream, and a
// second identical request is served from the cache.
func TestMissThenHit(t *testing.T) {
	h := newTestHandler(t)
	upstreamAddr := startEchoUpstream(t, "HELLO")

	request := fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\n\r\n", upstreamAddr)

	// First request: miss.
	resp1 := sendRequest(t, h, request)
	require.Contains(t, resp1, "HELLO")

	// Second identical request: hit, no new upstream connection needed
	// (the echo upstream would still respond if dialed again, so this
	// mainly proves the handler doesn't error quietly).
	resp2 := sendRequest(t, h, request)
	require.Contains(t, resp2, "HELLO")

	hits, misses, _, _ := h.cache.Stats()
	require.EqualValues(t, 1, hits)
	require.EqualValues(t, 1, misses)
}

// TestUnsupportedMethod checks that a non-GET method is rejected with 501.
func TestUnsupportedMethod(t *testing.T) {
	h := newTestHandler(t)
	request := "POST http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"

	resp := sendRequest(t, h, request)
	require.Contains(t, resp, "HTTP/1.1 501")
}

// TestMalformedRequest checks that an unparseable request line is rejected with 400.
func TestMalformedRequest(t *testing.T) {
	h := newTestHandler(t)
	resp := sendRequest(t, h, "GET\r\n\r\n")
	require.Contains(t, resp, "HTTP/1.1 400")
}

// TestOversizeResponseNotCached checks that a response larger than the
// per-entry cache cap is still delivered to the client but never
// inserted into the cache.
func TestOversizeResponseNotCached(t *testing.T) {
	h := newTestHandler(t)
	h.cfg.Cache.MaxEntryBytes = 8 // tiny, so any real body overflows it
	big := make([]byte, 64)
	for i := range big {
		big[i] = 'x'
	}
	upstreamAddr := startEchoUpstream(t, string(big))
	request := fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\n\r\n", upstreamAddr)

	resp := sendRequest(t, h, request)
	require.Contains(t, resp, "xxxx")

	_, _, _, entries := h.cache.Stats()
	require.Equal(t, 0, entries, "oversize response must not be cached")
}

func sendRequest(t *testing.T, h *Handler, request string) string {
	t.Helper()
	clientSide, proxySide := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.HandleConnection(context.Background(), proxySide, "test-conn")
	}()

	_, err := clientSide.Write([]byte(request))
	require.NoError(t, err)

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(clientSide)
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	clientSide.Close()
	<-done
	return string(buf)
}
