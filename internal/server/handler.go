package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"cacheproxy/internal/cache"
	"cacheproxy/internal/config"
	"cacheproxy/internal/connpool"
	"cacheproxy/internal/httpparse"
	"cacheproxy/internal/logging"
	"cacheproxy/internal/metrics"
	"cacheproxy/internal/resolver"
)

// Handler runs the per-request state machine: Read -> Parse ->
// CacheLookup -> StreamFromCache | Dispatch -> Connect -> ForwardRequest
// -> TeeResponse -> FinalizeCache -> ReleaseUpstream -> Close. One
// Handler is shared by every worker goroutine; all of its fields are
// themselves safe for concurrent use.
type Handler struct {
	cache    *cache.Cache
	pool     *connpool.Pool
	resolver *resolver.Resolver
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	stats    *metrics.Stats
}

// NewHandler constructs a request handler wired to the shared cache,
// connection pool, resolver, and observability stack.
func NewHandler(c *cache.Cache, p *connpool.Pool, r *resolver.Resolver, cfg *config.Config, logger *logging.Logger, m *metrics.Metrics, stats *metrics.Stats) *Handler {
	return &Handler{cache: c, pool: p, resolver: r, cfg: cfg, logger: logger, metrics: m, stats: stats}
}

// HandleConnection runs the full state machine for one accepted client
// socket. It always closes conn before returning.
func (h *Handler) HandleConnection(ctx context.Context, conn net.Conn, connID string) {
	start := time.Now()
	status := h.serve(ctx, conn)
	latency := time.Since(start)

	h.stats.Record(latency)
	h.metrics.RecordRequest(status, latency)
	h.logger.Info(ctx, "request complete",
		slog.String("conn_id", connID),
		slog.Int("status", status),
		slog.Int64("latency_ms", latency.Milliseconds()))

	conn.Close()
}

// serve is Close's precursor: it runs steps 1-10 and returns the final
// status code: 200 for cache hits and successful forwards, the error
// status for an emitted error response, and 0 when a client write
// failed mid-stream and the exchange was abandoned.
func (h *Handler) serve(ctx context.Context, conn net.Conn) int {
	// Step 1: Read
	raw, err := readRequestHeaders(conn, h.cfg.IO.BufferBytes)
	if err != nil {
		writeErrorResponse(conn, 400)
		return 400
	}

	// Step 2: Parse
	parsed, parseErr := httpparse.ParseRequest(raw)

	// Step 3: Cache lookup (always keyed on the raw bytes, even when
	// parsing later fails the Dispatch gate).
	if parseErr == nil {
		if entry, hit := h.cache.Lookup(raw); hit {
			h.metrics.RecordCacheHit()
			h.stats.RecordCacheOutcome(true)
			written := h.streamFromCache(conn, entry.Body)
			h.stats.RecordBytesServed(written)
			return 200
		}
	}
	h.metrics.RecordCacheMiss()
	h.stats.RecordCacheOutcome(false)

	if parseErr != nil {
		writeErrorResponse(conn, 400)
		return 400
	}

	// Step 5: Dispatch
	if parsed.Method != "GET" || parsed.Host == "" || parsed.Path == "" {
		writeErrorResponse(conn, 501)
		return 501
	}

	return h.dispatch(ctx, conn, parsed, raw)
}

// streamFromCache writes body to conn in fixed-size chunks and returns
// the number of bytes actually written before any write error aborted
// the stream.
func (h *Handler) streamFromCache(conn net.Conn, body []byte) int64 {
	bufSize := h.cfg.IO.BufferBytes
	var written int64
	for off := 0; off < len(body); off += bufSize {
		end := off + bufSize
		if end > len(body) {
			end = len(body)
		}
		n, err := conn.Write(body[off:end])
		written += int64(n)
		if err != nil {
			return written // abort silently, client went away mid-stream
		}
	}
	return written
}

func (h *Handler) dispatch(ctx context.Context, client net.Conn, parsed *httpparse.ParsedRequest, raw []byte) int {
	port := parsed.Port
	if port == "" {
		port = "80"
	}
	if _, err := strconv.Atoi(port); err != nil {
		writeErrorResponse(client, 500)
		return 500
	}

	// Step 6: Connect
	upstream, err := h.connect(ctx, parsed.Host, port)
	if err != nil {
		h.metrics.RecordUpstreamError("connect")
		writeErrorResponse(client, 500)
		return 500
	}

	// Step 7: ForwardRequest
	if err := h.forwardRequest(upstream, parsed); err != nil {
		h.metrics.RecordUpstreamError("io")
		upstream.Close()
		writeErrorResponse(client, 500)
		return 500
	}

	// Step 8: TeeResponse
	captured, totalReceived, wroteToClient, clientErr, upstreamErr := h.teeResponse(client, upstream)

	if clientErr {
		// Client write error mid-stream: abort silently, no cache insert.
		upstream.Close()
		return 0
	}
	if !wroteToClient {
		h.metrics.RecordUpstreamError("io")
		writeErrorResponse(client, 500)
		upstream.Close()
		return 500
	}
	h.stats.RecordBytesServed(totalReceived)

	// Step 9: FinalizeCache. totalReceived > len(captured) means the
	// response exceeded the per-entry cache cap and the capture was
	// truncated — an oversize response, not to be cached at all.
	if totalReceived >= 1 && totalReceived == int64(len(captured)) {
		h.cache.Insert(raw, captured)
	}

	// Step 10: ReleaseUpstream. A genuine upstream read failure (as
	// opposed to a clean EOF) makes the connection ineligible for reuse.
	if upstreamErr {
		h.metrics.RecordUpstreamError("io")
		upstream.Close()
		return 200
	}
	h.pool.Release(upstream, parsed.Host, port)

	return 200
}

func (h *Handler) connect(ctx context.Context, host, port string) (net.Conn, error) {
	if conn, ok := h.pool.Acquire(host, port); ok {
		return conn, nil
	}

	addr, err := h.resolver.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	return net.DialTimeout("tcp", net.JoinHostPort(addr, port), h.cfg.Upstream.ConnectTimeout)
}

func (h *Handler) forwardRequest(upstream net.Conn, parsed *httpparse.ParsedRequest) error {
	headerBlock, err := httpparse.UnparseHeaders(parsed.Headers, h.cfg.IO.BufferBytes)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString("GET ")
	buf.WriteString(parsed.Path)
	buf.WriteString(" ")
	buf.WriteString(parsed.Version)
	buf.WriteString("\r\n")
	buf.WriteString("Host: ")
	buf.WriteString(parsed.Host)
	buf.WriteString("\r\n")
	buf.WriteString("Connection: keep-alive\r\n")
	buf.WriteString("User-Agent: ")
	buf.WriteString(h.cfg.Upstream.UserAgent)
	buf.WriteString("\r\n")
	buf.Write(headerBlock)
	buf.WriteString("\r\n")

	_, err = upstream.Write(buf.Bytes())
	return err
}

// teeResponse reads from upstream in fixed-size chunks, writing each
// chunk to client immediately and appending it to a capped capture
// buffer. It returns the captured bytes (capped at the per-entry cache
// limit), the true total byte count received from upstream (so the
// caller can tell a truncated capture from a complete one), whether any
// byte was successfully forwarded to the client, whether the client
// write failed (in which case the loop aborts), and whether the stream
// ended in a genuine upstream read error rather than a clean EOF — that
// distinction decides whether upstream is pool-eligible afterward.
func (h *Handler) teeResponse(client, upstream net.Conn) (captured []byte, totalReceived int64, wroteToClient bool, clientErr bool, upstreamErr bool) {
	bufSize := h.cfg.IO.BufferBytes
	maxCapture := h.cfg.Cache.MaxEntryBytes
	readBuf := make([]byte, bufSize)

	for {
		n, readErr := upstream.Read(readBuf)
		if n > 0 {
			if _, werr := client.Write(readBuf[:n]); werr != nil {
				return captured, totalReceived, wroteToClient, true, false
			}
			wroteToClient = true
			totalReceived += int64(n)
			if int64(len(captured)) < maxCapture {
				remaining := maxCapture - int64(len(captured))
				chunk := readBuf[:n]
				if int64(len(chunk)) > remaining {
					chunk = chunk[:remaining]
				}
				captured = append(captured, chunk...)
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				upstreamErr = true
			}
			break
		}
	}
	return captured, totalReceived, wroteToClient, false, upstreamErr
}

// readRequestHeaders accumulates bytes from conn until "\r\n\r\n" is
// found, or the buffer would exceed maxBytes-1, or the peer closes or
// errors.
func readRequestHeaders(conn net.Conn, maxBytes int) ([]byte, error) {
	buf := make([]byte, 0, maxBytes)
	chunk := make([]byte, 512)

	for {
		if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
			return buf[:idx+4], nil
		}
		if len(buf) >= maxBytes-1 {
			return nil, errOversizeRequest
		}
		want := maxBytes - 1 - len(buf)
		if want > len(chunk) {
			want = len(chunk)
		}
		n, err := conn.Read(chunk[:want])
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
				return buf[:idx+4], nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}
