// Package server implements the acceptor, worker pool, and per-request
// state machine of the forwarding proxy: a raw net.Listener acceptor
// feeding a bounded work queue and a fixed-size worker pool, with
// context-cancellation-driven graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"cacheproxy/internal/admission"
	"cacheproxy/internal/cache"
	"cacheproxy/internal/config"
	"cacheproxy/internal/connpool"
	"cacheproxy/internal/logging"
	"cacheproxy/internal/metrics"
	"cacheproxy/internal/queue"
	"cacheproxy/internal/ratelimit"
	"cacheproxy/internal/resolver"
)

// Server owns the acceptor socket, the bounded work queue, the worker
// pool, and every shared collaborator the request handler needs.
type Server struct {
	cfg       *config.Config
	logger    *logging.Logger
	metrics   *metrics.Metrics
	stats     *metrics.Stats
	cache     *cache.Cache
	pool      *connpool.Pool
	resolver  *resolver.Resolver
	admission *admission.Controller
	limiter   *ratelimit.Limiter
	queue     *queue.Queue
	handler   *Handler

	listener net.Listener
}

// New wires every collaborator in dependency order: cache, pool,
// resolver, admission controller, queue, and the request handler that
// closes over all of them.
func New(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) (*Server, error) {
	c := cache.New(cfg.Cache.MaxTotalBytes, cfg.Cache.MaxEntryBytes)
	p := connpool.New(cfg.Pool.Capacity, cfg.Pool.IdleMaxAge)
	res, err := resolver.New(256)
	if err != nil {
		return nil, fmt.Errorf("constructing resolver: %w", err)
	}
	ac := admission.New(cfg.Admission.MaxClients)
	q := queue.New(cfg.Queue.Capacity)
	stats := &metrics.Stats{}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate)
	}

	h := NewHandler(c, p, res, cfg, logger, m, stats)

	return &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		stats:     stats,
		cache:     c,
		pool:      p,
		resolver:  res,
		admission: ac,
		limiter:   limiter,
		queue:     q,
		handler:   h,
	}, nil
}

// Run listens on port, starts the worker pool, accepts connections
// until ctx is canceled, then drains in-flight work and returns.
func (s *Server) Run(ctx context.Context, port int) error {
	lc := net.ListenConfig{
		Control: setReuseAddrAndKeepAlive,
	}
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	s.listener = listener

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < s.cfg.Admission.Workers; i++ {
		g.Go(func() error {
			s.workerLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		s.acceptLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	err = g.Wait()
	// Every worker has returned, so no handler can hand a connection
	// back to the pool after this drain.
	s.pool.Close()
	return err
}

// acceptLoop admits, then enqueues; when the fleet is at capacity it
// rejects with 503 and closes immediately, never blocking on enqueue
// before admission.
func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		enableKeepAlive(conn)

		if s.limiter != nil && !s.limiter.Allow(conn.RemoteAddr().String()) {
			conn.Close()
			continue
		}

		release, ok := s.admission.TryAdmit()
		if !ok {
			s.metrics.RecordAdmissionRejected()
			writeErrorResponse(conn, 503)
			conn.Close()
			continue
		}

		item := queue.WorkItem{
			ClientConn: conn,
			ClientAddr: conn.RemoteAddr().String(),
			Release:    release,
		}
		if !s.queue.Enqueue(item) {
			// Shutdown in progress: refuse gracefully rather than hang.
			release()
			conn.Close()
			return
		}
	}
}

// workerLoop is one of the long-lived goroutines draining the shared
// queue and running the handler state machine.
func (s *Server) workerLoop(ctx context.Context) {
	for {
		item, ok := s.queue.Dequeue()
		if !ok {
			return
		}

		connCtx, endSpan, id := s.connectionContext(ctx, item.ClientAddr)
		s.handler.HandleConnection(connCtx, item.ClientConn, id)
		endSpan()

		if item.Release != nil {
			item.Release()
		}
	}
}

func (s *Server) connectionContext(ctx context.Context, remoteAddr string) (context.Context, func(), string) {
	connLogger, id := s.logger.ForConnection(remoteAddr)
	spanCtx, span := connLogger.StartSpan(ctx, "handle_connection")
	return spanCtx, func() { span.End() }, id
}

// shutdown stops accepting and releases blocked queue participants.
// In-flight work finishes in the worker goroutines; Run drains the pool
// once they have all returned.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	_ = s.listener.Close()
	s.queue.Shutdown()

	done := make(chan struct{})
	go func() {
		// In-flight workers drain the queue's remaining items and
		// return on their own; nothing further to join here beyond the
		// errgroup in Run.
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	return nil
}

// Stats returns a snapshot of the rolling statistics, for the periodic
// stdout block.
func (s *Server) Stats() metrics.Snapshot {
	return s.stats.Snapshot()
}

// CacheStats exposes the cache's own counters alongside Stats, since the
// periodic block also reports current cache footprint.
func (s *Server) CacheStats() (hits, misses uint64, totalBytes int64, entries int) {
	return s.cache.Stats()
}

// RefreshGauges publishes current pool/queue/admission occupancy to the
// Prometheus gauges; called from the same periodic loop as the stdout
// stats block.
func (s *Server) RefreshGauges() {
	s.metrics.SetPoolSize(s.pool.Len())
	s.metrics.SetQueueDepth(s.queue.Len())
	s.metrics.SetInFlight(s.admission.InFlight())
}
