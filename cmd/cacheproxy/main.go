// Command cacheproxy runs a forwarding HTTP/1.1 proxy with an LRU
// response cache, an upstream connection pool, and a bounded worker
// pool. Shutdown is context-cancellation-driven on SIGINT/SIGTERM.
// Takes a single positional port argument rather than flag-based
// configuration.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cacheproxy/internal/config"
	"cacheproxy/internal/logging"
	"cacheproxy/internal/metrics"
	"cacheproxy/internal/server"
	"cacheproxy/internal/tracing"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("usage: proxy <port>")
		os.Exit(1)
	}
	port, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Println("usage: proxy <port>")
		os.Exit(1)
	}

	configPath := os.Getenv("CACHEPROXY_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	if err := config.LoadConfig(configPath); err != nil {
		fmt.Printf("loading config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.GetInstance()
	cfg.Server.Port = port

	logger := logging.NewLogger(cfg.Tracing.ServiceName)

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.InitTracing(cfg.Tracing)
		if err != nil {
			logger.Fatal(context.Background(), "initializing tracing", err)
		}
		defer shutdownTracing()
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	if cfg.Metrics.Enabled {
		go serveMetricsAdmin(cfg.Metrics.Addr, m)
	}

	srv, err := server.New(cfg, logger, m)
	if err != nil {
		logger.Fatal(context.Background(), "constructing server", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info(ctx, "received termination signal, shutting down gracefully")
		cancel()
	}()

	go statsLoop(ctx, srv, cfg.Server.StatsInterval)

	logger.Info(ctx, "starting proxy server", slog.Int("port", port))
	if err := srv.Run(ctx, port); err != nil && ctx.Err() == nil {
		logger.Fatal(context.Background(), "server exited", err)
	}

	printStats(srv)
	logger.Info(context.Background(), "proxy server stopped")
}

func serveMetricsAdmin(addr string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	_ = http.ListenAndServe(addr, mux)
}

// statsLoop prints the periodic human-readable stats block roughly
// every interval, until ctx is canceled.
func statsLoop(ctx context.Context, srv *server.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			srv.RefreshGauges()
			printStats(srv)
		}
	}
}

func printStats(srv *server.Server) {
	snap := srv.Stats()
	_, _, totalBytes, _ := srv.CacheStats()

	total := snap.Hits + snap.Misses
	hitPct, missPct := 0.0, 0.0
	if total > 0 {
		hitPct = 100 * float64(snap.Hits) / float64(total)
		missPct = 100 * float64(snap.Misses) / float64(total)
	}

	fmt.Printf(
		"requests=%d hits=%d (%.1f%%) misses=%d (%.1f%%) mean_latency_ms=%.2f cache_bytes=%d (%.2f MiB) bytes_served=%d (%.2f MiB)\n",
		snap.Count, snap.Hits, hitPct, snap.Misses, missPct,
		float64(snap.MeanLatency.Microseconds())/1000.0,
		totalBytes, float64(totalBytes)/(1024*1024),
		snap.BytesServed, float64(snap.BytesServed)/(1024*1024),
	)
}
