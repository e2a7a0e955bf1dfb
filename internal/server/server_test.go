package server

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"cacheproxy/internal/config"
	"cacheproxy/internal/logging"
	"cacheproxy/internal/metrics"
)

func newTestServer(t *testing.T, cfg *config.Config) (*Server, func()) {
	t.Helper()
	logger := logging.NewLogger("test")
	m := metrics.New(prometheus.NewRegistry())

	srv, err := New(cfg, logger, m)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx, 0) }()

	var addr net.Addr
	require.Eventually(t, func() bool {
		if srv.listener == nil {
			return false
		}
		addr = srv.listener.Addr()
		return addr != nil
	}, time.Second, time.Millisecond)

	stop := func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Fatal("server did not shut down in time")
		}
	}
	return srv, stop
}

// TestAdmissionOverflow checks that a server built with a client cap of
// two has an admission controller that admits two concurrent slots and
// rejects a third.
func TestAdmissionOverflow(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Admission.MaxClients = 2
	cfg.Admission.Workers = 2
	cfg.Queue.Capacity = 8

	srv, stop := newTestServer(t, cfg)
	defer stop()

	require.EqualValues(t, 2, srv.admission.Capacity())

	release1, ok1 := srv.admission.TryAdmit()
	require.True(t, ok1)
	release2, ok2 := srv.admission.TryAdmit()
	require.True(t, ok2)

	_, ok3 := srv.admission.TryAdmit()
	require.False(t, ok3, "third concurrent admission must be rejected")

	release1()
	release2()
}

// TestShutdownLiveness checks that graceful shutdown waits for an
// in-flight request's remaining upstream I/O to finish, rather than
// returning immediately or hanging indefinitely.
func TestShutdownLiveness(t *testing.T) {
	const upstreamDelay = 150 * time.Millisecond

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		_, _ = conn.Read(buf)
		time.Sleep(upstreamDelay)
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nOK"))
	}()

	cfg := config.DefaultConfig()
	cfg.Admission.Workers = 2
	srv, stop := newTestServer(t, cfg)

	client, err := net.Dial("tcp", srv.listener.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	request := fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\n\r\n", ln.Addr().String())
	_, err = client.Write([]byte(request))
	require.NoError(t, err)

	// Give the worker time to reach the in-flight upstream I/O before
	// shutdown is triggered.
	time.Sleep(20 * time.Millisecond)

	shutdownStart := time.Now()
	stop()
	elapsed := time.Since(shutdownStart)

	require.GreaterOrEqual(t, elapsed, upstreamDelay-20*time.Millisecond,
		"shutdown must not return before the in-flight request's upstream I/O completes")
	require.Less(t, elapsed, upstreamDelay+2*time.Second,
		"shutdown must complete within a bounded delay after in-flight work finishes")
}
