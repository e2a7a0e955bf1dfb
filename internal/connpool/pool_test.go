package connpool

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireMissOnEmptyPool(t *testing.T) {
	p := New(4, time.Minute)
	_, ok := p.Acquire("example.com", "80")
	require.False(t, ok)
}

func TestReleaseThenAcquireHit(t *testing.T) {
	p := New(4, time.Minute)
	client, server := net.Pipe()
	defer server.Close()

	p.Release(client, "example.com", "80")

	got, ok := p.Acquire("example.com", "80")
	require.True(t, ok)
	require.Equal(t, client, got)
}

// TestPoolFreshness checks that acquire never returns a connection
// older than the configured idle max age.
func TestPoolFreshness(t *testing.T) {
	p := New(4, time.Millisecond)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	p.Release(client, "example.com", "80")
	time.Sleep(5 * time.Millisecond)

	_, ok := p.Acquire("example.com", "80")
	require.False(t, ok, "stale connection must not be returned")
}

// TestPoolCapacity checks that the pool never holds more than its
// configured capacity.
func TestPoolCapacity(t *testing.T) {
	p := New(2, time.Minute)

	conns := make([]net.Conn, 0, 3)
	for i := 0; i < 3; i++ {
		client, server := net.Pipe()
		defer server.Close()
		conns = append(conns, client)
		p.Release(client, "example.com", "80")
	}

	require.LessOrEqual(t, p.Len(), 2)
}

func TestAcquireMismatchedHostMisses(t *testing.T) {
	p := New(4, time.Minute)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	p.Release(client, "example.com", "80")

	_, ok := p.Acquire("other.example.com", "80")
	require.False(t, ok)
}
