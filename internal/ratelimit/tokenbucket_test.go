package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowWithinCapacity(t *testing.T) {
	l := New(3, 1)
	require.True(t, l.Allow("1.2.3.4:9000"))
	require.True(t, l.Allow("1.2.3.4:9001"))
	require.True(t, l.Allow("1.2.3.4:9002"))
	require.False(t, l.Allow("1.2.3.4:9003"), "bucket should be exhausted")
}

func TestSeparateBucketsPerIP(t *testing.T) {
	l := New(1, 1)
	require.True(t, l.Allow("1.1.1.1:1"))
	require.False(t, l.Allow("1.1.1.1:2"))
	require.True(t, l.Allow("2.2.2.2:1"), "a different client IP must have its own bucket")
}

func TestRefillOverTime(t *testing.T) {
	l := New(1, 1000) // refill fast enough to observe within the test
	require.True(t, l.Allow("9.9.9.9:1"))
	require.False(t, l.Allow("9.9.9.9:1"))

	time.Sleep(5 * time.Millisecond)
	require.True(t, l.Allow("9.9.9.9:1"), "bucket should have refilled")
}

func TestHostOfStripsPort(t *testing.T) {
	require.Equal(t, "10.0.0.1", hostOf("10.0.0.1:5000"))
	require.Equal(t, "no-port", hostOf("no-port"))
}
