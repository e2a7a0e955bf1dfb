package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.RecordRequest(200, 10*time.Millisecond)
	m.RecordAdmissionRejected()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordUpstreamError("connect")
	m.SetPoolSize(3)
	m.SetQueueDepth(1)
	m.SetInFlight(2)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rr, req)
	require.Equal(t, 200, rr.Code)
}

// TestStatsRollingMean verifies the exact recurrence:
// mean <- (mean*n + sample) / (n+1).
func TestStatsRollingMean(t *testing.T) {
	var s Stats
	s.Record(100 * time.Millisecond)
	s.Record(200 * time.Millisecond)
	s.Record(300 * time.Millisecond)

	snap := s.Snapshot()
	require.EqualValues(t, 3, snap.Count)
	require.InDelta(t, 200*time.Millisecond, snap.MeanLatency, float64(time.Millisecond))
}

func TestStatsCacheOutcomeCounters(t *testing.T) {
	var s Stats
	s.RecordCacheOutcome(true)
	s.RecordCacheOutcome(true)
	s.RecordCacheOutcome(false)

	snap := s.Snapshot()
	require.EqualValues(t, 2, snap.Hits)
	require.EqualValues(t, 1, snap.Misses)
}
