// Package metrics provides both the Prometheus exposition surface and
// the plain-English periodic stats block: cache hit/miss, pool
// occupancy, queue depth, and admission rejections.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus instrument the proxy exposes.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    prometheus.Histogram
	admissionRejected  prometheus.Counter
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	poolSize           prometheus.Gauge
	queueDepth         prometheus.Gauge
	inFlightRequests   prometheus.Gauge
	upstreamErrorsByOp *prometheus.CounterVec
}

// New creates and registers the proxy's Prometheus instruments against
// the given registerer (pass prometheus.DefaultRegisterer in
// production, a fresh prometheus.NewRegistry() in tests to avoid
// cross-test collisions).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cacheproxy_requests_total",
				Help: "Total number of forwarded requests by final status code",
			},
			[]string{"status_code"},
		),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cacheproxy_request_duration_seconds",
			Help:    "End-to-end request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		admissionRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_admission_rejected_total",
			Help: "Requests rejected immediately by the admission controller",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_cache_hits_total",
			Help: "Response cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_cache_misses_total",
			Help: "Response cache misses",
		}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cacheproxy_pool_idle_connections",
			Help: "Idle upstream connections currently retained by the pool",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cacheproxy_queue_depth",
			Help: "Work items currently queued awaiting a worker",
		}),
		inFlightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cacheproxy_in_flight_requests",
			Help: "Requests currently admitted and being served",
		}),
		upstreamErrorsByOp: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cacheproxy_upstream_errors_total",
				Help: "Upstream failures by error kind",
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.admissionRejected,
		m.cacheHits,
		m.cacheMisses,
		m.poolSize,
		m.queueDepth,
		m.inFlightRequests,
		m.upstreamErrorsByOp,
	)
	return m
}

// RecordRequest records the outcome of one handled request.
func (m *Metrics) RecordRequest(statusCode int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(statusText(statusCode)).Inc()
	m.requestDuration.Observe(duration.Seconds())
}

// RecordAdmissionRejected records an immediate 503 from the admission
// controller.
func (m *Metrics) RecordAdmissionRejected() { m.admissionRejected.Inc() }

// RecordCacheHit and RecordCacheMiss record a cache lookup outcome.
func (m *Metrics) RecordCacheHit()  { m.cacheHits.Inc() }
func (m *Metrics) RecordCacheMiss() { m.cacheMisses.Inc() }

// RecordUpstreamError records an upstream-facing failure by kind (e.g.
// "connect", "io", "dns").
func (m *Metrics) RecordUpstreamError(kind string) {
	m.upstreamErrorsByOp.WithLabelValues(kind).Inc()
}

// SetPoolSize, SetQueueDepth, and SetInFlight publish a point-in-time
// gauge reading; called periodically from the same loop that prints
// the stdout stats block.
func (m *Metrics) SetPoolSize(n int)   { m.poolSize.Set(float64(n)) }
func (m *Metrics) SetQueueDepth(n int) { m.queueDepth.Set(float64(n)) }
func (m *Metrics) SetInFlight(n int64) { m.inFlightRequests.Set(float64(n)) }

// Handler returns the HTTP handler exposing metrics in Prometheus text
// format, mounted under the admin listener's /metrics path.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

func statusText(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Stats tracks the rolling-average latency with the exact recurrence
// mean <- (mean*n + sample) / (n+1), under a single mutex. Kept
// distinct from the Prometheus histogram above, which is a separate
// exposition concern with its own bucket-based approximation.
type Stats struct {
	mu          sync.Mutex
	count       uint64
	meanLatency float64 // seconds
	hits        uint64
	misses      uint64
	bytesServed uint64
}

// Record folds one request's latency into the rolling mean.
func (s *Stats) Record(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sample := latency.Seconds()
	s.meanLatency = (s.meanLatency*float64(s.count) + sample) / float64(s.count+1)
	s.count++
}

// RecordCacheOutcome folds in a single cache hit or miss.
func (s *Stats) RecordCacheOutcome(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.hits++
	} else {
		s.misses++
	}
}

// RecordBytesServed adds n to the running total of response bytes
// written to clients, across both cache hits and upstream forwards.
func (s *Stats) RecordBytesServed(n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesServed += uint64(n)
}

// Snapshot is a point-in-time read of the rolling stats, safe to print
// or serialize without holding the Stats lock further.
type Snapshot struct {
	Count       uint64
	MeanLatency time.Duration
	Hits        uint64
	Misses      uint64
	BytesServed uint64
}

// Snapshot returns the current rolling-stats values.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Count:       s.count,
		MeanLatency: time.Duration(s.meanLatency * float64(time.Second)),
		Hits:        s.hits,
		Misses:      s.misses,
		BytesServed: s.bytesServed,
	}
}
