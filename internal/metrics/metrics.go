// Package metrics provides metrics collection for the gateway pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opengateway"

// Outcomes label how a request left the pipeline.
const (
	OutcomeForwarded   = "forwarded"
	OutcomeCached      = "cached"
	OutcomePassthrough = "passthrough"
	OutcomeRejected    = "rejected"
	OutcomeError       = "error"
	OutcomeAdmin       = "admin"
)

// Collector collects and aggregates gateway metrics. Every counter is
// exported to Prometheus and mirrored in atomics for Snapshot.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	forwardDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	rateLimited     prometheus.Counter
	forwardErrors   prometheus.Counter
	mappings        prometheus.Gauge
	uniqueClients   prometheus.Counter
	discoveries     *prometheus.CounterVec

	requestsTotal  atomic.Int64
	errorsTotal    atomic.Int64
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	rejectedTotal  atomic.Int64
	forwardedTotal atomic.Int64
	mappingCount   atomic.Int64
	clientCount    atomic.Int64

	// Response time tracking
	responseTimesSum atomic.Int64
	responseTimesNum atomic.Int64

	// Status code breakdown
	statusCodes map[int]*atomic.Int64
	statusMu    sync.RWMutex

	// Unique clients are estimated, not stored.
	clients   *bloom.BloomFilter
	clientsMu sync.Mutex

	startTime time.Time
}

// New creates a collector registered on its own Prometheus registry.
func New() *Collector {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates a collector on the given registry.
func NewWithRegistry(registry *prometheus.Registry) *Collector {
	factory := promauto.With(registry)
	buckets := prometheus.ExponentialBuckets(0.005, 2, 12)

	return &Collector{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled by the pipeline.",
		}, []string{"method", "code", "outcome"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end latency of pipeline requests.",
			Buckets:   buckets,
		}, []string{"outcome"}),
		forwardDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Latency of backend calls.",
			Buckets:   buckets,
		}, []string{"code"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		forwardErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_errors_total",
			Help:      "Backend calls that failed at the transport level.",
		}),
		mappings: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mappings",
			Help:      "Mappings currently held by the store.",
		}),
		uniqueClients: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unique_clients_total",
			Help:      "Estimated number of distinct client identifiers seen.",
		}),
		discoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discoveries_total",
			Help:      "Discovery runs by mapping source.",
		}, []string{"source"}),
		statusCodes: make(map[int]*atomic.Int64),
		clients:     bloom.NewWithEstimates(100000, 0.001),
		startTime:   time.Now(),
	}
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a finished pipeline request.
func (c *Collector) RecordRequest(method string, status int, outcome string, d time.Duration) {
	c.requests.WithLabelValues(method, strconv.Itoa(status), outcome).Inc()
	c.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())

	c.requestsTotal.Add(1)
	if status >= 500 || outcome == OutcomeError {
		c.errorsTotal.Add(1)
	}
	c.responseTimesSum.Add(d.Milliseconds())
	c.responseTimesNum.Add(1)

	c.statusMu.Lock()
	if c.statusCodes[status] == nil {
		c.statusCodes[status] = &atomic.Int64{}
	}
	c.statusCodes[status].Add(1)
	c.statusMu.Unlock()
}

// RecordForward records a backend call. status is 0 for transport failures.
func (c *Collector) RecordForward(status int, d time.Duration) {
	if status == 0 {
		c.forwardErrors.Inc()
		c.forwardDuration.WithLabelValues("error").Observe(d.Seconds())
		return
	}
	c.forwardedTotal.Add(1)
	c.forwardDuration.WithLabelValues(strconv.Itoa(status)).Observe(d.Seconds())
}

// RecordCacheHit increments cache hits.
func (c *Collector) RecordCacheHit() {
	c.cacheHits.Add(1)
	c.cacheLookups.WithLabelValues("hit").Inc()
}

// RecordCacheMiss increments cache misses.
func (c *Collector) RecordCacheMiss() {
	c.cacheMisses.Add(1)
	c.cacheLookups.WithLabelValues("miss").Inc()
}

// RecordRateLimited records a rejected request.
func (c *Collector) RecordRateLimited() {
	c.rejectedTotal.Add(1)
	c.rateLimited.Inc()
}

// RecordClient counts clientID once. The estimate may undercount by the
// filter's false positive rate.
func (c *Collector) RecordClient(clientID string) {
	c.clientsMu.Lock()
	seen := c.clients.TestOrAddString(clientID)
	c.clientsMu.Unlock()

	if !seen {
		c.clientCount.Add(1)
		c.uniqueClients.Inc()
	}
}

// RecordDiscovery records a finished discovery run.
func (c *Collector) RecordDiscovery(source string) {
	c.discoveries.WithLabelValues(source).Inc()
}

// SetMappings sets the mapping gauge.
func (c *Collector) SetMappings(n int) {
	c.mappingCount.Store(int64(n))
	c.mappings.Set(float64(n))
}

// GetAverageResponseTime returns the average response time.
func (c *Collector) GetAverageResponseTime() time.Duration {
	sum := c.responseTimesSum.Load()
	num := c.responseTimesNum.Load()
	if num == 0 {
		return 0
	}
	return time.Duration(sum/num) * time.Millisecond
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() *Snapshot {
	s := &Snapshot{
		Timestamp:           time.Now(),
		Uptime:              time.Since(c.startTime),
		RequestsTotal:       c.requestsTotal.Load(),
		ErrorsTotal:         c.errorsTotal.Load(),
		ForwardedTotal:      c.forwardedTotal.Load(),
		CacheHits:           c.cacheHits.Load(),
		CacheMisses:         c.cacheMisses.Load(),
		RateLimited:         c.rejectedTotal.Load(),
		Mappings:            c.mappingCount.Load(),
		UniqueClients:       c.clientCount.Load(),
		AverageResponseTime: c.GetAverageResponseTime(),
		StatusCodes:         make(map[int]int64),
	}

	c.statusMu.RLock()
	for k, v := range c.statusCodes {
		s.StatusCodes[k] = v.Load()
	}
	c.statusMu.RUnlock()

	return s
}

// Snapshot represents a point-in-time view of metrics.
type Snapshot struct {
	Timestamp           time.Time     `json:"timestamp"`
	Uptime              time.Duration `json:"uptime"`
	RequestsTotal       int64         `json:"requests_total"`
	ErrorsTotal         int64         `json:"errors_total"`
	ForwardedTotal      int64         `json:"forwarded_total"`
	CacheHits           int64         `json:"cache_hits"`
	CacheMisses         int64         `json:"cache_misses"`
	RateLimited         int64         `json:"rate_limited"`
	Mappings            int64         `json:"mappings"`
	UniqueClients       int64         `json:"unique_clients"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	StatusCodes         map[int]int64 `json:"status_codes"`
}

// ErrorRate returns the error rate (errors/requests).
func (s *Snapshot) ErrorRate() float64 {
	if s.RequestsTotal == 0 {
		return 0
	}
	return float64(s.ErrorsTotal) / float64(s.RequestsTotal)
}

// CacheHitRate returns hits / (hits + misses).
func (s *Snapshot) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// Summary returns a human-readable summary.
func (s *Snapshot) Summary() map[string]interface{} {
	return map[string]interface{}{
		"uptime":               s.Uptime.String(),
		"requests_total":       s.RequestsTotal,
		"errors_total":         s.ErrorsTotal,
		"error_rate":           s.ErrorRate(),
		"cache_hit_rate":       s.CacheHitRate(),
		"rate_limited":         s.RateLimited,
		"mappings":             s.Mappings,
		"unique_clients":       s.UniqueClients,
		"avg_response_time_ms": s.AverageResponseTime.Milliseconds(),
	}
}
