// Package metrics exposes Prometheus counters for the interception cache.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netfirst"

// Sources a routed response can come from.
const (
	SourceNetwork     = "network"
	SourceCache       = "cache"
	SourceOffline     = "offline"
	SourceUnavailable = "unavailable"
	SourcePassthrough = "passthrough"
)

// Collector holds the metrics of one process. It uses its own registry,
// so several collectors can coexist (e.g. in tests).
type Collector struct {
	registry *prometheus.Registry

	responsesTotal     *prometheus.CounterVec
	fetchDuration      prometheus.Histogram
	cacheWritesTotal   *prometheus.CounterVec
	precachedTotal     *prometheus.CounterVec
	generationsDeleted prometheus.Counter
	pendingWrites      prometheus.Gauge
}

// NewCollector creates and registers all metrics.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.responsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses by agent class and the layer that produced them",
		},
		[]string{"agent", "source"},
	)
	c.fetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of network fetches to the origin, failed ones included",
			Buckets:   prometheus.DefBuckets,
		},
	)
	c.cacheWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Background cache writes by result",
		},
		[]string{"result"},
	)
	c.precachedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precached_assets_total",
			Help:      "Manifest assets precached at install, by generation",
		},
		[]string{"generation"},
	)
	c.generationsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_deleted_total",
			Help:      "Superseded cache generations deleted at activation",
		},
	)
	c.pendingWrites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_cache_writes",
			Help:      "Background cache writes in flight",
		},
	)

	c.registry.MustRegister(
		c.responsesTotal,
		c.fetchDuration,
		c.cacheWritesTotal,
		c.precachedTotal,
		c.generationsDeleted,
		c.pendingWrites,
	)
	return c
}

// Response counts a routed response.
func (c *Collector) Response(automated bool, source string) {
	agent := "human"
	if automated {
		agent = "automated"
	}
	c.responsesTotal.WithLabelValues(agent, source).Inc()
}

// FetchDuration records the duration of one origin fetch.
func (c *Collector) FetchDuration(seconds float64) {
	c.fetchDuration.Observe(seconds)
}

// CacheWrite counts the result of a background cache write.
func (c *Collector) CacheWrite(err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	c.cacheWritesTotal.WithLabelValues(result).Inc()
}

// WriteStarted and WriteDone track in-flight background writes.
func (c *Collector) WriteStarted() { c.pendingWrites.Inc() }
func (c *Collector) WriteDone()    { c.pendingWrites.Dec() }

// Precached adds the number of assets stored for a generation.
func (c *Collector) Precached(generation string, n int) {
	c.precachedTotal.WithLabelValues(generation).Add(float64(n))
}

// GenerationDeleted counts a purged generation.
func (c *Collector) GenerationDeleted() {
	c.generationsDeleted.Inc()
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
