// Package metrics records store, search and cache measurements.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kioku"

// Sink receives operational measurements. Implementations must be safe for
// concurrent use.
type Sink interface {
	StoreOperation(backend, op string, err error)
	SearchLatency(backend string, d time.Duration, results int)
	CacheHitRate(cache string, rate float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) StoreOperation(string, string, error)     {}
func (Nop) SearchLatency(string, time.Duration, int) {}
func (Nop) CacheHitRate(string, float64)             {}

// Prometheus exports measurements as Prometheus collectors.
type Prometheus struct {
	operations    *prometheus.CounterVec
	searchLatency *prometheus.HistogramVec
	searchResults *prometheus.HistogramVec
	cacheHitRate  *prometheus.GaugeVec
}

// NewPrometheus creates the collectors and registers them on reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Prometheus{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Vector store operations by backend, operation and status",
		}, []string{"backend", "op", "status"}),
		searchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Duration of similarity searches in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"backend"}),
		searchResults: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Number of hits returned per search",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}, []string{"backend"}),
		cacheHitRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_hit_ratio",
			Help:      "Cache hit ratio (0-1)",
		}, []string{"cache"}),
	}
}

// StoreOperation counts one store call.
func (p *Prometheus) StoreOperation(backend, op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.operations.WithLabelValues(backend, op, status).Inc()
}

// SearchLatency observes one search.
func (p *Prometheus) SearchLatency(backend string, d time.Duration, results int) {
	p.searchLatency.WithLabelValues(backend).Observe(d.Seconds())
	p.searchResults.WithLabelValues(backend).Observe(float64(results))
}

// CacheHitRate sets the current hit ratio of a cache.
func (p *Prometheus) CacheHitRate(cache string, rate float64) {
	p.cacheHitRate.WithLabelValues(cache).Set(rate)
}
