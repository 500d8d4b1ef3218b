// Package metrics holds the Prometheus collectors of the service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache lookup results.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Metrics groups the service collectors.
type Metrics struct {
	Requests       *prometheus.CounterVec
	ProcessingTime *prometheus.HistogramVec
	BatchSize      prometheus.Histogram
	CacheLookups   *prometheus.CounterVec
	RateLimited    prometheus.Counter
	StoreErrors    *prometheus.CounterVec
	StoreUp        prometheus.Gauge
	gatherer       prometheus.Gatherer
}

// New registers the collectors on reg. When reg is also a Gatherer (as a
// *prometheus.Registry is) Handler serves it, otherwise the default gatherer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ner_requests_total",
				Help: "Extraction requests by method and outcome",
			},
			[]string{"method", "status"},
		),
		ProcessingTime: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ner_processing_seconds",
				Help:    "Time spent serving extraction requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		BatchSize: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ner_batch_size",
				Help:    "Number of texts per batch request",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		CacheLookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ner_cache_lookups_total",
				Help: "Result cache lookups by result (hit, miss, error)",
			},
			[]string{"result"},
		),
		RateLimited: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "ner_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
		),
		StoreErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ner_store_errors_total",
				Help: "Backing store failures by component",
			},
			[]string{"component"},
		),
		StoreUp: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "ner_store_up",
				Help: "1 when the last backing store check succeeded",
			},
		),
		gatherer: prometheus.DefaultGatherer,
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler serves the registered collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(method, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, status).Inc()
	m.ProcessingTime.WithLabelValues(method).Observe(took.Seconds())
}

// ObserveBatch records the size of one batch request.
func (m *Metrics) ObserveBatch(n int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(n))
}

// CacheLookup counts one cache lookup by result (CacheHit, CacheMiss, CacheError).
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// Rejected counts one rate-limited request.
func (m *Metrics) Rejected() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// StoreError counts one backing store failure by component.
func (m *Metrics) StoreError(component string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(component).Inc()
}

// SetStoreUp sets the backing store gauge to 1 when up, else 0.
func (m *Metrics) SetStoreUp(up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.StoreUp.Set(v)
}
