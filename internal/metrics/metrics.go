package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors shared by the api and indexer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	LatencyHistogram *prometheus.HistogramVec

	SearchesTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	IndexedTotal  *prometheus.CounterVec
	IndexDuration prometheus.Histogram
}

// New registers every collector on reg. Pass a fresh prometheus.NewRegistry()
// in tests so repeated construction does not panic.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kb_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		LatencyHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kb_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		SearchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kb_searches_total",
				Help: "Total number of searches by search type",
			},
			[]string{"search_type"},
		),

		CacheHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kb_search_cache_hits_total",
				Help: "Total number of search cache hits",
			},
		),

		CacheMissesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kb_search_cache_misses_total",
				Help: "Total number of search cache misses",
			},
		),

		IndexedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kb_documents_indexed_total",
				Help: "Total number of indexing runs by outcome",
			},
			[]string{"outcome"},
		),

		IndexDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kb_index_duration_seconds",
				Help:    "Time spent indexing a single document",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

func (m *Metrics) RecordSearch(searchType string) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(searchType).Inc()
}

func (m *Metrics) RecordCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.Inc()
		return
	}
	m.CacheMissesTotal.Inc()
}

// RecordIndex counts one indexing run. outcome is "ready", "empty" or "failed".
func (m *Metrics) RecordIndex(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.IndexedTotal.WithLabelValues(outcome).Inc()
	m.IndexDuration.Observe(took.Seconds())
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.LatencyHistogram.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
