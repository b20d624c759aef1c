package scraper

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for a scrape run. It implements
// the fetch request telemetry interface, so one instance observes every
// client and every category worker of a run.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   prometheus.Counter
	RequestDuration prometheus.Histogram
	ResponsesTotal  *prometheus.CounterVec
	ItemsTotal      prometheus.Counter
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	CategoriesTotal *prometheus.CounterVec

	requestCount int64
	retryCount   int64
	errorCount   int64

	mu           sync.Mutex
	errorsByType map[string]int
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Total HTTP requests issued by the scraper.",
		},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "HTTP request latency for scraper requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	responses := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_responses_total",
			Help: "HTTP responses received, by status class.",
		},
		[]string{"class"},
	)
	items := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_items_total",
			Help: "Total raw records extracted from listing pages.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Total retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total request errors by type.",
		},
		[]string{"error_type"},
	)
	categories := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_categories_total",
			Help: "Category outcomes by final status.",
		},
		[]string{"status"},
	)

	registry.MustRegister(requests, requestDuration, responses, items, retries, errorsTotal, categories)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		ResponsesTotal:  responses,
		ItemsTotal:      items,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
		CategoriesTotal: categories,
		errorsByType:    make(map[string]int),
	}
}

// RequestStarted counts an outgoing request attempt.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.requestCount, 1)
	m.RequestsTotal.Inc()
}

// RequestFinished records the latency and status class of an attempt.
// Status zero means the request never produced a response.
func (m *Metrics) RequestFinished(status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
	class := "none"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	case status >= 200:
		class = "2xx"
	}
	m.ResponsesTotal.WithLabelValues(class).Inc()
}

// RetryScheduled counts a scheduled retry.
func (m *Metrics) RetryScheduled() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.retryCount, 1)
	m.RetriesTotal.Inc()
}

// ErrorRecorded counts a failed attempt under its error type label.
func (m *Metrics) ErrorRecorded(label string) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.errorCount, 1)
	m.ErrorsTotal.WithLabelValues(label).Inc()
	m.mu.Lock()
	m.errorsByType[label]++
	m.mu.Unlock()
}

// IncItems counts records extracted from a page.
func (m *Metrics) IncItems(n int) {
	if m == nil {
		return
	}
	m.ItemsTotal.Add(float64(n))
}

// IncCategory records a category's final status.
func (m *Metrics) IncCategory(status string) {
	if m == nil {
		return
	}
	m.CategoriesTotal.WithLabelValues(status).Inc()
}

// RequestCount returns the number of request attempts so far.
func (m *Metrics) RequestCount() int {
	if m == nil {
		return 0
	}
	return int(atomic.LoadInt64(&m.requestCount))
}

// RetryCount returns the number of retries scheduled so far.
func (m *Metrics) RetryCount() int {
	if m == nil {
		return 0
	}
	return int(atomic.LoadInt64(&m.retryCount))
}

// ErrorCount returns the number of failed attempts so far.
func (m *Metrics) ErrorCount() int {
	if m == nil {
		return 0
	}
	return int(atomic.LoadInt64(&m.errorCount))
}

// ErrorsByType returns a copy of the per-type error tallies.
func (m *Metrics) ErrorsByType() map[string]int {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.errorsByType))
	for k, v := range m.errorsByType {
		out[k] = v
	}
	return out
}
