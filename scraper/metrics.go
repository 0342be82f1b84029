package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawler.
type Metrics struct {
	Registry           *prometheus.Registry
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    prometheus.Histogram
	RecordsTotal       prometheus.Counter
	RetriesTotal       *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	FailureQueueDepth  prometheus.Gauge
	VenuesActive       prometheus.Gauge
	FailuresRecovered  prometheus.Counter
	CategoriesNotFound prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_requests_total",
			Help: "Total HTTP requests issued by the crawler, by outcome.",
		},
		[]string{"outcome"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalog_request_duration_seconds",
			Help:    "HTTP request latency for catalog requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	records := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_records_extracted_total",
			Help: "Total number of product records sent to the pipeline.",
		},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_retries_total",
			Help: "Total number of retry waits, by policy.",
		},
		[]string{"policy"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_errors_total",
			Help: "Total number of failed attempts by error type.",
		},
		[]string{"error_type"},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_failure_queue_depth",
			Help: "Fetches waiting for the unbounded retry sweep.",
		},
	)
	venuesActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_venues_active",
			Help: "Venues that have not reported category exhaustion yet.",
		},
	)
	recovered := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_failures_recovered_total",
			Help: "Failed fetches resolved by the unbounded sweep.",
		},
	)
	notFound := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_categories_not_found_total",
			Help: "Not-found signals received for category ids.",
		},
	)

	registry.MustRegister(requests, requestDuration, records, retries, errorsTotal, queueDepth, venuesActive, recovered, notFound)

	return &Metrics{
		Registry:           registry,
		RequestsTotal:      requests,
		RequestDuration:    requestDuration,
		RecordsTotal:       records,
		RetriesTotal:       retries,
		ErrorsTotal:        errorsTotal,
		FailureQueueDepth:  queueDepth,
		VenuesActive:       venuesActive,
		FailuresRecovered:  recovered,
		CategoriesNotFound: notFound,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// AddRecords increments the records counter by n.
func (m *Metrics) AddRecords(n int) {
	if m == nil {
		return
	}
	m.RecordsTotal.Add(float64(n))
}

// IncRetries increments the retries counter for a policy label.
func (m *Metrics) IncRetries(policy string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(policy).Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// SetQueueDepth publishes the failure queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.FailureQueueDepth.Set(float64(n))
}

// SetVenuesActive publishes the number of active venues.
func (m *Metrics) SetVenuesActive(n int) {
	if m == nil {
		return
	}
	m.VenuesActive.Set(float64(n))
}

// IncRecovered increments the recovered failures counter.
func (m *Metrics) IncRecovered() {
	if m == nil {
		return
	}
	m.FailuresRecovered.Inc()
}

// IncNotFound increments the not-found counter.
func (m *Metrics) IncNotFound() {
	if m == nil {
		return
	}
	m.CategoriesNotFound.Inc()
}
