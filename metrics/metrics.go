// Package metrics bundles the Prometheus collectors shared by the harvester
// components. Every method is safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for a harvest run.
type Metrics struct {
	Registry        *prometheus.Registry
	DaysTotal       *prometheus.CounterVec
	DayDuration     prometheus.Histogram
	BatchesTotal    *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	FilesTotal      *prometheus.CounterVec
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	ErrorsTotal     *prometheus.CounterVec
}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	days := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_days_total",
			Help: "Days processed by final status.",
		},
		[]string{"status"},
	)
	dayDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_day_duration_seconds",
			Help:    "Wall time spent on a single day.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
	batches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_batches_total",
			Help: "Download batches by outcome.",
		},
		[]string{"outcome"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_batch_retries_total",
			Help: "Total number of batch retry attempts.",
		},
	)
	files := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_files_total",
			Help: "Staged files handled by the reconciler by outcome.",
		},
		[]string{"outcome"},
	)
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_portal_requests_total",
			Help: "Total HTTP requests issued to the portal.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_portal_request_duration_seconds",
			Help:    "HTTP request latency for portal requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_portal_errors_total",
			Help: "Total number of portal errors by type.",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(days, dayDuration, batches, retries, files, requests, requestDuration, errorsTotal)

	return &Metrics{
		Registry:        registry,
		DaysTotal:       days,
		DayDuration:     dayDuration,
		BatchesTotal:    batches,
		RetriesTotal:    retries,
		FilesTotal:      files,
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		ErrorsTotal:     errorsTotal,
	}
}

// IncDay counts a day that reached a final status.
func (m *Metrics) IncDay(status string) {
	if m == nil {
		return
	}
	m.DaysTotal.WithLabelValues(status).Inc()
}

// ObserveDay records how long a day took.
func (m *Metrics) ObserveDay(d time.Duration) {
	if m == nil {
		return
	}
	m.DayDuration.Observe(d.Seconds())
}

// IncBatch counts a batch outcome (completed, failed).
func (m *Metrics) IncBatch(outcome string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(outcome).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// AddFiles counts n staged files with outcome moved, renamed, skipped or
// failed. A renamed file is counted under moved as well.
func (m *Metrics) AddFiles(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FilesTotal.WithLabelValues(outcome).Add(float64(n))
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveRequest records an HTTP request duration.
func (m *Metrics) ObserveRequest(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
