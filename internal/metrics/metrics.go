package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for dripline
type Metrics struct {
	// Drip engine counters
	EmailsSentTotal       prometheus.Counter
	EmailsFailedTotal     *prometheus.CounterVec
	RepliesMatchedTotal   *prometheus.CounterVec
	RepliesUnmatchedTotal prometheus.Counter
	OpensTotal            *prometheus.CounterVec
	LeadsIngestedTotal    *prometheus.CounterVec
	LeadsCompletedTotal   prometheus.Counter

	// Job queue
	JobsProcessedTotal *prometheus.CounterVec
	QueueJobs          *prometheus.GaugeVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EmailsSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dripline_emails_sent_total",
				Help: "Total number of campaign steps sent",
			},
		),
		EmailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripline_emails_failed_total",
				Help: "Total number of failed send attempts",
			},
			[]string{"error_type"},
		),
		RepliesMatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripline_replies_matched_total",
				Help: "Total number of inbound replies matched to a lead",
			},
			[]string{"method"},
		),
		RepliesUnmatchedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dripline_replies_unmatched_total",
				Help: "Total number of inbound messages that matched no lead",
			},
		),
		OpensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripline_tracking_opens_total",
				Help: "Total number of tracking pixel hits",
			},
			[]string{"result"},
		),
		LeadsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripline_leads_ingested_total",
				Help: "Total number of ingested lead rows",
			},
			[]string{"result"},
		),
		LeadsCompletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dripline_leads_completed_total",
				Help: "Total number of leads marked completed",
			},
		),

		JobsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripline_jobs_processed_total",
				Help: "Total number of job runs by outcome",
			},
			[]string{"queue", "result"},
		),
		QueueJobs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dripline_queue_jobs",
				Help: "Number of jobs per queue and state",
			},
			[]string{"queue", "state"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripline_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dripline_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripline_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dripline_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dripline_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dripline_queue_storage_bytes",
				Help: "Queue database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.EmailsSentTotal,
		m.EmailsFailedTotal,
		m.RepliesMatchedTotal,
		m.RepliesUnmatchedTotal,
		m.OpensTotal,
		m.LeadsIngestedTotal,
		m.LeadsCompletedTotal,
		m.JobsProcessedTotal,
		m.QueueJobs,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncEmailsSent increments the sent email counter
func IncEmailsSent() {
	if m := Global(); m != nil {
		m.EmailsSentTotal.Inc()
	}
}

// IncEmailsFailed increments the failed send counter
func IncEmailsFailed(errorType string) {
	if m := Global(); m != nil {
		m.EmailsFailedTotal.WithLabelValues(errorType).Inc()
	}
}

// IncRepliesMatched increments matched replies by method (exact or fallback)
func IncRepliesMatched(method string) {
	if m := Global(); m != nil {
		m.RepliesMatchedTotal.WithLabelValues(method).Inc()
	}
}

// IncRepliesUnmatched increments the unmatched inbound counter
func IncRepliesUnmatched() {
	if m := Global(); m != nil {
		m.RepliesUnmatchedTotal.Inc()
	}
}

// IncOpens increments tracking pixel hits by result
func IncOpens(result string) {
	if m := Global(); m != nil {
		m.OpensTotal.WithLabelValues(result).Inc()
	}
}

// AddLeadsIngested adds n ingested rows with the given result
func AddLeadsIngested(result string, n int) {
	if m := Global(); m != nil && n > 0 {
		m.LeadsIngestedTotal.WithLabelValues(result).Add(float64(n))
	}
}

// AddLeadsCompleted adds n leads marked completed
func AddLeadsCompleted(n int) {
	if m := Global(); m != nil && n > 0 {
		m.LeadsCompletedTotal.Add(float64(n))
	}
}

// IncJobsProcessed increments job runs by queue and result
func IncJobsProcessed(queue, result string) {
	if m := Global(); m != nil {
		m.JobsProcessedTotal.WithLabelValues(queue, result).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
