package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the engine. Instances are
// constructed once and injected; components nil-check their handle so
// metrics stay optional in tests.
type Metrics struct {
	// Engine counters
	EmailsQueuedTotal          prometheus.Counter
	BatchesProcessedTotal      prometheus.Counter
	LeadsProcessedTotal        prometheus.Counter
	PersonalizationErrorsTotal prometheus.Counter
	CampaignActionsTotal       *prometheus.CounterVec

	// Transport counters
	SendsTotal *prometheus.CounterVec

	// Dispatch queue
	JobsFailedTotal *prometheus.CounterVec
	QueuePending    prometheus.Gauge
	QueueDeferred   prometheus.Gauge
	QueueFailed     prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EmailsQueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_emails_queued_total",
				Help: "Total number of send jobs submitted to the dispatch queue",
			},
		),
		BatchesProcessedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_batches_processed_total",
				Help: "Total number of process_batch invocations",
			},
		),
		LeadsProcessedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_leads_processed_total",
				Help: "Total number of leads examined by batch processing",
			},
		),
		PersonalizationErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_personalization_errors_total",
				Help: "Total number of leads skipped due to template render failures",
			},
		),
		CampaignActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_campaign_actions_total",
				Help: "Total number of campaign lifecycle actions",
			},
			[]string{"action", "result"},
		),

		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_sends_total",
				Help: "Total number of send attempts by outcome",
			},
			[]string{"status"},
		),

		JobsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_jobs_failed_total",
				Help: "Total number of dispatch jobs that exhausted their retries",
			},
			[]string{"type"},
		),
		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_queue_pending",
				Help: "Number of jobs ready for processing",
			},
		),
		QueueDeferred: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_queue_deferred",
				Help: "Number of jobs held back for a future run time",
			},
		),
		QueueFailed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_queue_failed",
				Help: "Number of permanently failed jobs awaiting operator attention",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreach_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.EmailsQueuedTotal,
		m.BatchesProcessedTotal,
		m.LeadsProcessedTotal,
		m.PersonalizationErrorsTotal,
		m.CampaignActionsTotal,
		m.SendsTotal,
		m.JobsFailedTotal,
		m.QueuePending,
		m.QueueDeferred,
		m.QueueFailed,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
