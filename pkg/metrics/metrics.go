package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Registry struct {
	RunsTotal           *prometheus.CounterVec
	StagedItemsTotal    *prometheus.CounterVec
	JobsTotal           *prometheus.CounterVec
	StepDuration        *prometheus.HistogramVec
	QueueDepth          *prometheus.GaugeVec
	ActiveRuns          prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	return &Registry{
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflowservice_runs_total",
				Help: "Total number of workflow runs by terminal status",
			},
			[]string{"status"},
		),
		StagedItemsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflowservice_staged_items_total",
				Help: "Total number of staged items by processing result",
			},
			[]string{"result"},
		),
		JobsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflowservice_jobs_total",
				Help: "Total number of queue jobs handled by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		StepDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflowservice_step_duration_seconds",
				Help:    "Duration of single step executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step_type"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workflowservice_queue_depth",
				Help: "Current depth of the work queues",
			},
			[]string{"queue"},
		),
		ActiveRuns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "workflowservice_active_runs",
				Help: "Number of runs currently being fetched or processed",
			},
		),
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflowservice_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflowservice_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}
}
