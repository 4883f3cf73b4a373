package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Orchestration metrics
	OrchestratorSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parley_orchestrator_steps",
			Help:    "Steps executed per chat turn",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 20},
		},
	)

	OrchestratorRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_orchestrator_runs_total",
			Help: "Chat turns by terminal state",
		},
		[]string{"state", "finish_reason"},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_tool_calls_total",
			Help: "Tool invocations",
		},
		[]string{"tool", "outcome"}, // "ok" or "error"
	)

	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_stream_duration_seconds",
			Help:    "Duration of a streamed chat turn",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	// Billing metrics
	BillingRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_billing_rejections_total",
			Help: "Requests rejected by the billing pre-check",
		},
		[]string{"reason"},
	)

	BillingCharges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_billing_charges_total",
			Help: "Usage records written",
		},
	)

	// Post-completion tasks
	PostTaskFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_post_task_failures_total",
			Help: "Failed post-completion tasks",
		},
		[]string{"task"}, // "persist", "usage", "compress", "title"
	)

	Compressions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_compressions_total",
			Help: "Context compressions",
		},
		[]string{"cache"}, // "redis" or "sql"
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parley_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
