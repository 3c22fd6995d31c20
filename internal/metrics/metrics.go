// Package metrics holds the Prometheus collectors shared by the pipeline.
// They register on the default registry, which /metrics exposes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportforge_http_requests_total",
			Help: "HTTP requests served, by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportforge_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// JobTransitions counts committed status changes by target status.
	HTTPPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportforge_http_panics_total",
			Help: "Handler panics recovered, by route pattern.",
		},
		[]string{"route"},
	)

	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportforge_job_transitions_total",
			Help: "Job status transitions committed, by target status.",
		},
		[]string{"status"},
	)

	AnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportforge_analysis_duration_seconds",
			Help:    "Wall time of the AI analysis step, by provider and outcome.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"provider", "outcome"},
	)

	SourceProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportforge_source_probes_total",
			Help: "Citation URL probes, by outcome (ok, failed, invalid_url).",
		},
		[]string{"outcome"},
	)

	PayloadSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportforge_payload_saves_total",
			Help: "Report payloads saved, by storage mode.",
		},
		[]string{"mode"},
	)

	PayloadFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reportforge_payload_fallbacks_total",
		Help: "Report reads served from the inline summary because the blob was unavailable.",
	})

	PayloadCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reportforge_payload_cache_hits_total",
		Help: "Blob payload reads served from the in-process cache.",
	})

	PayloadCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reportforge_payload_cache_misses_total",
		Help: "Blob payload reads that went to blob storage.",
	})

	QueueTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportforge_queue_tasks_total",
			Help: "Analysis tasks handled by the queue, by backend and result (enqueued, done, retried, dropped).",
		},
		[]string{"backend", "result"},
	)
)
