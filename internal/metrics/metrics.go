package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherstats_provider_calls_total",
			Help: "Total weather provider API calls",
		},
		[]string{"provider", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherstats_provider_latency_seconds",
			Help:    "Provider API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ObservationsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherstats_observations_upserted_total",
			Help: "Observations written by ingestion, by outcome",
		},
		[]string{"city", "outcome"}, // outcome: inserted, updated, unchanged
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherstats_ingest_runs_total",
			Help: "Completed ingestion runs by final status",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherstats_ingest_run_duration_seconds",
			Help:    "Ingestion run wall time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"provider"},
	)

	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherstats_cache_requests_total",
			Help: "Statistics cache lookups by kind and result",
		},
		[]string{"kind", "result"}, // result: hit, miss, error
	)

	CacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherstats_cache_invalidated_keys_total",
			Help: "Cache entries removed by ingestion invalidation",
		},
	)

	QueueTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherstats_queue_tasks_total",
			Help: "Queue tasks by type and outcome",
		},
		[]string{"type", "outcome"}, // outcome: enqueued, done, conflict, retry, dropped
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherstats_http_request_duration_seconds",
			Help:    "Query API latency by route and status code",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)
