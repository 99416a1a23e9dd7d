// Package metrics holds the Prometheus collectors for the synchronization
// core. They register with the default registry, which the API serves on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerCycles counts scheduler runs by outcome: scheduled, idle,
	// skipped_backlog or error.
	SchedulerCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chapterhouse_scheduler_cycles_total",
			Help: "Scheduler cycles by outcome",
		},
		[]string{"outcome"},
	)

	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chapterhouse_jobs_enqueued_total",
			Help: "Jobs enqueued by queue and kind",
		},
		[]string{"queue", "kind"},
	)

	LimiterWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chapterhouse_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limit token",
			Buckets: []float64{0.001, 0.01, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"source"},
	)

	// ChaptersIngested counts chapter reports by what they changed: new_chapter,
	// new_source or refreshed.
	ChaptersIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chapterhouse_chapters_ingested_total",
			Help: "Chapter reports ingested by result",
		},
		[]string{"result"},
	)

	FeedEntriesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chapterhouse_feed_entries_created_total",
			Help: "Feed entries created",
		},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chapterhouse_dead_letters_total",
			Help: "Dead letter records written by queue",
		},
		[]string{"queue"},
	)

	GapsTriggered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chapterhouse_gap_recoveries_triggered_total",
			Help: "Series for which gap recovery re-crawls were enqueued",
		},
	)

	CrawlResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chapterhouse_crawl_results_total",
			Help: "Crawl job results by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// CircuitBreakerState is 0 when closed, 1 when half-open and 2 when open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chapterhouse_circuit_breaker_state",
			Help: "Circuit breaker state per source",
		},
		[]string{"source"},
	)

	ProgressUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chapterhouse_progress_updates_total",
			Help: "Progress updates by whether they were applied",
		},
		[]string{"result"},
	)
)
