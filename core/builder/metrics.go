package builder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fixesReadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackcache_builder_fixes_read_total",
		Help: "Total number of raw fixes read from the fix store",
	})

	pointsIndexedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackcache_builder_points_indexed_total",
		Help: "Total number of filtered points added to the index",
	})

	pointsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackcache_builder_points_skipped_total",
		Help: "Fixes that did not reach the index, by reason",
	}, []string{"reason"})

	roundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackcache_builder_rounds_total",
		Help: "Builder rounds by outcome",
	}, []string{"outcome"})

	softCommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackcache_builder_soft_commits_total",
		Help: "Batches made durable by a soft commit",
	})

	commitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trackcache_builder_commit_duration_seconds",
		Help:    "Duration of store commit stages",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"stage"})
)
