package synapse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synapse_result_cache_hits_total",
		Help: "Skeleton row lookups served from the result cache",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synapse_result_cache_misses_total",
		Help: "Skeleton row lookups that required a fetch cycle",
	})

	fetchCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synapse_fetch_cycles_total",
		Help: "Fetch, aggregate and enrich cycles by outcome",
	}, []string{"outcome"})

	staleDiscards = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synapse_stale_results_discarded_total",
		Help: "Fetch results dropped because the skeleton was invalidated mid-fetch",
	})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "synapse_fetch_cycle_duration_seconds",
		Help:    "Duration of a full fetch cycle for one skeleton",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})
)
