// Package metrics holds the process-wide Prometheus collectors shared by
// the pipeline, the enhancement engine and the cache. Exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BlocksIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxflow_blocks_ingested_total",
		Help: "Blocks fetched and processed by the ingestion pipeline.",
	})

	FlowEventsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxflow_flow_events_written_total",
		Help: "Flow events committed by batch writes.",
	})

	BlockFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxflow_block_fetch_errors_total",
		Help: "Block fetches that failed after all retries.",
	})

	BlocksPerMinute = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fluxflow_blocks_per_minute",
		Help: "Ingestion throughput measured over the last batch.",
	})

	ConsecutiveErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fluxflow_consecutive_errors",
		Help: "Current saturating upstream error counter.",
	})

	SourceSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxflow_source_switches_total",
		Help: "Primary/fallback data source switches.",
	})

	EventsEnhanced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxflow_events_enhanced_total",
		Help: "Flow events rewritten by the enhancement engine, by detection method.",
	}, []string{"method"})

	EnhancementMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxflow_enhancement_misses_total",
		Help: "Unknown wallets that yielded no node-operator path.",
	})

	CircularDetections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxflow_circular_detections_total",
		Help: "BFS expansions suppressed because the wallet was already visited.",
	})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxflow_cache_hits_total",
		Help: "Enhancement cache hits, by sub-cache.",
	}, []string{"cache"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxflow_cache_misses_total",
		Help: "Enhancement cache misses, by sub-cache.",
	}, []string{"cache"})

	RetentionSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxflow_retention_sweeps_total",
		Help: "Retention sweeps executed against the store.",
	})
)
