// Package telemetry registers the process's prometheus metrics and
// exposes them on /metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logmunch_events_ingested_total",
		Help: "Total events accepted by the collector endpoint.",
	})

	EventBytesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logmunch_event_bytes_ingested_total",
		Help: "Total bytes of event payload accepted by the collector endpoint.",
	})

	WriteBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logmunch_write_batch_size",
		Help:    "Number of events in each per-second write-dispatch batch.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	WriteBatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logmunch_write_batch_duration_seconds",
		Help:    "Wall-clock time spent partitioning and writing a dispatch batch.",
		Buckets: prometheus.DefBuckets,
	})

	SearchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logmunch_search_duration_seconds",
		Help:    "Wall-clock time spent fanning a search out across cached minutes.",
		Buckets: prometheus.DefBuckets,
	})

	SearchResultsReturned = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logmunch_search_results_returned",
		Help:    "Number of log rows returned per search, after truncation.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	CachedMinutes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logmunch_cached_minutes",
		Help: "Number of sealed minutes currently resident in the minute cache.",
	})

	MinutesSealed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logmunch_minutes_sealed_total",
		Help: "Total minutes sealed (indexes built, bloom filter written, vacuumed).",
	})

	MinutesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logmunch_minutes_deleted_total",
		Help: "Total minute files deleted by retention enforcement.",
	})
)

// Register adds every collector to the default registry. Call once at
// startup before serving /metrics.
func Register() {
	prometheus.MustRegister(
		EventsIngested,
		EventBytesIngested,
		WriteBatchSize,
		WriteBatchDuration,
		SearchDuration,
		SearchResultsReturned,
		CachedMinutes,
		MinutesSealed,
		MinutesDeleted,
	)
}

// Handler returns the HTTP handler that serves the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
