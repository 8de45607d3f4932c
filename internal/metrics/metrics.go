// Package metrics holds the Prometheus collectors of the similarity engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"catalog-similarity-engine/internal/errs"
)

const (
	namespace = "catalog_similarity"
)

// LatencyBuckets are histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
}

var (
	// IndexOperations counts index manager operations by outcome.
	IndexOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_operations_total",
			Help:      "Index operations by type and status",
		},
		[]string{"op", "status"},
	)

	// SnapshotWriteDuration tracks how long encoding and saving a snapshot takes.
	SnapshotWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_write_duration_seconds",
			Help:      "Snapshot encode and save latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"status"},
	)

	// SnapshotBytes is the size of the last snapshot written.
	SnapshotBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_bytes",
			Help:      "Size of the last written snapshot",
		},
	)

	// IndexEntries tracks live and dead slots.
	IndexEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_entries",
			Help:      "Index slots by state",
		},
		[]string{"state"},
	)

	// SearchLatency tracks end-to-end image search latency.
	SearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_latency_seconds",
			Help:      "Image search latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"condition"},
	)

	// EmbedderRequests counts calls to the embedding backend.
	EmbedderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedder_requests_total",
			Help:      "Embedding requests by status",
		},
		[]string{"status"},
	)

	// MetadataCacheLookups counts product metadata cache hits and misses.
	MetadataCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_cache_lookups_total",
			Help:      "Product metadata cache lookups by result",
		},
		[]string{"result"},
	)
)

// Status turns an error into a low-cardinality label value.
func Status(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := errs.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

// RecordIndexOp records one index manager operation.
func RecordIndexOp(op string, err error) {
	IndexOperations.WithLabelValues(op, Status(err)).Inc()
}

// ObserveSnapshotWrite records a snapshot write.
func ObserveSnapshotWrite(d time.Duration, size int, err error) {
	SnapshotWriteDuration.WithLabelValues(Status(err)).Observe(d.Seconds())
	if err == nil {
		SnapshotBytes.Set(float64(size))
	}
}

// SetIndexEntries publishes the current slot counts.
func SetIndexEntries(live, dead int) {
	IndexEntries.WithLabelValues("live").Set(float64(live))
	IndexEntries.WithLabelValues("dead").Set(float64(dead))
}

// ObserveSearch records a search; condition is "ok" or the degradation reason.
func ObserveSearch(condition string, d time.Duration) {
	SearchLatency.WithLabelValues(condition).Observe(d.Seconds())
}

// RecordEmbed records one embedder call.
func RecordEmbed(err error) {
	EmbedderRequests.WithLabelValues(Status(err)).Inc()
}

// RecordCacheLookup records n metadata cache hits or misses.
func RecordCacheLookup(hit bool, n int) {
	if n == 0 {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	MetadataCacheLookups.WithLabelValues(result).Add(float64(n))
}
