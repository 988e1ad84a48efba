// Package metrics registers the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mrms_rala"

var (
	// Refresh cycles
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Refresh cycles by outcome (no_data, duplicate, published, failed).",
		},
		[]string{"outcome"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of refresh cycles that reached the fetch stage.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each refresh stage.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	UpdateInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "update_in_progress",
			Help:      "1 while a refresh cycle is running.",
		},
	)

	// MRMS transport
	FetchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Requests to the MRMS archive by kind (listing, file) and result.",
		},
		[]string{"kind", "result"},
	)

	FetchBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_bytes_total",
			Help:      "Compressed bytes downloaded from the MRMS archive.",
		},
	)

	RawCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raw_cache_hits_total",
			Help:      "Grid files served from the local raw cache instead of the network.",
		},
	)

	// Composites
	CompositeValidPoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "composite_valid_points",
			Help:      "Points of the latest composite holding a reflectivity value.",
		},
	)

	CompositeContributions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "composite_contributions",
			Help:      "Points of the latest composite supplied by each elevation angle.",
		},
		[]string{"elevation"},
	)

	LatestObservation = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_observation_timestamp_seconds",
			Help:      "Unix time of the observation behind the latest composite.",
		},
	)

	CompositesRetained = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "composites_retained",
			Help:      "Composite artifacts kept on disk.",
		},
	)

	TrackedTimestamps = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_timestamps",
			Help:      "Observation timestamps recorded as processed.",
		},
	)

	TrackerWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracker_write_errors_total",
			Help:      "Failed writes of the tracker file.",
		},
	)
)
