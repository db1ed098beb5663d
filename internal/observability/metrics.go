package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanewatch",
		Name:      "cycles_processed_total",
		Help:      "Total number of tracking cycles run",
	}, []string{"stream_id"})

	CyclesShed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanewatch",
		Name:      "cycles_shed_total",
		Help:      "Detection batches discarded because a cycle was still running",
	}, []string{"stream_id"})

	CycleFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanewatch",
		Name:      "cycle_faults_total",
		Help:      "Cycles that degraded to a no-op after a fault",
	}, []string{"stream_id"})

	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lanewatch",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one detection+tracking+event cycle",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
	}, []string{"stream_id"})

	ActiveTracks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lanewatch",
		Name:      "active_tracks",
		Help:      "Number of live tracks per stream",
	}, []string{"stream_id"})

	TracksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanewatch",
		Name:      "tracks_created_total",
		Help:      "Total number of tracks created",
	}, []string{"stream_id"})

	TracksEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanewatch",
		Name:      "tracks_evicted_total",
		Help:      "Total number of tracks evicted after exceeding the persistence threshold",
	}, []string{"stream_id"})

	Candidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanewatch",
		Name:      "infraction_candidates_total",
		Help:      "Infraction candidates fired by the event detector",
	}, []string{"stream_id", "label"})

	EvidenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanewatch",
		Name:      "evidence_capture_failures_total",
		Help:      "Evidence captures that failed and left the event eligible to re-fire",
	}, []string{"stream_id"})

	AuditsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanewatch",
		Name:      "audits_published_total",
		Help:      "Audit requests handed to the forensic service",
	})

	AuditsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanewatch",
		Name:      "audits_failed_total",
		Help:      "Audit requests that could not be published",
	})

	AuditsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanewatch",
		Name:      "audits_dropped_total",
		Help:      "Audit requests dropped because the dispatch queue was full",
	})

	VerdictsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanewatch",
		Name:      "verdicts_received_total",
		Help:      "Verdicts returned by the forensic service",
	}, []string{"infraction"})

	BatchesReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanewatch",
		Name:      "batches_replayed_total",
		Help:      "Detection batches published by the replay tool",
	}, []string{"stream_id"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lanewatch",
		Name:      "queue_depth",
		Help:      "Number of pending detection batches in the queue",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lanewatch",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lanewatch",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
