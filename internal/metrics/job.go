package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsAnnounced tracks jobs published to a target set.
	JobsAnnounced = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "announced_total",
			Help:      "Total number of jobs announced on the publish channel",
		},
		[]string{"tgt_type"}, // glob, list, pcre, grain, compound, ...
	)

	// JobsCollecting tracks jobs currently awaiting returns.
	JobsCollecting = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "collecting",
			Help:      "Number of jobs currently collecting returns",
		},
	)

	// JobsClosed tracks jobs that finished collecting.
	JobsClosed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "closed_total",
			Help:      "Total number of jobs closed",
		},
		[]string{"reason"}, // all_returned, timeout, empty_target
	)

	// ReturnsReceived tracks returns accepted into the job cache.
	ReturnsReceived = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "returns_total",
			Help:      "Total number of returns received",
		},
		[]string{"status"}, // accepted, late, unknown_jid, auth_failed
	)

	// GatherDuration tracks how long a job spent collecting returns.
	GatherDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "gather_duration_seconds",
			Help:      "Time a job spent in the collecting state",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
		},
	)

	// JidCollisions tracks JID allocation retries.
	JidCollisions = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "jid_collisions_total",
			Help:      "Total number of JID allocation collisions",
		},
	)

	// JobDeliveryFailures tracks per-minion publish attempts the
	// dispatcher could not complete, typically because no live session
	// key exists yet for a targeted minion.
	JobDeliveryFailures = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "delivery_failures_total",
			Help:      "Total number of per-minion job publish attempts that failed",
		},
		[]string{"reason"}, // no_session_key, publish_error
	)
)
