package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HandshakesInitiated tracks auth handshakes started.
	HandshakesInitiated = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "handshakes_initiated_total",
			Help:      "Total number of auth handshakes initiated",
		},
		[]string{"role"}, // minion, master
	)

	// HandshakesCompleted tracks completed handshakes by outcome.
	HandshakesCompleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "handshakes_completed_total",
			Help:      "Total number of completed auth handshakes",
		},
		[]string{"result"}, // accepted, pending, rejected, denied
	)

	// HandshakesFailed tracks failed handshakes by error type.
	HandshakesFailed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "handshakes_failed_total",
			Help:      "Total number of failed auth handshakes by error type",
		},
		[]string{"error_type"}, // bad_signature, bad_hmac, undecryptable, master_not_trusted
	)

	// HandshakeDuration tracks handshake step durations.
	HandshakeDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "handshake_duration_seconds",
			Help:      "Auth handshake step duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		},
		[]string{"step"}, // submit, lookup, deliver_key, install_key
	)

	// ReauthTriggers tracks re-authentication triggers by cause.
	ReauthTriggers = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "reauth_triggers_total",
			Help:      "Total number of re-authentication triggers",
		},
		[]string{"cause"}, // aead_failure, rotation, reconnect
	)
)
