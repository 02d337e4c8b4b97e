// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesProcessed tracks wire frames decoded off a transport.
	FramesProcessed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "frames_processed_total",
			Help:      "Total number of wire frames processed",
		},
		[]string{"enc", "status"}, // clear/pub/aes, ok/bad_hmac/oversized
	)

	// AuthDrops tracks frames dropped for failing AEAD verification.
	AuthDrops = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "auth_drops_total",
			Help:      "Total number of frames dropped for failing AEAD verification",
		},
	)

	// FrameSize tracks frame sizes in bytes.
	FrameSize = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "frame_size_bytes",
			Help:      "Size of wire frames in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 12), // 64B to 256MB
		},
	)

	// FrameDecodeDuration tracks frame decode latency.
	FrameDecodeDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "frame_decode_duration_seconds",
			Help:      "Wire frame decode duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~205ms
		},
	)
)
