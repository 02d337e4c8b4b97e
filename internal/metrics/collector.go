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
	"sync"
	"time"
)

// MinionCollector keeps a lightweight in-process rolling view of a single
// minion's recent activity, independent of the Prometheus registry. It
// backs the minion's local status output (e.g. a "salt-call" summary)
// where scraping a Prometheus endpoint would be overkill.
type MinionCollector struct {
	mu sync.RWMutex

	// Counters
	JobsExecuted   int64
	JobsSucceeded  int64
	JobsFailed     int64
	ReturnAttempts int64
	ReturnFailures int64
	BeatsSent      int64

	// Timing metrics (in microseconds)
	ExecutionTimes []int64
	ReturnLatencies []int64

	startTime time.Time

	maxTimingSamples int
}

// NewMinionCollector creates a new minion-local stats collector.
func NewMinionCollector() *MinionCollector {
	return &MinionCollector{
		startTime:        time.Now(),
		maxTimingSamples: 1000, // keep the last 1000 samples for each timing metric
	}
}

// RecordJob records the outcome and duration of one function execution.
func (mc *MinionCollector) RecordJob(success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.JobsExecuted++
	if success {
		mc.JobsSucceeded++
	} else {
		mc.JobsFailed++
	}
	mc.recordTiming(&mc.ExecutionTimes, duration)
}

// RecordReturn records an attempt to deliver a job return to the master.
func (mc *MinionCollector) RecordReturn(success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.ReturnAttempts++
	if !success {
		mc.ReturnFailures++
	}
	mc.recordTiming(&mc.ReturnLatencies, duration)
}

// RecordBeat records a periodic alive-beat sent to the master.
func (mc *MinionCollector) RecordBeat() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.BeatsSent++
}

func (mc *MinionCollector) recordTiming(timings *[]int64, duration time.Duration) {
	microseconds := duration.Microseconds()
	*timings = append(*timings, microseconds)

	if len(*timings) > mc.maxTimingSamples {
		*timings = (*timings)[len(*timings)-mc.maxTimingSamples:]
	}
}

// GetSnapshot returns a point-in-time snapshot of the collector's state.
func (mc *MinionCollector) GetSnapshot() *MinionSnapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return &MinionSnapshot{
		Timestamp:          time.Now(),
		Uptime:             time.Since(mc.startTime),
		JobsExecuted:       mc.JobsExecuted,
		JobsSucceeded:      mc.JobsSucceeded,
		JobsFailed:         mc.JobsFailed,
		ReturnAttempts:     mc.ReturnAttempts,
		ReturnFailures:     mc.ReturnFailures,
		BeatsSent:          mc.BeatsSent,
		AvgExecutionTime:   calculateAverage(mc.ExecutionTimes),
		AvgReturnLatency:   calculateAverage(mc.ReturnLatencies),
		P95ExecutionTime:   calculatePercentile(mc.ExecutionTimes, 95),
		P95ReturnLatency:   calculatePercentile(mc.ReturnLatencies, 95),
	}
}

// Reset clears all counters and timing samples.
func (mc *MinionCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.JobsExecuted = 0
	mc.JobsSucceeded = 0
	mc.JobsFailed = 0
	mc.ReturnAttempts = 0
	mc.ReturnFailures = 0
	mc.BeatsSent = 0

	mc.ExecutionTimes = nil
	mc.ReturnLatencies = nil

	mc.startTime = time.Now()
}

// MinionSnapshot is a point-in-time snapshot of a MinionCollector.
type MinionSnapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	JobsExecuted   int64
	JobsSucceeded  int64
	JobsFailed     int64
	ReturnAttempts int64
	ReturnFailures int64
	BeatsSent      int64

	AvgExecutionTime float64
	AvgReturnLatency float64

	P95ExecutionTime int64
	P95ReturnLatency int64
}

// GetJobSuccessRate returns the job success rate as a percentage.
func (ms *MinionSnapshot) GetJobSuccessRate() float64 {
	if ms.JobsExecuted == 0 {
		return 0
	}
	return float64(ms.JobsSucceeded) / float64(ms.JobsExecuted) * 100
}

// GetReturnFailureRate returns the return-delivery failure rate as a percentage.
func (ms *MinionSnapshot) GetReturnFailureRate() float64 {
	if ms.ReturnAttempts == 0 {
		return 0
	}
	return float64(ms.ReturnFailures) / float64(ms.ReturnAttempts) * 100
}

func calculateAverage(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum int64
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

func calculatePercentile(values []int64, percentile int) int64 {
	if len(values) == 0 {
		return 0
	}

	index := len(values) * percentile / 100
	if index >= len(values) {
		index = len(values) - 1
	}

	// Simple bubble sort; sample sets are capped at maxTimingSamples.
	sorted := make([]int64, len(values))
	copy(sorted, values)

	for i := 0; i < len(sorted)-1; i++ {
		for j := 0; j < len(sorted)-i-1; j++ {
			if sorted[j] > sorted[j+1] {
				sorted[j], sorted[j+1] = sorted[j+1], sorted[j]
			}
		}
	}

	return sorted[index]
}

// globalMinionCollector is the default collector used by a minion process
// that hasn't wired its own.
var globalMinionCollector = NewMinionCollector()

// GetGlobalMinionCollector returns the default minion stats collector.
func GetGlobalMinionCollector() *MinionCollector {
	return globalMinionCollector
}
