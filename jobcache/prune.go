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

package jobcache

import (
	"context"
	"time"
)

// DefaultKeepJobs is the ring-retention window applied when a master's
// config leaves keep_jobs unset.
const DefaultKeepJobs = 24 * time.Hour

// DefaultPruneInterval is how often PruneLoop sweeps the returner.
const DefaultPruneInterval = 10 * time.Minute

// PruneLoop periodically discards job records older than keepJobs until
// ctx is cancelled, the returner-agnostic half of the keep_jobs
// retention window described in spec.md. A zero keepJobs or interval
// takes the documented default.
func PruneLoop(ctx context.Context, returner Returner, keepJobs, interval time.Duration) {
	if keepJobs <= 0 {
		keepJobs = DefaultKeepJobs
	}
	if interval <= 0 {
		interval = DefaultPruneInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = returner.Prune(ctx, time.Now().Add(-keepJobs))
		case <-ctx.Done():
			return
		}
	}
}
