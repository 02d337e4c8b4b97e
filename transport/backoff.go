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

package transport

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays with exponential growth and jitter. The
// minion engine uses it between return-delivery attempts; the tcp and
// wsbroker adapters do not use it.
type Backoff struct {
	Initial time.Duration
	Cap     time.Duration
	Jitter  float64 // fraction, e.g. 0.25 for +/-25%

	attempt int
}

// NewBackoff returns a Backoff with the standard reconnect policy: 1s
// initial, 30s cap, +/-25% jitter.
func NewBackoff() *Backoff {
	return &Backoff{Initial: time.Second, Cap: 30 * time.Second, Jitter: 0.25}
}

// Next returns the delay to wait before the next attempt and advances the
// internal attempt counter.
func (b *Backoff) Next() time.Duration {
	d := b.Initial << uint(b.attempt)
	if d <= 0 || d > b.Cap {
		d = b.Cap
	}
	b.attempt++

	if b.Jitter > 0 {
		delta := float64(d) * b.Jitter
		d = d - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
	}
	return d
}

// Reset zeroes the attempt counter, used after a successful reconnect.
func (b *Backoff) Reset() {
	b.attempt = 0
}
