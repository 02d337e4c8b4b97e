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

package cryptocore

import (
	"fmt"
	"sync"

	"github.com/sage-x-project/saltcore/internal/metrics"
)

// Rotator replaces a minion's session key handle with a freshly minted
// one, used on AEAD failure, on a fixed schedule, or after a minion
// reconnects. It tracks in-flight rotations per minion so a concurrent
// reconnect and scheduled rotation don't race each other.
type Rotator struct {
	mu       sync.Mutex
	rotating map[string]bool
}

// NewRotator creates an empty Rotator.
func NewRotator() *Rotator {
	return &Rotator{rotating: make(map[string]bool)}
}

// Rotate mints a new session key, wraps it via encryptFor (typically
// EncryptSessionKey against the minion's known public key), and returns
// both the new handle (for the master's own side) and the ciphertext to
// deliver to the minion. cause is recorded on the ReauthTriggers metric.
func (r *Rotator) Rotate(minionID string, encryptFor func([]byte) ([]byte, error), cause string) (*SessionKeyHandle, []byte, error) {
	r.mu.Lock()
	if r.rotating[minionID] {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("cryptocore: rotation already in progress for %s", minionID)
	}
	r.rotating[minionID] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.rotating, minionID)
		r.mu.Unlock()
	}()

	raw, err := NewSessionKey()
	if err != nil {
		return nil, nil, err
	}

	handle, err := NewSessionKeyHandle(raw, true)
	if err != nil {
		return nil, nil, err
	}

	wrapped, err := encryptFor(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptocore: wrap rotated session key: %w", err)
	}

	metrics.ReauthTriggers.WithLabelValues(cause).Inc()

	return handle, wrapped, nil
}
