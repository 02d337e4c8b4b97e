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

package dispatch

import (
	"sync"

	"github.com/sage-x-project/saltcore/cryptocore"
)

// SessionKeys looks up the live AEAD handle for a minion's session key, as
// established by the auth handshake and refreshed by rotation. The
// dispatcher never mints or rotates keys itself; it only consults this
// view to decide whether a targeted minion can currently receive a
// sealed job or return.
type SessionKeys interface {
	Get(minionID string) (*cryptocore.SessionKeyHandle, bool)
}

// KeyRegistry is the master's in-memory map of live per-minion session
// key handles, updated as the auth handshake accepts minions and as
// cryptocore.Rotator replaces a handle.
type KeyRegistry struct {
	mu      sync.RWMutex
	handles map[string]*cryptocore.SessionKeyHandle
}

var _ SessionKeys = (*KeyRegistry)(nil)

// NewKeyRegistry creates an empty KeyRegistry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{handles: make(map[string]*cryptocore.SessionKeyHandle)}
}

// Set installs or replaces the handle for minionID.
func (k *KeyRegistry) Set(minionID string, handle *cryptocore.SessionKeyHandle) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.handles[minionID] = handle
}

// Get returns the live handle for minionID, if any.
func (k *KeyRegistry) Get(minionID string) (*cryptocore.SessionKeyHandle, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	h, ok := k.handles[minionID]
	return h, ok
}

// Delete drops minionID's handle, e.g. on key denial.
func (k *KeyRegistry) Delete(minionID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.handles, minionID)
}
