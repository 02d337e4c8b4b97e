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

package syndic

import (
	"sync"

	"github.com/sage-x-project/saltcore/target"
)

// Inventory is a syndic's live view of the downstream minions that have
// completed the handshake against it, the same role master's internal
// inventory plays for a top-level Master. It is exported here so a
// salt-syndic daemon can wire it directly as the Relay's downstreamTarget
// and feed it from its own downstream auth.Server's OnSessionKey hook.
type Inventory struct {
	mu         sync.RWMutex
	minions    map[string]target.Minion
	nodegroups map[string]string
}

// NewInventory builds an empty Inventory.
func NewInventory() *Inventory {
	return &Inventory{
		minions:    make(map[string]target.Minion),
		nodegroups: make(map[string]string),
	}
}

// Upsert records or refreshes a downstream minion's inventory entry.
func (i *Inventory) Upsert(m target.Minion) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.minions[m.ID] = m
}

// Remove drops a downstream minion, e.g. on key rejection/denial.
func (i *Inventory) Remove(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.minions, id)
}

// SetNodegroup defines or redefines a named group's member expression.
func (i *Inventory) SetNodegroup(name, expr string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.nodegroups[name] = expr
}

// All implements target.Inventory.
func (i *Inventory) All() []target.Minion {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]target.Minion, 0, len(i.minions))
	for _, m := range i.minions {
		out = append(out, m)
	}
	return out
}

// Nodegroup implements target.Inventory.
func (i *Inventory) Nodegroup(name string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	expr, ok := i.nodegroups[name]
	return expr, ok
}
