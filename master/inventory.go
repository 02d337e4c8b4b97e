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

package master

import (
	"sync"

	"github.com/sage-x-project/saltcore/target"
)

// inventory is the Master's live view of accepted minions, fed by the
// auth handshake (Upsert on acceptance) and consulted by the targeting
// engine through the target.Inventory interface.
type inventory struct {
	mu         sync.RWMutex
	minions    map[string]target.Minion
	nodegroups map[string]string
}

func newInventory() *inventory {
	return &inventory{
		minions:    make(map[string]target.Minion),
		nodegroups: make(map[string]string),
	}
}

// Upsert records or refreshes a minion's inventory entry.
func (i *inventory) Upsert(m target.Minion) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.minions[m.ID] = m
}

// Remove drops a minion from the inventory, e.g. on key rejection/denial.
func (i *inventory) Remove(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.minions, id)
}

// SetNodegroup defines or redefines a named group's member expression,
// read from configuration at startup.
func (i *inventory) SetNodegroup(name, expr string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.nodegroups[name] = expr
}

// All implements target.Inventory.
func (i *inventory) All() []target.Minion {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]target.Minion, 0, len(i.minions))
	for _, m := range i.minions {
		out = append(out, m)
	}
	return out
}

// Nodegroup implements target.Inventory.
func (i *inventory) Nodegroup(name string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	expr, ok := i.nodegroups[name]
	return expr, ok
}
