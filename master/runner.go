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
	"context"
	"encoding/json"
	"sync"

	"github.com/sage-x-project/saltcore/errs"
)

// Runner is one master-side function invoked by the operator's `salt run`
// command, as opposed to a Function dispatched out to minions. It takes
// the raw JSON-encoded positional args and returns a JSON-encodable
// result.
type Runner func(ctx context.Context, m *Master, arg []byte) (interface{}, error)

// RunnerRegistry maps runner names ("manage.status", "jobs.list", ...) to
// their implementations, mirroring minion.Registry on the master side.
type RunnerRegistry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRunnerRegistry creates an empty RunnerRegistry.
func NewRunnerRegistry() *RunnerRegistry {
	return &RunnerRegistry{runners: make(map[string]Runner)}
}

// Register installs fn under name.
func (r *RunnerRegistry) Register(name string, fn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[name] = fn
}

// Lookup returns the Runner registered under name, if any.
func (r *RunnerRegistry) Lookup(name string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.runners[name]
	return fn, ok
}

// RegisterBuiltinRunners installs the built-in master-side functions a
// fresh RunnerRegistry should always carry.
func RegisterBuiltinRunners(r *RunnerRegistry) {
	r.Register("manage.status", runnerManageStatus)
	r.Register("jobs.list", runnerJobsList)
	r.Register("jobs.lookup_jid", runnerJobsLookup)
	r.Register("key.rotate", runnerKeyRotate)
}

func runnerManageStatus(ctx context.Context, m *Master, arg []byte) (interface{}, error) {
	ids := make([]string, 0)
	for _, min := range m.inventory.All() {
		ids = append(ids, min.ID)
	}
	return map[string]interface{}{"up": ids}, nil
}

func runnerJobsList(ctx context.Context, m *Master, arg []byte) (interface{}, error) {
	limit := 25
	if len(arg) > 0 {
		var args []int
		if err := json.Unmarshal(arg, &args); err == nil && len(args) > 0 {
			limit = args[0]
		}
	}
	return m.returner.GetJIDs(ctx, limit)
}

func runnerKeyRotate(ctx context.Context, m *Master, arg []byte) (interface{}, error) {
	var args []string
	if err := json.Unmarshal(arg, &args); err != nil || len(args) == 0 {
		return nil, errs.New(errs.CodeProtocolViolation, "key.rotate requires a minion id argument")
	}
	if err := m.RotateSessionKey(ctx, args[0], "manual"); err != nil {
		return nil, err
	}
	return map[string]interface{}{"rotated": args[0]}, nil
}

func runnerJobsLookup(ctx context.Context, m *Master, arg []byte) (interface{}, error) {
	var args []string
	if err := json.Unmarshal(arg, &args); err != nil || len(args) == 0 {
		return nil, errs.New(errs.CodeProtocolViolation, "jobs.lookup_jid requires a jid argument")
	}
	job, err := m.returner.GetLoad(ctx, args[0])
	if err != nil {
		return nil, err
	}
	returns, err := m.returner.GetReturn(ctx, args[0])
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"job": job, "returns": returns}, nil
}
