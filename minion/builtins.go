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

package minion

import (
	"context"
	"encoding/json"
	"time"
)

// RegisterBuiltins installs the small set of diagnostic functions every
// minion carries regardless of its configured modules, mirroring Salt's
// always-present test.* execution module.
func RegisterBuiltins(r *Registry) {
	r.Register("test.ping", testPing)
	r.Register("test.sleep", testSleep)
}

func testPing(ctx context.Context, args Arguments) ([]byte, error) {
	return json.Marshal(true)
}

// testSleep sleeps for the number of seconds given as its sole positional
// argument, polling ctx at each tick so a job kill takes effect promptly
// instead of running to completion.
func testSleep(ctx context.Context, args Arguments) ([]byte, error) {
	var secs float64
	if len(args.Arg) > 0 {
		var positional []float64
		if err := json.Unmarshal(args.Arg, &positional); err == nil && len(positional) > 0 {
			secs = positional[0]
		}
	}

	deadline := time.Now().Add(time.Duration(secs * float64(time.Second)))
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return json.Marshal(true)
}
