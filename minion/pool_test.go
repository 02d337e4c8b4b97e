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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool(2, 4)
	defer p.Close()

	var ran int32
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		p.Submit("jid", func() {
			atomic.AddInt32(&ran, 1)
			wg.Done()
		})
	}

	wg.Wait()
	assert.EqualValues(t, 3, atomic.LoadInt32(&ran))
}

func TestPoolDropsOldestOnOverflow(t *testing.T) {
	block := make(chan struct{})
	p := NewPool(1, 1)
	defer func() {
		close(block)
		p.Close()
	}()

	// Occupy the single worker so the queue actually backs up.
	started := make(chan struct{})
	p.Submit("busy", func() {
		close(started)
		<-block
	})
	<-started

	p.Submit("first", func() {})
	p.Submit("second", func() {})

	require.Eventually(t, func() bool {
		return p.Dropped() >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestPoolCloseStopsWorkers(t *testing.T) {
	p := NewPool(2, 2)
	var ran int32
	p.Submit("a", func() { atomic.AddInt32(&ran, 1) })
	time.Sleep(20 * time.Millisecond)
	p.Close()
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestNewPoolDefaults(t *testing.T) {
	p := NewPool(0, 0)
	defer p.Close()
	assert.NotNil(t, p.queue)
	assert.Equal(t, DefaultWorkers*defaultQueueFactor, cap(p.queue))
}
