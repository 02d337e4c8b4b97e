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

package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/sage-x-project/saltcore/jobcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepJIDRejectsDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PrepJID(ctx, "jid1"))
	assert.Error(t, s.PrepJID(ctx, "jid1"))
}

func TestSaveAndGetLoad(t *testing.T) {
	s := New()
	ctx := context.Background()

	job := &jobcache.Job{JID: "jid1", Function: "test.ping", ExpectedMinions: []string{"web01"}, Status: jobcache.StatusCollecting}
	require.NoError(t, s.SaveLoad(ctx, job))

	got, err := s.GetLoad(ctx, "jid1")
	require.NoError(t, err)
	assert.Equal(t, "test.ping", got.Function)

	// mutating the returned copy must not affect the store
	got.Function = "mutated"
	again, err := s.GetLoad(ctx, "jid1")
	require.NoError(t, err)
	assert.Equal(t, "test.ping", again.Function)
}

func TestSaveReturnRequiresKnownJID(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.SaveReturn(ctx, &jobcache.Return{JID: "unknown", MinionID: "web01"})
	assert.Error(t, err)
}

func TestSaveReturnAndGetReturn(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveLoad(ctx, &jobcache.Job{JID: "jid1", Status: jobcache.StatusCollecting}))

	require.NoError(t, s.SaveReturn(ctx, &jobcache.Return{JID: "jid1", MinionID: "web01", Success: true}))
	require.NoError(t, s.SaveReturn(ctx, &jobcache.Return{JID: "jid1", MinionID: "web02", Success: true, Late: true}))

	rets, err := s.GetReturn(ctx, "jid1")
	require.NoError(t, err)
	assert.Len(t, rets, 2)
}

func TestCloseJobSetsReasonAndTimestamp(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveLoad(ctx, &jobcache.Job{JID: "jid1", Status: jobcache.StatusCollecting}))

	closedAt := time.Now()
	require.NoError(t, s.CloseJob(ctx, "jid1", jobcache.CloseTimeout, closedAt))

	job, err := s.GetLoad(ctx, "jid1")
	require.NoError(t, err)
	assert.Equal(t, jobcache.StatusClosed, job.Status)
	assert.Equal(t, jobcache.CloseTimeout, job.CloseReason)
}

func TestPruneRemovesOldJobsAndTheirReturns(t *testing.T) {
	s := New()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	require.NoError(t, s.SaveLoad(ctx, &jobcache.Job{JID: "jid-old", Status: jobcache.StatusClosed, CreatedAt: old}))
	require.NoError(t, s.SaveReturn(ctx, &jobcache.Return{JID: "jid-old", MinionID: "web01", Success: true}))
	require.NoError(t, s.SaveLoad(ctx, &jobcache.Job{JID: "jid-new", Status: jobcache.StatusClosed, CreatedAt: recent}))

	removed, err := s.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetLoad(ctx, "jid-old")
	assert.Error(t, err)

	got, err := s.GetLoad(ctx, "jid-new")
	require.NoError(t, err)
	assert.Equal(t, "jid-new", got.JID)

	rets, err := s.GetReturn(ctx, "jid-old")
	require.NoError(t, err)
	assert.Empty(t, rets)

	jids, err := s.GetJIDs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"jid-new"}, jids)
}

func TestGetJIDsMostRecentFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveLoad(ctx, &jobcache.Job{JID: "20260101000000000001"}))
	require.NoError(t, s.SaveLoad(ctx, &jobcache.Job{JID: "20260101000000000002"}))

	jids, err := s.GetJIDs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jids, 2)
	assert.Equal(t, "20260101000000000002", jids[0])
}
