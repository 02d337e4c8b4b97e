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

// Package jobcache defines the pluggable persistence backend for completed
// and in-flight jobs, the "returner" interface spec.md describes, along
// with the in-memory and PostgreSQL implementations.
package jobcache

import (
	"context"
	"time"
)

// Status is a job's position in the publish/collect/close lifecycle.
type Status string

const (
	StatusCollecting Status = "collecting"
	StatusClosed     Status = "closed"
)

// CloseReason records why a job stopped collecting.
type CloseReason string

const (
	CloseAllReturned CloseReason = "all_returned"
	CloseTimeout     CloseReason = "timeout"
	CloseEmptyTarget CloseReason = "empty_target"
)

// Job is the persisted record for one dispatched job.
type Job struct {
	JID             string
	Function        string
	Arg             []byte // JSON-encoded positional args
	Kwarg           []byte // JSON-encoded keyword args
	Target          string
	TargetType      string
	User            string
	ExpectedMinions []string
	Status          Status
	CloseReason     CloseReason
	CreatedAt       time.Time
	ClosedAt        time.Time
}

// Return is one minion's result for a job.
type Return struct {
	JID      string
	MinionID string
	Success  bool
	Result   []byte // JSON-encoded return value
	ReceivedAt time.Time
	Late     bool
}

// Returner is the pluggable persistence backend for the job cache, named
// for Salt's "returner" concept: a backend that can both prepare a JID
// slot and later save/retrieve the load and returns for it.
type Returner interface {
	// PrepJID reserves jid for a new job, failing if it is already in use
	// anywhere within the retention window (spec.md's JID-uniqueness
	// invariant).
	PrepJID(ctx context.Context, jid string) error

	// SaveLoad persists the job record itself.
	SaveLoad(ctx context.Context, job *Job) error

	// SaveReturn appends one minion's return to jid's record.
	SaveReturn(ctx context.Context, ret *Return) error

	// GetLoad retrieves a job record by JID.
	GetLoad(ctx context.Context, jid string) (*Job, error)

	// GetReturn retrieves all returns recorded for jid.
	GetReturn(ctx context.Context, jid string) ([]*Return, error)

	// GetJIDs lists JIDs within the retention window, most recent first.
	GetJIDs(ctx context.Context, limit int) ([]string, error)

	// CloseJob marks jid closed with reason at closedAt.
	CloseJob(ctx context.Context, jid string, reason CloseReason, closedAt time.Time) error

	// Prune discards every job record (and its returns) created before
	// cutoff, implementing the ring-retention window (keep_jobs). It
	// returns the number of jobs removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases any resources the backend holds open.
	Close() error
}
