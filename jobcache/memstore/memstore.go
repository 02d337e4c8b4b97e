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

// Package memstore implements jobcache.Returner with an in-memory map
// guarded by a single mutex, deep-copying on every read and write so
// callers can never observe or corrupt another goroutine's in-flight job.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sage-x-project/saltcore/jobcache"
)

// Store is an in-memory jobcache.Returner, suitable for a single master
// process or tests; state does not survive a restart.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*jobcache.Job
	returns map[string][]*jobcache.Return
	order   []string // JIDs in insertion order, for GetJIDs
}

var _ jobcache.Returner = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]*jobcache.Job),
		returns: make(map[string][]*jobcache.Return),
	}
}

func (s *Store) PrepJID(ctx context.Context, jid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[jid]; exists {
		return fmt.Errorf("memstore: jid %s already reserved", jid)
	}
	s.jobs[jid] = nil
	s.order = append(s.order, jid)
	return nil
}

func (s *Store) SaveLoad(ctx context.Context, job *jobcache.Job) error {
	cp := *job
	cp.ExpectedMinions = append([]string(nil), job.ExpectedMinions...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, reserved := s.jobs[job.JID]; !reserved {
		s.order = append(s.order, job.JID)
	}
	s.jobs[job.JID] = &cp
	return nil
}

func (s *Store) SaveReturn(ctx context.Context, ret *jobcache.Return) error {
	cp := *ret
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[ret.JID]; !ok {
		return fmt.Errorf("memstore: unknown jid %s", ret.JID)
	}
	s.returns[ret.JID] = append(s.returns[ret.JID], &cp)
	return nil
}

func (s *Store) GetLoad(ctx context.Context, jid string) (*jobcache.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jid]
	if !ok || job == nil {
		return nil, fmt.Errorf("memstore: unknown jid %s", jid)
	}
	cp := *job
	cp.ExpectedMinions = append([]string(nil), job.ExpectedMinions...)
	return &cp, nil
}

func (s *Store) GetReturn(ctx context.Context, jid string) ([]*jobcache.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rets := s.returns[jid]
	out := make([]*jobcache.Return, len(rets))
	for i, r := range rets {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) GetJIDs(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]string(nil), s.order...)
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CloseJob(ctx context.Context, jid string, reason jobcache.CloseReason, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jid]
	if !ok || job == nil {
		return fmt.Errorf("memstore: unknown jid %s", jid)
	}
	job.Status = jobcache.StatusClosed
	job.CloseReason = reason
	job.ClosedAt = closedAt
	return nil
}

// Prune discards every job (and its returns) created before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.order[:0]
	for _, jid := range s.order {
		job := s.jobs[jid]
		if job != nil && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, jid)
			delete(s.returns, jid)
			removed++
			continue
		}
		kept = append(kept, jid)
	}
	s.order = kept
	return removed, nil
}

func (s *Store) Close() error { return nil }
