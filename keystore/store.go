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

package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sage-x-project/saltcore/errs"
)

// command is one serialized write op, processed by the single writer
// goroutine so concurrent Accept/Reject/Deny/Delete calls never interleave
// their file writes.
type command struct {
	run  func() error
	done chan error
}

// Store is a file-backed registry of minion keys, one JSON file per minion
// under directory, keyed by MinionID. All mutation passes through a single
// writer goroutine; reads take the read lock directly against the in-memory
// cache, which is kept consistent with disk by every write.
type Store struct {
	directory string
	mu        sync.RWMutex
	records   map[string]*Record

	cmds   chan command
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open loads the existing key files under directory into memory and starts
// the writer goroutine. directory is created if it doesn't exist.
func Open(directory string) (*Store, error) {
	if err := os.MkdirAll(directory, 0700); err != nil {
		return nil, errs.Wrap(errs.CodeKeyNotFound, "create key store directory", err)
	}

	s := &Store{
		directory: directory,
		records:   make(map[string]*Record),
		cmds:      make(chan command),
		stopCh:    make(chan struct{}),
	}

	if err := s.loadAll(); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.writerLoop()

	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return errs.Wrap(errs.CodeKeyNotFound, "read key store directory", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.directory, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		s.records[rec.MinionID] = &rec
	}
	return nil
}

func (s *Store) writerLoop() {
	defer s.wg.Done()
	for {
		select {
		case cmd := <-s.cmds:
			cmd.done <- cmd.run()
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the writer goroutine. Pending commands submitted after Close
// block forever, so callers must not submit after calling it.
func (s *Store) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Store) submit(run func() error) error {
	cmd := command{run: run, done: make(chan error, 1)}
	s.cmds <- cmd
	return <-cmd.done
}

func (s *Store) path(minionID string) string {
	return filepath.Join(s.directory, minionID+".json")
}

// writeFile performs the crash-safe write-new-file+fsync+rename sequence:
// the record is written to a temp file in the same directory, fsynced, then
// renamed over the destination so a crash mid-write never leaves a
// truncated or partially-written key file.
func (s *Store) writeFile(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal record: %w", err)
	}

	dest := s.path(rec.MinionID)
	tmp := dest + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("keystore: open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("keystore: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("keystore: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("keystore: close temp file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("keystore: rename temp file: %w", err)
	}
	return nil
}

// Submit records a minion's first announcement of its key as pending, or
// updates LastSeen if the minion is already known. It does not overwrite an
// existing PubKeyPEM for a minion already accepted/rejected/denied unless
// the key actually changed, in which case the minion reverts to pending —
// mirroring a re-keyed minion needing re-approval.
func (s *Store) Submit(minionID string, pubKeyPEM []byte) (*Record, error) {
	if err := validateMinionID(minionID); err != nil {
		return nil, err
	}

	var result *Record
	err := s.submit(func() error {
		now := time.Now()
		s.mu.Lock()
		existing, ok := s.records[minionID]
		if !ok {
			rec := &Record{
				MinionID:  minionID,
				State:     StatePending,
				PubKeyPEM: pubKeyPEM,
				FirstSeen: now,
				LastSeen:  now,
			}
			s.records[minionID] = rec
			result = rec
		} else {
			if string(existing.PubKeyPEM) != string(pubKeyPEM) {
				existing.PubKeyPEM = pubKeyPEM
				existing.State = StatePending
			}
			existing.LastSeen = now
			result = existing
		}
		rec := *result
		s.mu.Unlock()
		return s.writeFile(&rec)
	})
	return result, err
}

// transition moves a known minion to newState and persists the change.
func (s *Store) transition(minionID string, newState State) (*Record, error) {
	if err := validateMinionID(minionID); err != nil {
		return nil, err
	}

	var result *Record
	err := s.submit(func() error {
		s.mu.Lock()
		rec, ok := s.records[minionID]
		if !ok {
			s.mu.Unlock()
			return errs.New(errs.CodeKeyNotFound, "minion not known").WithDetails("minion_id", minionID)
		}
		rec.State = newState
		rec.LastSeen = time.Now()
		result = rec
		snapshot := *rec
		s.mu.Unlock()
		return s.writeFile(&snapshot)
	})
	return result, err
}

// Accept moves a pending minion to accepted.
func (s *Store) Accept(minionID string) (*Record, error) { return s.transition(minionID, StateAccepted) }

// Reject moves a pending minion to rejected (retryable by the minion).
func (s *Store) Reject(minionID string) (*Record, error) { return s.transition(minionID, StateRejected) }

// Deny moves a minion to denied, a terminal state an operator uses to
// blocklist a key permanently.
func (s *Store) Deny(minionID string) (*Record, error) { return s.transition(minionID, StateDenied) }

// Delete removes a minion's key file and in-memory record entirely.
func (s *Store) Delete(minionID string) error {
	if err := validateMinionID(minionID); err != nil {
		return err
	}
	return s.submit(func() error {
		s.mu.Lock()
		_, ok := s.records[minionID]
		delete(s.records, minionID)
		s.mu.Unlock()
		if !ok {
			return errs.New(errs.CodeKeyNotFound, "minion not known").WithDetails("minion_id", minionID)
		}
		if err := os.Remove(s.path(minionID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("keystore: remove key file: %w", err)
		}
		return nil
	})
}

// Get returns the current record for minionID.
func (s *Store) Get(minionID string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[minionID]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// List returns every record currently known, sorted by MinionID, optionally
// filtered to a single state (pass "" for all states).
func (s *Store) List(filter State) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if filter != "" && rec.State != filter {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinionID < out[j].MinionID })
	return out
}
