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

package auth

import (
	"os"
	"path/filepath"
	"sync"
)

// MasterPinner supplies a Client's pinned master public key (PEM), if one
// is already known, and records the key delivered on a successful
// handshake so later handshakes can be verified against it. Pin is
// expected to be idempotent once a key is already pinned.
type MasterPinner interface {
	Get() (pub []byte, ok bool)
	Pin(pub []byte)
}

// TOFUPinner is an in-memory trust-on-first-use pinner: the first master
// public key a handshake delivers is pinned for the lifetime of the
// process, and every later handshake's signature is verified against it.
type TOFUPinner struct {
	mu  sync.Mutex
	pub []byte
}

func (p *TOFUPinner) Get() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pub, len(p.pub) > 0
}

func (p *TOFUPinner) Pin(pub []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pub) == 0 {
		p.pub = pub
	}
}

// FilePinner is a trust-on-first-use pinner that persists the pinned key
// to disk, the way a real Salt minion caches its master's key under
// pki/minion/minion_master.pub so the pin survives a restart.
type FilePinner struct {
	mu   sync.Mutex
	path string
	pub  []byte
}

// NewFilePinner loads any pin already present at path, if one exists.
func NewFilePinner(path string) (*FilePinner, error) {
	p := &FilePinner{path: path}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		p.pub = data
	case os.IsNotExist(err):
		// no pin yet; the first successful handshake will create it.
	default:
		return nil, err
	}
	return p, nil
}

func (p *FilePinner) Get() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pub, len(p.pub) > 0
}

func (p *FilePinner) Pin(pub []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pub) > 0 {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return
	}
	if err := os.WriteFile(p.path, pub, 0o600); err != nil {
		return
	}
	p.pub = pub
}
