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

// Package keystore implements the master's file-backed registry of minion
// public keys and their acceptance state.
package keystore

import (
	"strings"
	"time"

	"github.com/sage-x-project/saltcore/errs"
)

// State is a minion key's position in the accept/reject lifecycle.
type State string

const (
	StatePending  State = "pending"
	StateAccepted State = "accepted"
	StateRejected State = "rejected"
	StateDenied   State = "denied"
)

// Record is the persisted state for one minion's key.
type Record struct {
	MinionID  string    `json:"minion_id"`
	State     State     `json:"state"`
	PubKeyPEM []byte    `json:"pub_key_pem"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// validateMinionID rejects IDs that could escape the key store directory.
func validateMinionID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return errs.New(errs.CodeInvalidKeyID, "invalid minion ID").WithDetails("minion_id", id)
	}
	return nil
}
