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

// Package auth implements the minion/master auth handshake: a minion
// submits its public key over the clear request channel, the master moves
// it through the pending/accepted/rejected/denied lifecycle backed by
// keystore.Store, and on acceptance delivers a fresh session key wrapped
// under the minion's public key.
package auth

import (
	"time"
)

// Result is the outcome the master returns for one _auth submission.
type Result string

const (
	ResultPending  Result = "pending"
	ResultFull     Result = "full"
	ResultDenied   Result = "denied"
	ResultAccepted Result = "accepted"
)

// SubmitRequest is the clear-envelope load a minion sends to initiate or
// retry authentication.
type SubmitRequest struct {
	Cmd   string `json:"cmd"` // always "_auth"
	ID    string `json:"id"`
	Pub   []byte `json:"pub"`   // PEM-encoded RSA public key
	Token string `json:"token"` // random 16 bytes; the master does not echo or sign it
}

// SubmitReply is the clear-envelope load the master sends back.
type SubmitReply struct {
	Ret          Result `json:"ret"`
	Nonce        string `json:"nonce,omitempty"`
	WrappedKey   []byte `json:"wrapped_key,omitempty"`   // session key under the minion's pub, present on accepted
	KeySignature []byte `json:"key_signature,omitempty"` // master's RSA-PSS signature over WrappedKey
	MasterPub    []byte `json:"master_pub,omitempty"`    // master's own PEM-encoded public key, present on accepted
}

// PendingTTL bounds how long a pending minion's submission is remembered
// before the master's cleanup loop discards transcript state (the minion's
// keystore.Record itself is not affected — only the in-memory nonce used
// to correlate repeated pending replies).
const PendingTTL = 15 * time.Minute
