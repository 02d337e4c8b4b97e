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

package wire

import "encoding/json"

const (
	// EncOperator marks a Load carrying an OperatorRequest: a command
	// from the local salt CLI to its co-located master, trusted by
	// possession of the PKI directory's operator secret rather than by
	// a minion-style RSA handshake.
	EncOperator EncKind = "operator"
)

// OperatorAction identifies what an OperatorRequest asks the master to
// do.
type OperatorAction string

const (
	OperatorPublish OperatorAction = "publish"
	OperatorRun     OperatorAction = "run"
)

// OperatorRequest is the cleartext payload of an EncOperator envelope.
// Secret must match the master's on-disk operator secret (see
// internal/daemon.OperatorSecret) or the master rejects the request.
type OperatorRequest struct {
	Secret     string          `json:"secret"`
	Action     OperatorAction  `json:"action"`
	Function   string          `json:"function,omitempty"`
	Arg        json.RawMessage `json:"arg,omitempty"`
	Kwarg      json.RawMessage `json:"kwarg,omitempty"`
	TargetExpr string          `json:"target_expr,omitempty"`
	TargetKind string          `json:"target_kind,omitempty"`
	User       string          `json:"user,omitempty"`
}

// OperatorReply is the cleartext reply to an OperatorRequest.
type OperatorReply struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	JID    string          `json:"jid,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}
