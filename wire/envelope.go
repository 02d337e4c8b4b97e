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

// Package wire defines the on-the-wire envelope shared by every transport
// (TCP, websocket) and every channel (publish, request/reply). It mirrors
// the wireMessage/wireResponse split used by the websocket transport, but
// generalizes the payload to an opaque, possibly-encrypted load tagged with
// how it was encoded.
package wire

import "encoding/json"

// EncKind identifies how an Envelope's Load was produced.
type EncKind string

const (
	// EncClear marks a Load that was never encrypted (used only for the
	// initial PKI exchange before a session key exists).
	EncClear EncKind = "clear"
	// EncPub marks a Load carrying a RotatePayload: a new session key
	// RSA-OAEP encrypted under the recipient's public key, pushed on the
	// publish channel when the master rotates the key.
	EncPub EncKind = "pub"
	// EncAES marks a Load that is AES-256-GCM sealed under an
	// established session key.
	EncAES EncKind = "aes"
)

// Envelope is the outermost structure exchanged between master, minion,
// and syndic processes. Everything specific to a channel (publish job,
// job return, auth handshake step) is carried JSON-encoded inside Load,
// so the envelope itself never needs to change shape.
type Envelope struct {
	// Enc identifies how Load is encoded; Decrypt logic downstream keys
	// off this field rather than trying to sniff the payload.
	Enc EncKind `json:"enc"`
	// Load is the (possibly encrypted) payload. Its cleartext shape
	// depends on the channel the envelope travels on.
	Load []byte `json:"load"`
	// Sender is the minion ID or "master" identifying the originator,
	// used to look up the session key to unwrap Load.
	Sender string `json:"sender,omitempty"`
}

// Marshal encodes the envelope using the stable JSON encoding used on
// every transport.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes data produced by Marshal into e.
func (e *Envelope) Unmarshal(data []byte) error {
	return json.Unmarshal(data, e)
}
