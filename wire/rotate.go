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

// RotatePayload is the clear Load of an EncPub envelope pushed on the
// publish channel when the Master rotates a minion's session key outside
// the normal handshake. WrappedKey is the new session key, RSA-OAEP
// encrypted under the minion's own public key; KeySignature is the
// Master's RSA-PSS signature over WrappedKey, verified against the
// minion's pinned master key before the new key is installed.
type RotatePayload struct {
	WrappedKey   []byte `json:"wrapped_key"`
	KeySignature []byte `json:"key_signature"`
}
