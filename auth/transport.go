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
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sage-x-project/saltcore/errs"
	"github.com/sage-x-project/saltcore/transport"
	"github.com/sage-x-project/saltcore/wire"
)

// NewSubmitter wraps a request-channel client into a Submitter, framing
// every SubmitRequest/SubmitReply as a clear-encoded wire.Envelope since
// the auth handshake itself is what establishes the encryption the rest
// of the request channel later relies on.
func NewSubmitter(client transport.RequestClient) Submitter {
	return func(ctx context.Context, req SubmitRequest) (*SubmitReply, error) {
		load, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}

		env := wire.Envelope{Enc: wire.EncClear, Load: load}
		envBytes, err := env.Marshal()
		if err != nil {
			return nil, err
		}

		respBytes, err := client.Do(ctx, transport.Request{CorrelationID: uuid.NewString(), Payload: envBytes})
		if err != nil {
			return nil, err
		}

		var respEnv wire.Envelope
		if err := respEnv.Unmarshal(respBytes); err != nil {
			return nil, errs.Wrap(errs.CodeProtocolViolation, "decode auth reply envelope", err)
		}

		var reply SubmitReply
		if err := json.Unmarshal(respEnv.Load, &reply); err != nil {
			return nil, errs.Wrap(errs.CodeProtocolViolation, "decode auth reply", err)
		}
		return &reply, nil
	}
}
