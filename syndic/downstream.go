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

package syndic

import (
	"context"
	"encoding/json"

	"github.com/sage-x-project/saltcore/auth"
	"github.com/sage-x-project/saltcore/errs"
	"github.com/sage-x-project/saltcore/transport"
	"github.com/sage-x-project/saltcore/wire"
)

// DownstreamHandler builds the transport.RequestHandler a syndic's
// downstream RequestServer runs: a clear envelope is a minion's auth
// submission against downstreamAuth, an aes envelope is a job return
// routed to r.HandleDownstreamReturn. It mirrors master.Master's own
// HandleRequest dispatch, since a syndic is a master to everything below
// it.
func (r *Relay) DownstreamHandler(downstreamAuth *auth.Server) transport.RequestHandler {
	return func(ctx context.Context, req transport.Request) ([]byte, error) {
		var env wire.Envelope
		if err := env.Unmarshal(req.Payload); err != nil {
			return nil, errs.Wrap(errs.CodeProtocolViolation, "decode request envelope", err)
		}

		switch env.Enc {
		case wire.EncClear:
			return handleAuthSubmit(ctx, downstreamAuth, env.Load)
		case wire.EncAES:
			return r.HandleDownstreamReturn(ctx, req)
		default:
			return nil, errs.New(errs.CodeProtocolViolation, "unsupported envelope encoding: "+string(env.Enc))
		}
	}
}

func handleAuthSubmit(ctx context.Context, srv *auth.Server, load []byte) ([]byte, error) {
	var submitReq auth.SubmitRequest
	if err := json.Unmarshal(load, &submitReq); err != nil {
		return nil, errs.Wrap(errs.CodeProtocolViolation, "decode auth submit request", err)
	}

	reply, err := srv.Submit(ctx, submitReq)
	if err != nil {
		return nil, err
	}

	replyLoad, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}

	env := wire.Envelope{Enc: wire.EncClear, Load: replyLoad}
	return env.Marshal()
}
