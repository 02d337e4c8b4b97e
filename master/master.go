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

// Package master composes the auth handshake, the session-key registry,
// the live minion inventory, and the job dispatcher behind a single
// façade a daemon's request-channel handler calls into — the same
// composition pattern the teacher uses in core/core.go and
// pkg/agent/core/core.go to wire crypto, DID, and verification together.
package master

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sage-x-project/saltcore/auth"
	"github.com/sage-x-project/saltcore/cryptocore"
	"github.com/sage-x-project/saltcore/dispatch"
	"github.com/sage-x-project/saltcore/errs"
	"github.com/sage-x-project/saltcore/eventbus"
	"github.com/sage-x-project/saltcore/jobcache"
	"github.com/sage-x-project/saltcore/keystore"
	"github.com/sage-x-project/saltcore/target"
	"github.com/sage-x-project/saltcore/transport"
	"github.com/sage-x-project/saltcore/wire"
)

// Master is a complete master process's in-process state: it answers
// every inbound request-channel message, routing auth submissions to the
// handshake and job returns to the dispatcher, and exposes Dispatch for
// the CLI/API layer to publish new jobs.
type Master struct {
	key        *cryptocore.KeyPair
	keystore   *keystore.Store
	authServer *auth.Server
	keys       *dispatch.KeyRegistry
	inventory  *inventory
	targets    *target.Registry
	dispatcher *dispatch.Dispatcher
	publisher  transport.PublishServer
	rotator    *cryptocore.Rotator
	bus        *eventbus.Bus
	requestSrv transport.RequestServer
	opSecret   string
	returner   jobcache.Returner
	runners    *RunnerRegistry
}

// Config bundles a Master's dependencies; GatherTimeout defaults to
// dispatch.DefaultGatherTimeout when zero.
type Config struct {
	Key           *cryptocore.KeyPair
	Keystore      *keystore.Store
	Returner      jobcache.Returner
	Bus           *eventbus.Bus
	PublishServer transport.PublishServer
	RequestServer transport.RequestServer
	GatherTimeout time.Duration
	// OperatorSecret authenticates local salt CLI requests carried in an
	// EncOperator envelope. Empty disables the operator channel.
	OperatorSecret string
}

// New wires a Master from cfg, registering the session-key installation
// hook so an accepted handshake immediately becomes a dispatch target.
func New(cfg Config) *Master {
	inv := newInventory()
	keys := dispatch.NewKeyRegistry()
	targets := target.NewRegistry()
	authServer := auth.NewServer(cfg.Key, cfg.Keystore, nil)
	dispatcher := dispatch.New(cfg.Returner, cfg.Bus, cfg.PublishServer, targets, keys, cfg.GatherTimeout, nil)

	runners := NewRunnerRegistry()
	RegisterBuiltinRunners(runners)

	m := &Master{
		key:        cfg.Key,
		keystore:   cfg.Keystore,
		authServer: authServer,
		keys:       keys,
		inventory:  inv,
		targets:    targets,
		dispatcher: dispatcher,
		publisher:  cfg.PublishServer,
		rotator:    cryptocore.NewRotator(),
		bus:        cfg.Bus,
		requestSrv: cfg.RequestServer,
		opSecret:   cfg.OperatorSecret,
		returner:   cfg.Returner,
		runners:    runners,
	}

	authServer.OnSessionKey(m.installSessionKey)
	return m
}

func (m *Master) installSessionKey(minionID string, raw []byte) {
	handle, err := cryptocore.NewSessionKeyHandle(raw, true)
	if err != nil {
		return
	}
	m.keys.Set(minionID, handle)
	m.inventory.Upsert(target.Minion{ID: minionID})
}

// RotateSessionKey mints a fresh session key for minionID, installs it as
// the only key the master will accept from that minion from this instant
// on (the previous key is dropped from the registry, satisfying "at any
// instant exactly one session key is valid"), and pushes the new key to
// the minion on the publish channel, wrapped under its pinned public key
// and signed the same way the initial handshake is. cause is recorded on
// the reauth_triggers_total metric (e.g. "manual", "scheduled").
func (m *Master) RotateSessionKey(ctx context.Context, minionID, cause string) error {
	rec, ok := m.keystore.Get(minionID)
	if !ok || rec.State != keystore.StateAccepted {
		return errs.New(errs.CodeUnknownSender, "no accepted minion with that id").WithDetails("minion_id", minionID)
	}

	pub, err := cryptocore.ParsePublicPEM(rec.PubKeyPEM)
	if err != nil {
		return err
	}

	var sig []byte
	handle, wrapped, err := m.rotator.Rotate(minionID, func(raw []byte) ([]byte, error) {
		wrapped, s, derr := m.authServer.DeliverKeyFor(pub, raw)
		sig = s
		return wrapped, derr
	}, cause)
	if err != nil {
		return err
	}
	m.keys.Set(minionID, handle)

	load, err := json.Marshal(wire.RotatePayload{WrappedKey: wrapped, KeySignature: sig})
	if err != nil {
		return err
	}
	env := wire.Envelope{Enc: wire.EncPub, Load: load, Sender: "master"}
	envBytes, err := env.Marshal()
	if err != nil {
		return err
	}

	return m.publisher.Publish(ctx, transport.PublishMessage{Tag: minionID, Payload: envBytes})
}

// SetNodegroup defines a named target group, read from configuration.
func (m *Master) SetNodegroup(name, expr string) {
	m.inventory.SetNodegroup(name, expr)
}

// Dispatch resolves req's target against the live inventory and publishes
// a new job.
func (m *Master) Dispatch(ctx context.Context, req dispatch.Request) (*jobcache.Job, error) {
	return m.dispatcher.Dispatch(ctx, req, m.inventory)
}

// Serve runs the request-channel server until ctx is cancelled.
func (m *Master) Serve(ctx context.Context) error {
	return m.requestSrv.Serve(ctx, m.HandleRequest)
}

// HandleRequest is the transport.RequestHandler for every inbound
// request-channel message: a clear envelope is an auth submission, an aes
// envelope is a job return.
func (m *Master) HandleRequest(ctx context.Context, req transport.Request) ([]byte, error) {
	var env wire.Envelope
	if err := env.Unmarshal(req.Payload); err != nil {
		return nil, errs.Wrap(errs.CodeProtocolViolation, "decode request envelope", err)
	}

	switch env.Enc {
	case wire.EncClear:
		return m.handleAuthSubmit(ctx, env.Load)
	case wire.EncAES:
		return m.dispatcher.HandleReturn(ctx, req)
	case wire.EncOperator:
		return m.handleOperatorRequest(ctx, env.Load)
	default:
		return nil, errs.New(errs.CodeProtocolViolation, "unsupported envelope encoding: "+string(env.Enc))
	}
}

// handleOperatorRequest answers a local salt CLI's job submission, trusted
// by possession of the master's operator secret rather than a minion-style
// handshake.
func (m *Master) handleOperatorRequest(ctx context.Context, load []byte) ([]byte, error) {
	var opReq wire.OperatorRequest
	if err := json.Unmarshal(load, &opReq); err != nil {
		return nil, errs.Wrap(errs.CodeProtocolViolation, "decode operator request", err)
	}

	reply := wire.OperatorReply{}
	if m.opSecret == "" || opReq.Secret != m.opSecret {
		reply.Error = "operator secret mismatch"
		return marshalOperatorReply(reply)
	}

	switch opReq.Action {
	case wire.OperatorPublish:
		job, err := m.Dispatch(ctx, dispatch.Request{
			Function:   opReq.Function,
			Arg:        opReq.Arg,
			Kwarg:      opReq.Kwarg,
			TargetExpr: opReq.TargetExpr,
			TargetKind: target.Kind(opReq.TargetKind),
			User:       opReq.User,
		})
		if err != nil {
			reply.Error = err.Error()
			return marshalOperatorReply(reply)
		}
		reply.OK = true
		reply.JID = job.JID
		return marshalOperatorReply(reply)
	case wire.OperatorRun:
		runner, ok := m.runners.Lookup(opReq.Function)
		if !ok {
			reply.Error = "unknown runner: " + opReq.Function
			return marshalOperatorReply(reply)
		}
		result, err := runner(ctx, m, opReq.Arg)
		if err != nil {
			reply.Error = err.Error()
			return marshalOperatorReply(reply)
		}
		resultJSON, err := json.Marshal(result)
		if err != nil {
			reply.Error = err.Error()
			return marshalOperatorReply(reply)
		}
		reply.OK = true
		reply.Result = resultJSON
		return marshalOperatorReply(reply)
	default:
		reply.Error = "unknown operator action: " + string(opReq.Action)
		return marshalOperatorReply(reply)
	}
}

func marshalOperatorReply(reply wire.OperatorReply) ([]byte, error) {
	load, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	env := wire.Envelope{Enc: wire.EncOperator, Load: load}
	return env.Marshal()
}

func (m *Master) handleAuthSubmit(ctx context.Context, load []byte) ([]byte, error) {
	var submitReq auth.SubmitRequest
	if err := json.Unmarshal(load, &submitReq); err != nil {
		return nil, errs.Wrap(errs.CodeProtocolViolation, "decode auth submit request", err)
	}

	reply, err := m.authServer.Submit(ctx, submitReq)
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
