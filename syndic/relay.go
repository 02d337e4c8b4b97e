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

// Package syndic composes a minion-side upstream connection with a
// master-side downstream fan-out into a relay: jobs arriving from the
// upstream Master are re-published to every downstream Minion verbatim
// (the same JID, never a freshly allocated one), and the downstream
// returns are aggregated into one composite return forwarded upstream.
// It mirrors the teacher's pattern of composing several subsystems behind
// a single façade (core/core.go, pkg/agent/core/core.go), generalized
// from "crypto+DID+verification" to "upstream link+downstream fan-out".
package syndic

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sage-x-project/saltcore/cryptocore"
	"github.com/sage-x-project/saltcore/dispatch"
	"github.com/sage-x-project/saltcore/errs"
	"github.com/sage-x-project/saltcore/internal/metrics"
	"github.com/sage-x-project/saltcore/minion"
	"github.com/sage-x-project/saltcore/target"
	"github.com/sage-x-project/saltcore/transport"
	"github.com/sage-x-project/saltcore/wire"
)

// DefaultGatherTimeout bounds how long the relay waits for every
// downstream minion to return before forwarding a partial composite
// upstream, matching dispatch.DefaultGatherTimeout.
const DefaultGatherTimeout = 10 * time.Second

// relayJob tracks one in-flight upstream job being fanned out downstream.
type relayJob struct {
	expected map[string]bool
	results  map[string]wire.ReturnPayload
	timer    *time.Timer
}

// Relay is a syndic: it authenticates upstream as a single minion, and
// serves downstream minions as a master.
type Relay struct {
	id string

	upstreamAuth    minion.Authenticator
	upstreamPublish transport.PublishClient
	upstreamRequest transport.RequestClient

	downstreamKeys   *dispatch.KeyRegistry
	downstreamTarget target.Inventory
	downstreamPub    transport.PublishServer

	gatherTimeout time.Duration

	upstreamKeyMu sync.RWMutex
	upstreamKey   *cryptocore.SessionKeyHandle

	jobsMu sync.Mutex
	jobs   map[string]*relayJob
}

// New creates a Relay identified as id to its upstream Master, relaying
// onto downstreamTarget's minions via downstreamPub and tracking their
// session keys in downstreamKeys.
func New(id string, upstreamAuth minion.Authenticator, upstreamPublish transport.PublishClient, upstreamRequest transport.RequestClient, downstreamKeys *dispatch.KeyRegistry, downstreamTarget target.Inventory, downstreamPub transport.PublishServer, gatherTimeout time.Duration) *Relay {
	if gatherTimeout <= 0 {
		gatherTimeout = DefaultGatherTimeout
	}
	return &Relay{
		id:               id,
		upstreamAuth:     upstreamAuth,
		upstreamPublish:  upstreamPublish,
		upstreamRequest:  upstreamRequest,
		downstreamKeys:   downstreamKeys,
		downstreamTarget: downstreamTarget,
		downstreamPub:    downstreamPub,
		gatherTimeout:    gatherTimeout,
		jobs:             make(map[string]*relayJob),
	}
}

// Run authenticates upstream and relays jobs until ctx is cancelled or
// the upstream publish subscription closes.
func (r *Relay) Run(ctx context.Context) error {
	raw, err := r.upstreamAuth(ctx)
	if err != nil {
		return err
	}

	handle, err := cryptocore.NewSessionKeyHandle(raw, false)
	if err != nil {
		return err
	}
	r.setUpstreamKey(handle)

	messages, err := r.upstreamPublish.Subscribe(ctx, r.id, transport.BroadcastTag)
	if err != nil {
		return err
	}

	for {
		select {
		case payload, ok := <-messages:
			if !ok {
				return errs.New(errs.CodeDisconnected, "upstream publish subscription closed")
			}
			r.relayDown(ctx, payload)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Relay) setUpstreamKey(h *cryptocore.SessionKeyHandle) {
	r.upstreamKeyMu.Lock()
	defer r.upstreamKeyMu.Unlock()
	r.upstreamKey = h
}

func (r *Relay) getUpstreamKey() *cryptocore.SessionKeyHandle {
	r.upstreamKeyMu.RLock()
	defer r.upstreamKeyMu.RUnlock()
	return r.upstreamKey
}

// relayDown decrypts a job published upstream and fans it out verbatim to
// every downstream minion with a live session key, tracking expected
// returns under the job's original JID.
func (r *Relay) relayDown(ctx context.Context, payload []byte) {
	var env wire.Envelope
	if err := env.Unmarshal(payload); err != nil {
		return
	}

	handle := r.getUpstreamKey()
	if handle == nil {
		return
	}
	plain, err := handle.Open(env.Load)
	if err != nil {
		return
	}

	var job wire.JobPayload
	if err := json.Unmarshal(plain, &job); err != nil {
		return
	}

	expected := make(map[string]bool)
	for _, m := range r.downstreamTarget.All() {
		downKey, ok := r.downstreamKeys.Get(m.ID)
		if !ok {
			continue
		}
		if err := r.publishDown(ctx, downKey, m.ID, job); err != nil {
			metrics.JobDeliveryFailures.WithLabelValues("publish_error").Inc()
			continue
		}
		expected[m.ID] = true
	}

	if len(expected) == 0 {
		return
	}

	rj := &relayJob{expected: expected, results: make(map[string]wire.ReturnPayload)}
	r.jobsMu.Lock()
	r.jobs[job.JID] = rj
	rj.timer = time.AfterFunc(r.gatherTimeout, func() { r.closeJob(ctx, job.JID) })
	r.jobsMu.Unlock()
}

func (r *Relay) publishDown(ctx context.Context, handle *cryptocore.SessionKeyHandle, minionID string, job wire.JobPayload) error {
	plain, err := json.Marshal(job)
	if err != nil {
		return err
	}
	sealed, err := handle.Seal(plain)
	if err != nil {
		return err
	}
	env := wire.Envelope{Enc: wire.EncAES, Load: sealed, Sender: "master"}
	envBytes, err := env.Marshal()
	if err != nil {
		return err
	}
	return r.downstreamPub.Publish(ctx, transport.PublishMessage{Tag: minionID, Payload: envBytes})
}

// HandleDownstreamReturn is the RequestHandler a syndic's downstream
// RequestServer invokes for every return sent up by a downstream minion.
func (r *Relay) HandleDownstreamReturn(ctx context.Context, req transport.Request) ([]byte, error) {
	var env wire.Envelope
	if err := env.Unmarshal(req.Payload); err != nil {
		return nil, errs.Wrap(errs.CodeProtocolViolation, "decode return envelope", err)
	}

	handle, ok := r.downstreamKeys.Get(env.Sender)
	if !ok {
		return nil, errs.New(errs.CodeUnknownSender, "no session key for "+env.Sender)
	}
	plain, err := handle.Open(env.Load)
	if err != nil {
		return nil, errs.Wrap(errs.CodeUndecryptable, "open return", err)
	}

	var ret wire.ReturnPayload
	if err := json.Unmarshal(plain, &ret); err != nil {
		return nil, errs.Wrap(errs.CodeProtocolViolation, "decode return payload", err)
	}

	r.jobsMu.Lock()
	rj, ok := r.jobs[ret.JID]
	if !ok {
		r.jobsMu.Unlock()
		return nil, errs.New(errs.CodeJobNotFound, "jid "+ret.JID+" not tracked by syndic")
	}
	if !rj.expected[env.Sender] {
		r.jobsMu.Unlock()
		return nil, errs.New(errs.CodeInvalidTarget, env.Sender+" was not targeted for "+ret.JID)
	}
	rj.results[env.Sender] = ret
	done := len(rj.results) >= len(rj.expected)
	r.jobsMu.Unlock()

	if done {
		r.closeJob(ctx, ret.JID)
	}

	return json.Marshal(map[string]bool{"ok": true})
}

// closeJob forwards whatever composite has accumulated for jid upstream
// (complete or partial, on timeout) and stops tracking it.
func (r *Relay) closeJob(ctx context.Context, jid string) {
	r.jobsMu.Lock()
	rj, ok := r.jobs[jid]
	if !ok {
		r.jobsMu.Unlock()
		return
	}
	delete(r.jobs, jid)
	if rj.timer != nil {
		rj.timer.Stop()
	}
	results := rj.results
	r.jobsMu.Unlock()

	r.forwardUp(ctx, jid, results)
}

// compositeResult is the shape forwarded upstream as a single Return's
// Result field: one sub-result per downstream minion that answered.
type compositeResult struct {
	Success bool                      `json:"success"`
	Minions map[string]wire.ReturnPayload `json:"minions"`
}

func (r *Relay) forwardUp(ctx context.Context, jid string, results map[string]wire.ReturnPayload) {
	handle := r.getUpstreamKey()
	if handle == nil {
		return
	}

	allSucceeded := len(results) > 0
	for _, ret := range results {
		if !ret.Success {
			allSucceeded = false
			break
		}
	}

	composite, err := json.Marshal(compositeResult{Success: allSucceeded, Minions: results})
	if err != nil {
		return
	}

	payload, err := json.Marshal(wire.ReturnPayload{JID: jid, Success: allSucceeded, Result: composite})
	if err != nil {
		return
	}
	sealed, err := handle.Seal(payload)
	if err != nil {
		return
	}
	env := wire.Envelope{Enc: wire.EncAES, Load: sealed, Sender: r.id}
	envBytes, err := env.Marshal()
	if err != nil {
		return
	}

	_, _ = r.upstreamRequest.Do(ctx, transport.Request{CorrelationID: jid, Payload: envBytes})
}
