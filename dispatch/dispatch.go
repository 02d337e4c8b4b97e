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

// Package dispatch implements the master-side job dispatcher: it resolves
// a target expression to a minion set, allocates a JID, publishes the job
// sealed per-minion on the publish channel, and collects returns off the
// request channel into the job cache until every expected minion has
// answered or the gather timeout elapses.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/sage-x-project/saltcore/errs"
	"github.com/sage-x-project/saltcore/eventbus"
	"github.com/sage-x-project/saltcore/internal/metrics"
	"github.com/sage-x-project/saltcore/jobcache"
	"github.com/sage-x-project/saltcore/target"
	"github.com/sage-x-project/saltcore/transport"
	"github.com/sage-x-project/saltcore/wire"
)

// numShards bounds the in-flight job tracking table's lock contention:
// each JID hashes to one of numShards independently-locked shards.
const numShards = 16

// DefaultGatherTimeout is how long a job waits for returns before it is
// force-closed with jobcache.CloseTimeout, matching the documented default
// for gather_job_timeout. A configured master always supplies its own
// value from config.MasterConfig.GatherTimeout; this only applies when a
// Dispatcher is constructed directly with a zero timeout.
const DefaultGatherTimeout = 10 * time.Second

// Request describes one job to dispatch.
type Request struct {
	Function   string
	Arg        []byte // JSON-encoded positional args
	Kwarg      []byte // JSON-encoded keyword args
	TargetExpr string
	TargetKind target.Kind
	User       string
}

type trackedJob struct {
	expected map[string]bool
	received map[string]bool
	timer    *time.Timer
	start    time.Time
}

type shard struct {
	mu   sync.Mutex
	jobs map[string]*trackedJob
}

// Dispatcher fans jobs out to targeted minions and collects their returns.
type Dispatcher struct {
	returner    jobcache.Returner
	bus         *eventbus.Bus
	publisher   transport.PublishServer
	targets     *target.Registry
	sessionKeys SessionKeys

	gatherTimeout time.Duration
	now           func() time.Time

	shards [numShards]*shard
}

// New creates a Dispatcher. now defaults to time.Now if nil (tests may
// override it for deterministic JIDs).
func New(returner jobcache.Returner, bus *eventbus.Bus, publisher transport.PublishServer, targets *target.Registry, sessionKeys SessionKeys, gatherTimeout time.Duration, now func() time.Time) *Dispatcher {
	if gatherTimeout <= 0 {
		gatherTimeout = DefaultGatherTimeout
	}
	if now == nil {
		now = time.Now
	}
	d := &Dispatcher{
		returner:      returner,
		bus:           bus,
		publisher:     publisher,
		targets:       targets,
		sessionKeys:   sessionKeys,
		gatherTimeout: gatherTimeout,
		now:           now,
	}
	for i := range d.shards {
		d.shards[i] = &shard{jobs: make(map[string]*trackedJob)}
	}
	return d
}

func shardIndex(jid string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jid))
	return int(h.Sum32() % numShards)
}

func (d *Dispatcher) shardFor(jid string) *shard {
	return d.shards[shardIndex(jid)]
}

// Dispatch resolves req's target, allocates a JID, persists the job, and
// publishes it (sealed per-minion) to every minion the dispatcher
// currently holds a live session key for. Minions matched by the target
// but without an established session key are recorded as expected but
// never receive the job; their slot is satisfied only by a late return
// or, more commonly, never, and the job closes on timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, inv target.Inventory) (*jobcache.Job, error) {
	var minions []string
	if target.ServerSideFilterable(req.TargetKind) {
		matched, err := d.targets.Resolve(req.TargetKind, req.TargetExpr, inv)
		if err != nil {
			return nil, errs.Wrap(errs.CodeInvalidTarget, "resolve target", err)
		}
		minions = make([]string, 0, len(matched))
		for id, ok := range matched {
			if ok {
				minions = append(minions, id)
			}
		}
	} else {
		// Grain/pillar/IP-CIDR matching depends on inventory data the
		// Master may not have populated for every minion yet; degrade to
		// broadcasting to every known minion and let each re-evaluate
		// the expression against its own current data.
		all := inv.All()
		minions = make([]string, 0, len(all))
		for _, m := range all {
			minions = append(minions, m.ID)
		}
	}
	sort.Strings(minions)

	now := d.now()
	jid, err := allocateJID(ctx, d.returner, d.now)
	if err != nil {
		return nil, err
	}

	job := &jobcache.Job{
		JID:             jid,
		Function:        req.Function,
		Arg:             req.Arg,
		Kwarg:           req.Kwarg,
		Target:          req.TargetExpr,
		TargetType:      string(req.TargetKind),
		User:            req.User,
		ExpectedMinions: minions,
		Status:          jobcache.StatusCollecting,
		CreatedAt:       now,
	}

	if len(minions) == 0 {
		job.Status = jobcache.StatusClosed
		job.CloseReason = jobcache.CloseEmptyTarget
		job.ClosedAt = now
		if err := d.returner.SaveLoad(ctx, job); err != nil {
			return nil, err
		}
		metrics.JobsAnnounced.WithLabelValues(string(req.TargetKind)).Inc()
		metrics.JobsClosed.WithLabelValues(string(jobcache.CloseEmptyTarget)).Inc()
		return job, nil
	}

	if err := d.returner.SaveLoad(ctx, job); err != nil {
		return nil, err
	}

	tracked := &trackedJob{
		expected: toSet(minions),
		received: make(map[string]bool, len(minions)),
		start:    now,
	}
	sh := d.shardFor(jid)
	sh.mu.Lock()
	sh.jobs[jid] = tracked
	sh.mu.Unlock()

	tracked.timer = time.AfterFunc(d.gatherTimeout, func() {
		d.closeJob(context.Background(), jid, jobcache.CloseTimeout)
	})

	metrics.JobsAnnounced.WithLabelValues(string(req.TargetKind)).Inc()
	metrics.JobsCollecting.Inc()
	d.bus.Publish(fmt.Sprintf("salt/job/%s/new", jid), map[string]any{"fun": req.Function, "minions": minions})

	for _, minionID := range minions {
		if err := d.publishTo(ctx, minionID, jid, req); err != nil {
			reason := "publish_error"
			if code, ok := errs.CodeOf(err); ok && code == errs.CodeUnknownSender {
				reason = "no_session_key"
			}
			metrics.JobDeliveryFailures.WithLabelValues(reason).Inc()
		}
	}

	return job, nil
}

func (d *Dispatcher) publishTo(ctx context.Context, minionID, jid string, req Request) error {
	handle, ok := d.sessionKeys.Get(minionID)
	if !ok {
		return errs.New(errs.CodeUnknownSender, "no live session key for minion").WithDetails("minion_id", minionID)
	}

	jobPayload := wire.JobPayload{JID: jid, Function: req.Function, Arg: req.Arg, Kwarg: req.Kwarg}
	if !target.ServerSideFilterable(req.TargetKind) {
		jobPayload.TargetExpr = req.TargetExpr
		jobPayload.TargetKind = string(req.TargetKind)
	}
	payload, err := json.Marshal(jobPayload)
	if err != nil {
		return fmt.Errorf("dispatch: marshal job payload: %w", err)
	}

	sealed, err := handle.Seal(payload)
	if err != nil {
		return err
	}

	env := wire.Envelope{Enc: wire.EncAES, Load: sealed, Sender: "master"}
	envBytes, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("dispatch: marshal envelope: %w", err)
	}

	return d.publisher.Publish(ctx, transport.PublishMessage{Tag: minionID, Payload: envBytes})
}

// HandleReturn is a transport.RequestHandler that unseals a minion's
// return, validates it against the job's expected set, records it in the
// job cache, and closes the job once every expected minion has answered.
func (d *Dispatcher) HandleReturn(ctx context.Context, req transport.Request) ([]byte, error) {
	var env wire.Envelope
	if err := env.Unmarshal(req.Payload); err != nil {
		metrics.ReturnsReceived.WithLabelValues("unknown_jid").Inc()
		return nil, errs.Wrap(errs.CodeProtocolViolation, "unmarshal envelope", err)
	}

	handle, ok := d.sessionKeys.Get(env.Sender)
	if !ok {
		metrics.ReturnsReceived.WithLabelValues("auth_failed").Inc()
		return nil, errs.New(errs.CodeUnknownSender, "no live session key for minion").WithDetails("minion_id", env.Sender)
	}

	plain, err := handle.Open(env.Load)
	if err != nil {
		metrics.ReturnsReceived.WithLabelValues("auth_failed").Inc()
		return nil, errs.Wrap(errs.CodeUndecryptable, "open return payload", err)
	}

	var rp wire.ReturnPayload
	if err := json.Unmarshal(plain, &rp); err != nil {
		return nil, errs.Wrap(errs.CodeProtocolViolation, "unmarshal return payload", err)
	}

	sh := d.shardFor(rp.JID)
	sh.mu.Lock()
	tracked, known := sh.jobs[rp.JID]
	late := false
	if known {
		if !tracked.expected[env.Sender] {
			sh.mu.Unlock()
			metrics.ReturnsReceived.WithLabelValues("unknown_jid").Inc()
			return nil, errs.New(errs.CodeJobNotFound, "minion not targeted by job").WithDetails("jid", rp.JID).WithDetails("minion_id", env.Sender)
		}
		late = tracked.received[env.Sender]
		tracked.received[env.Sender] = true
		allIn := len(tracked.received) >= len(tracked.expected)
		sh.mu.Unlock()
		if allIn {
			d.closeJob(ctx, rp.JID, jobcache.CloseAllReturned)
		}
	} else {
		sh.mu.Unlock()
		late = true
	}

	status := "accepted"
	if late {
		status = "late"
	}
	metrics.ReturnsReceived.WithLabelValues(status).Inc()

	if err := d.returner.SaveReturn(ctx, &jobcache.Return{
		JID:        rp.JID,
		MinionID:   env.Sender,
		Success:    rp.Success,
		Result:     rp.Result,
		ReceivedAt: time.Now(),
		Late:       late,
	}); err != nil {
		return nil, err
	}

	d.bus.Publish(fmt.Sprintf("salt/job/%s/ret/%s", rp.JID, env.Sender), map[string]any{"success": rp.Success})

	return []byte(`{"ack":true}`), nil
}

func (d *Dispatcher) closeJob(ctx context.Context, jid string, reason jobcache.CloseReason) {
	sh := d.shardFor(jid)
	sh.mu.Lock()
	tracked, known := sh.jobs[jid]
	if !known {
		sh.mu.Unlock()
		return
	}
	delete(sh.jobs, jid)
	sh.mu.Unlock()

	if tracked.timer != nil {
		tracked.timer.Stop()
	}

	closedAt := time.Now()
	if err := d.returner.CloseJob(ctx, jid, reason, closedAt); err != nil {
		return
	}

	metrics.JobsCollecting.Dec()
	metrics.JobsClosed.WithLabelValues(string(reason)).Inc()
	metrics.GatherDuration.Observe(closedAt.Sub(tracked.start).Seconds())
	d.bus.Publish(fmt.Sprintf("salt/job/%s/close", jid), map[string]any{"reason": string(reason)})
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
