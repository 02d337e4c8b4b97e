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

package minion

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sage-x-project/saltcore/cryptocore"
	"github.com/sage-x-project/saltcore/errs"
	"github.com/sage-x-project/saltcore/internal/logger"
	"github.com/sage-x-project/saltcore/internal/metrics"
	"github.com/sage-x-project/saltcore/target"
	"github.com/sage-x-project/saltcore/transport"
	"github.com/sage-x-project/saltcore/wire"
)

// DefaultBeatInterval is how often a minion tells the master it is alive
// when it has no job returns to piggyback the signal on.
const DefaultBeatInterval = 60 * time.Second

// DefaultReturnMaxAttempts bounds how many times the engine retries
// delivering one job's return before dropping it and logging the loss.
const DefaultReturnMaxAttempts = 5

// Authenticator runs the auth handshake to completion and returns the raw
// AES-256 session key, implemented by auth.Client.Authenticate.
type Authenticator func(ctx context.Context) ([]byte, error)

// MasterKeyPinner supplies the minion's pinned master public key (PEM).
// auth.TOFUPinner and auth.FilePinner both satisfy this; an Engine shares
// the same pin the auth.Client used to complete the handshake, so a
// rotation delivery and the original handshake verify against one trust
// anchor.
type MasterKeyPinner interface {
	Get() (pub []byte, ok bool)
}

// Engine is the minion-side job execution loop: it authenticates, listens
// for dispatched jobs on the publish channel, runs them in a bounded
// worker pool, and reports results back over the request channel.
type Engine struct {
	minionID      string
	functions     *Registry
	pool          *Pool
	collector     *metrics.MinionCollector
	beatInterval  time.Duration
	returnRetries int

	authenticate  Authenticator
	publishClient transport.PublishClient
	requestClient transport.RequestClient

	key *cryptocore.KeyPair
	pin MasterKeyPinner

	targets *target.Registry
	self    target.Minion

	keyMu      sync.RWMutex
	sessionKey *cryptocore.SessionKeyHandle

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// Config bundles an Engine's tunables; zero values take the documented
// defaults. Grains and Pillar are the minion's own static data, consulted
// only when a dispatched job carries a TargetExpr/TargetKind (the
// dispatcher degraded to a broadcast because it could not resolve a
// grain/pillar/IP-CIDR target server-side).
type Config struct {
	Workers       int
	QueueCapacity int
	BeatInterval  time.Duration
	ReturnRetries int
	Grains        map[string]string
	Pillar        map[string]string
	IPs           []string
}

// selfInventory is a target.Inventory of exactly one minion: the engine
// itself. It lets the engine re-run the same matchers the master uses,
// against data only the minion itself is guaranteed to have current.
type selfInventory struct {
	self target.Minion
}

func (i selfInventory) All() []target.Minion { return []target.Minion{i.self} }
func (selfInventory) Nodegroup(string) (string, bool) { return "", false }

// NewEngine creates an Engine for minionID, using authenticate to obtain
// the session key and publishClient/requestClient for the two channels.
// key and pin may be nil, in which case the engine can still run jobs but
// drops any rotation delivery it receives (it has no private key to
// unwrap the new session key against).
func NewEngine(minionID string, functions *Registry, authenticate Authenticator, publishClient transport.PublishClient, requestClient transport.RequestClient, key *cryptocore.KeyPair, pin MasterKeyPinner, cfg Config) *Engine {
	beatInterval := cfg.BeatInterval
	if beatInterval <= 0 {
		beatInterval = DefaultBeatInterval
	}
	retries := cfg.ReturnRetries
	if retries <= 0 {
		retries = DefaultReturnMaxAttempts
	}

	return &Engine{
		minionID:      minionID,
		functions:     functions,
		pool:          NewPool(cfg.Workers, cfg.QueueCapacity),
		collector:     metrics.NewMinionCollector(),
		beatInterval:  beatInterval,
		returnRetries: retries,
		authenticate:  authenticate,
		publishClient: publishClient,
		requestClient: requestClient,
		key:           key,
		pin:           pin,
		targets:       target.NewRegistry(),
		self:          target.Minion{ID: minionID, Grains: cfg.Grains, Pillar: cfg.Pillar, IPs: cfg.IPs},
		cancels:       make(map[string]context.CancelFunc),
	}
}

// Collector exposes the engine's local stats collector.
func (e *Engine) Collector() *metrics.MinionCollector { return e.collector }

func (e *Engine) setSessionKey(h *cryptocore.SessionKeyHandle) {
	e.keyMu.Lock()
	defer e.keyMu.Unlock()
	e.sessionKey = h
}

func (e *Engine) getSessionKey() *cryptocore.SessionKeyHandle {
	e.keyMu.RLock()
	defer e.keyMu.RUnlock()
	return e.sessionKey
}

// Run authenticates, subscribes to the publish channel, and processes
// dispatched jobs until ctx is cancelled or the publish subscription
// closes (the caller is expected to reconnect and call Run again, per
// the transport's own backoff policy).
func (e *Engine) Run(ctx context.Context) error {
	raw, err := e.authenticate(ctx)
	if err != nil {
		return err
	}

	handle, err := cryptocore.NewSessionKeyHandle(raw, false)
	if err != nil {
		return err
	}
	e.setSessionKey(handle)

	messages, err := e.publishClient.Subscribe(ctx, e.minionID, transport.BroadcastTag)
	if err != nil {
		return err
	}

	beatCtx, cancelBeat := context.WithCancel(ctx)
	defer cancelBeat()
	go e.beatLoop(beatCtx)

	for {
		select {
		case payload, ok := <-messages:
			if !ok {
				return errs.New(errs.CodeDisconnected, "publish subscription closed")
			}
			e.handleEnvelope(ctx, payload)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the worker pool, abandoning any queued-but-not-started
// jobs.
func (e *Engine) Close() {
	e.pool.Close()
}

func (e *Engine) handleEnvelope(ctx context.Context, payload []byte) {
	var env wire.Envelope
	if err := env.Unmarshal(payload); err != nil {
		return
	}

	if env.Enc == wire.EncPub {
		e.handleRotation(env.Load)
		return
	}

	handle := e.getSessionKey()
	if handle == nil {
		return
	}

	plain, err := handle.Open(env.Load)
	if err != nil {
		// AEAD failure on the publish channel means our session key is
		// stale relative to the master's; re-authentication is driven
		// by the caller's reconnect loop noticing Run returned an error
		// on the next request-channel round trip, not from here.
		return
	}

	var job wire.JobPayload
	if err := json.Unmarshal(plain, &job); err != nil {
		return
	}

	if job.TargetExpr != "" && !e.matchesSelf(job) {
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.cancels[job.JID] = cancel
	e.cancelMu.Unlock()

	e.pool.Submit(job.JID, func() {
		defer func() {
			e.cancelMu.Lock()
			delete(e.cancels, job.JID)
			e.cancelMu.Unlock()
			cancel()
		}()
		e.execute(jobCtx, job)
	})
}

// CancelJob cancels a currently running or queued job's context, polled
// at the checkpoints each Function chooses to check. It reports whether a
// cancel function was found.
func (e *Engine) CancelJob(jid string) bool {
	e.cancelMu.Lock()
	cancel, ok := e.cancels[jid]
	e.cancelMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// matchesSelf re-evaluates a broadcast job's target expression against
// the engine's own grains/pillar/IPs, the minion-side half of the
// degrade-to-broadcast fallback: the dispatcher sends the job to every
// minion it knows about rather than trusting a possibly-stale server-side
// grain/pillar/IP-CIDR match, and each minion decides for itself whether
// to actually run it. An unknown matcher kind or a bad expression fails
// closed (the job is dropped) rather than running somewhere it shouldn't.
func (e *Engine) matchesSelf(job wire.JobPayload) bool {
	matched, err := e.targets.Resolve(target.Kind(job.TargetKind), job.TargetExpr, selfInventory{self: e.self})
	if err != nil {
		return false
	}
	return matched[e.minionID]
}

// handleRotation installs a session key the Master pushed outside the
// normal handshake (cryptocore.Rotator), verifying it against the pinned
// master key before trusting it. A missing pin, a bad signature, or a
// private key this engine wasn't given all drop the delivery silently;
// the minion keeps using its current key until it fails to authenticate
// and re-runs the handshake.
func (e *Engine) handleRotation(load []byte) {
	if e.key == nil || e.pin == nil {
		return
	}

	var rp wire.RotatePayload
	if err := json.Unmarshal(load, &rp); err != nil {
		return
	}

	pinned, ok := e.pin.Get()
	if !ok {
		return
	}
	masterPub, err := cryptocore.ParsePublicPEM(pinned)
	if err != nil {
		return
	}
	if err := cryptocore.Verify(masterPub, rp.WrappedKey, rp.KeySignature); err != nil {
		return
	}

	raw, err := e.key.DecryptSessionKey(rp.WrappedKey)
	if err != nil {
		return
	}

	handle, err := cryptocore.NewSessionKeyHandle(raw, false)
	if err != nil {
		return
	}
	e.setSessionKey(handle)
}

func (e *Engine) execute(ctx context.Context, job wire.JobPayload) {
	start := time.Now()

	fn, ok := e.functions.Lookup(job.Function)
	if !ok {
		e.collector.RecordJob(false, time.Since(start))
		e.sendReturn(ctx, job.JID, false, nil)
		return
	}

	result, err := fn(ctx, Arguments{Arg: job.Arg, Kwarg: job.Kwarg})
	success := err == nil
	e.collector.RecordJob(success, time.Since(start))
	e.sendReturn(ctx, job.JID, success, result)
}

func (e *Engine) sendReturn(ctx context.Context, jid string, success bool, result []byte) {
	handle := e.getSessionKey()
	if handle == nil {
		return
	}

	payload, err := json.Marshal(wire.ReturnPayload{JID: jid, Success: success, Result: result})
	if err != nil {
		return
	}

	sealed, err := handle.Seal(payload)
	if err != nil {
		return
	}

	env := wire.Envelope{Enc: wire.EncAES, Load: sealed, Sender: e.minionID}
	envBytes, err := env.Marshal()
	if err != nil {
		return
	}

	backoff := transport.NewBackoff()
	for attempt := 0; attempt < e.returnRetries; attempt++ {
		start := time.Now()
		_, err := e.requestClient.Do(ctx, transport.Request{CorrelationID: jid, Payload: envBytes})
		e.collector.RecordReturn(err == nil, time.Since(start))
		if err == nil {
			return
		}

		select {
		case <-time.After(backoff.Next()):
		case <-ctx.Done():
			return
		}
	}
	// Exhausted retries: the return is dropped. The master's gather
	// timeout will close the job without this minion's answer.
	logger.ErrorMsg("job return dropped after exhausting retries",
		logger.String("jid", jid), logger.Int("attempts", e.returnRetries))
}

func (e *Engine) beatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.beatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sendBeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) sendBeat(ctx context.Context) {
	handle := e.getSessionKey()
	if handle == nil {
		return
	}

	payload, err := json.Marshal(wire.BeatPayload{MinionID: e.minionID})
	if err != nil {
		return
	}
	sealed, err := handle.Seal(payload)
	if err != nil {
		return
	}
	env := wire.Envelope{Enc: wire.EncAES, Load: sealed, Sender: e.minionID}
	envBytes, err := env.Marshal()
	if err != nil {
		return
	}

	if _, err := e.requestClient.Do(ctx, transport.Request{CorrelationID: uuid.NewString(), Payload: envBytes}); err == nil {
		e.collector.RecordBeat()
	}
}
