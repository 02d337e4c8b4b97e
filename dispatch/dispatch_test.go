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

package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sage-x-project/saltcore/cryptocore"
	"github.com/sage-x-project/saltcore/eventbus"
	"github.com/sage-x-project/saltcore/jobcache"
	"github.com/sage-x-project/saltcore/jobcache/memstore"
	"github.com/sage-x-project/saltcore/target"
	"github.com/sage-x-project/saltcore/transport"
	"github.com/sage-x-project/saltcore/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInventory struct {
	minions []target.Minion
}

func (f fakeInventory) All() []target.Minion { return f.minions }
func (fakeInventory) Nodegroup(string) (string, bool) { return "", false }

type fakePublisher struct {
	mu   sync.Mutex
	msgs []transport.PublishMessage
}

func (f *fakePublisher) Publish(ctx context.Context, msg transport.PublishMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) byTag(tag string) (transport.PublishMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.Tag == tag {
			return m, true
		}
	}
	return transport.PublishMessage{}, false
}

// minionHandles mints a raw session key and both sides' AEAD handles, as
// the auth handshake would after an accepted minion.
func minionHandles(t *testing.T) (masterSide, minionSide *cryptocore.SessionKeyHandle) {
	t.Helper()
	raw, err := cryptocore.NewSessionKey()
	require.NoError(t, err)
	masterSide, err = cryptocore.NewSessionKeyHandle(raw, true)
	require.NoError(t, err)
	minionSide, err = cryptocore.NewSessionKeyHandle(raw, false)
	require.NoError(t, err)
	return masterSide, minionSide
}

func newTestDispatcher(t *testing.T, gatherTimeout time.Duration) (*Dispatcher, *jobcache.Returner, *fakePublisher, *KeyRegistry) {
	t.Helper()
	store := memstore.New()
	var returner jobcache.Returner = store
	bus := eventbus.New(64)
	pub := &fakePublisher{}
	keys := NewKeyRegistry()
	d := New(returner, bus, pub, target.NewRegistry(), keys, gatherTimeout, nil)
	return d, &returner, pub, keys
}

func TestDispatchEmptyTargetClosesImmediately(t *testing.T) {
	d, returnerPtr, _, _ := newTestDispatcher(t, time.Minute)
	inv := fakeInventory{}

	job, err := d.Dispatch(context.Background(), Request{Function: "test.ping", TargetExpr: "nobody", TargetKind: target.KindList}, inv)
	require.NoError(t, err)
	assert.Equal(t, jobcache.StatusClosed, job.Status)
	assert.Equal(t, jobcache.CloseEmptyTarget, job.CloseReason)

	got, err := (*returnerPtr).GetLoad(context.Background(), job.JID)
	require.NoError(t, err)
	assert.Equal(t, jobcache.StatusClosed, got.Status)
}

func TestDispatchPublishesSealedPerMinion(t *testing.T) {
	d, _, pub, keys := newTestDispatcher(t, time.Minute)
	masterSide, minionSide := minionHandles(t)
	keys.Set("web01", masterSide)

	inv := fakeInventory{minions: []target.Minion{{ID: "web01"}, {ID: "web02"}}}
	job, err := d.Dispatch(context.Background(), Request{Function: "test.ping", TargetExpr: "web01,web02", TargetKind: target.KindList}, inv)
	require.NoError(t, err)
	assert.Equal(t, []string{"web01", "web02"}, job.ExpectedMinions)

	msg, ok := pub.byTag("web01")
	require.True(t, ok, "expected a published message tagged web01")

	var env wire.Envelope
	require.NoError(t, env.Unmarshal(msg.Payload))
	assert.Equal(t, wire.EncAES, env.Enc)

	plain, err := minionSide.Open(env.Load)
	require.NoError(t, err)

	var payload wire.JobPayload
	require.NoError(t, json.Unmarshal(plain, &payload))
	assert.Equal(t, "test.ping", payload.Function)
	assert.Equal(t, job.JID, payload.JID)

	// web02 has no live session key, so it was never actually published.
	_, ok = pub.byTag("web02")
	assert.False(t, ok)
}

func TestDispatchGrainTargetBroadcastsAndCarriesExpr(t *testing.T) {
	d, _, pub, keys := newTestDispatcher(t, time.Minute)
	masterSide, minionSide := minionHandles(t)
	keys.Set("web01", masterSide)

	// The inventory has no grain data cached for web01 at all; a
	// server-side grain match would wrongly exclude it. Every known
	// minion must still receive the job so it can self-filter.
	inv := fakeInventory{minions: []target.Minion{{ID: "web01"}}}
	job, err := d.Dispatch(context.Background(), Request{Function: "test.ping", TargetExpr: "os:linux", TargetKind: target.KindGrain}, inv)
	require.NoError(t, err)
	assert.Equal(t, []string{"web01"}, job.ExpectedMinions)

	msg, ok := pub.byTag("web01")
	require.True(t, ok)

	var env wire.Envelope
	require.NoError(t, env.Unmarshal(msg.Payload))
	plain, err := minionSide.Open(env.Load)
	require.NoError(t, err)

	var payload wire.JobPayload
	require.NoError(t, json.Unmarshal(plain, &payload))
	assert.Equal(t, "os:linux", payload.TargetExpr)
	assert.Equal(t, string(target.KindGrain), payload.TargetKind)
}

func TestHandleReturnClosesJobOnceAllReturned(t *testing.T) {
	d, returnerPtr, _, keys := newTestDispatcher(t, time.Minute)
	web01Master, web01Minion := minionHandles(t)
	keys.Set("web01", web01Master)

	inv := fakeInventory{minions: []target.Minion{{ID: "web01"}}}
	job, err := d.Dispatch(context.Background(), Request{Function: "test.ping", TargetExpr: "web01", TargetKind: target.KindList}, inv)
	require.NoError(t, err)

	// web01 seals its return with its own (minion-side) handle; the
	// master's matching handle for web01 decrypts it on the other end.
	sealed, err := sealReturnAs(t, web01Minion, "web01", job.JID, true, nil)
	require.NoError(t, err)

	reply, err := d.HandleReturn(context.Background(), transport.Request{Payload: sealed})
	require.NoError(t, err)
	assert.NotEmpty(t, reply)

	got, err := (*returnerPtr).GetLoad(context.Background(), job.JID)
	require.NoError(t, err)
	assert.Equal(t, jobcache.StatusClosed, got.Status)
	assert.Equal(t, jobcache.CloseAllReturned, got.CloseReason)
}

func TestHandleReturnRejectsNonTargetedMinion(t *testing.T) {
	d, _, _, keys := newTestDispatcher(t, time.Minute)
	web01Master, _ := minionHandles(t)
	keys.Set("web01", web01Master)
	otherMaster, otherMinion := minionHandles(t)
	keys.Set("intruder", otherMaster)

	inv := fakeInventory{minions: []target.Minion{{ID: "web01"}}}
	job, err := d.Dispatch(context.Background(), Request{Function: "test.ping", TargetExpr: "web01", TargetKind: target.KindList}, inv)
	require.NoError(t, err)

	sealed, err := sealReturnAs(t, otherMinion, "intruder", job.JID, true, nil)
	require.NoError(t, err)

	_, err = d.HandleReturn(context.Background(), transport.Request{Payload: sealed})
	assert.Error(t, err)
}

func TestDispatchTimeoutClosesJob(t *testing.T) {
	d, returnerPtr, _, keys := newTestDispatcher(t, 50*time.Millisecond)
	web01Master, _ := minionHandles(t)
	keys.Set("web01", web01Master)

	inv := fakeInventory{minions: []target.Minion{{ID: "web01"}}}
	job, err := d.Dispatch(context.Background(), Request{Function: "test.ping", TargetExpr: "web01", TargetKind: target.KindList}, inv)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := (*returnerPtr).GetLoad(context.Background(), job.JID)
		return err == nil && got.Status == jobcache.StatusClosed
	}, time.Second, 10*time.Millisecond)

	got, err := (*returnerPtr).GetLoad(context.Background(), job.JID)
	require.NoError(t, err)
	assert.Equal(t, jobcache.CloseTimeout, got.CloseReason)
}

// sealReturnAs seals a return payload with handle (the minion's own
// session key handle, whose "out" direction the corresponding master-side
// handle opens as "in"), framed in the envelope shape HandleReturn expects.
func sealReturnAs(t *testing.T, handle *cryptocore.SessionKeyHandle, sender, jid string, success bool, result []byte) ([]byte, error) {
	t.Helper()
	payload, err := json.Marshal(wire.ReturnPayload{JID: jid, Success: success, Result: result})
	require.NoError(t, err)

	sealed, err := handle.Seal(payload)
	require.NoError(t, err)

	env := wire.Envelope{Enc: wire.EncAES, Load: sealed, Sender: sender}
	return env.Marshal()
}
