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
	"testing"
	"time"

	"github.com/sage-x-project/saltcore/cryptocore"
	"github.com/sage-x-project/saltcore/transport"
	"github.com/sage-x-project/saltcore/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublishClient struct {
	ch chan []byte
}

func newFakePublishClient() *fakePublishClient {
	return &fakePublishClient{ch: make(chan []byte, 8)}
}

func (f *fakePublishClient) Subscribe(ctx context.Context, tags ...string) (<-chan []byte, error) {
	return f.ch, nil
}

func (f *fakePublishClient) Close() error {
	close(f.ch)
	return nil
}

type fakeRequestClient struct {
	mu   sync.Mutex
	reqs []transport.Request
	fail int // number of leading calls to fail before succeeding
}

func (f *fakeRequestClient) Do(ctx context.Context, req transport.Request) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.fail > 0 {
		f.fail--
		return nil, assertErr
	}
	return []byte(`{}`), nil
}

func (f *fakeRequestClient) Close() error { return nil }

func (f *fakeRequestClient) all() []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Request(nil), f.reqs...)
}

var assertErr = &fakeErr{}

type fakeErr struct{}

func (*fakeErr) Error() string { return "fake request failure" }

func sealJob(t *testing.T, masterSide *cryptocore.SessionKeyHandle, job wire.JobPayload) []byte {
	t.Helper()
	plain, err := json.Marshal(job)
	require.NoError(t, err)
	sealed, err := masterSide.Seal(plain)
	require.NoError(t, err)
	env := wire.Envelope{Enc: wire.EncAES, Load: sealed, Sender: "master"}
	data, err := env.Marshal()
	require.NoError(t, err)
	return data
}

func newTestEngine(t *testing.T, raw []byte, pub *fakePublishClient, req *fakeRequestClient, cfg Config) *Engine {
	t.Helper()
	reg := NewRegistry()
	RegisterBuiltins(reg)
	auth := func(ctx context.Context) ([]byte, error) { return raw, nil }
	return NewEngine("web01", reg, auth, pub, req, nil, nil, cfg)
}

// fakePin is a fixed MasterKeyPinner, used to test rotation delivery
// without wiring a real auth.FilePinner/TOFUPinner.
type fakePin struct {
	pub []byte
}

func (f fakePin) Get() ([]byte, bool) { return f.pub, len(f.pub) > 0 }

func newTestEngineWithIdentity(t *testing.T, raw []byte, pub *fakePublishClient, req *fakeRequestClient, key *cryptocore.KeyPair, pin MasterKeyPinner, cfg Config) *Engine {
	t.Helper()
	reg := NewRegistry()
	RegisterBuiltins(reg)
	auth := func(ctx context.Context) ([]byte, error) { return raw, nil }
	return NewEngine("web01", reg, auth, pub, req, key, pin, cfg)
}

func TestEngineExecutesJobAndSendsReturn(t *testing.T) {
	raw, err := cryptocore.NewSessionKey()
	require.NoError(t, err)
	masterSide, err := cryptocore.NewSessionKeyHandle(raw, true)
	require.NoError(t, err)

	pub := newFakePublishClient()
	reqClient := &fakeRequestClient{}
	engine := newTestEngine(t, raw, pub, reqClient, Config{BeatInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	pub.ch <- sealJob(t, masterSide, wire.JobPayload{JID: "20260731000000000000abcd1234", Function: "test.ping"})

	require.Eventually(t, func() bool {
		return len(reqClient.all()) >= 1
	}, time.Second, 10*time.Millisecond)

	reqs := reqClient.all()
	var env wire.Envelope
	require.NoError(t, env.Unmarshal(reqs[0].Payload))
	assert.Equal(t, wire.EncAES, env.Enc)

	// The master-side handle's "in" direction matches the minion's "out",
	// so decrypt the return with masterSide.
	plain, err := masterSide.Open(env.Load)
	require.NoError(t, err)

	var ret wire.ReturnPayload
	require.NoError(t, json.Unmarshal(plain, &ret))
	assert.True(t, ret.Success)

	cancel()
	<-done
}

func TestEngineInstallsRotatedSessionKeyAfterVerifying(t *testing.T) {
	minionKey, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)
	masterKey, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)
	masterPub, err := masterKey.MarshalPublicPEM()
	require.NoError(t, err)

	raw, err := cryptocore.NewSessionKey()
	require.NoError(t, err)

	pub := newFakePublishClient()
	reqClient := &fakeRequestClient{}
	engine := newTestEngineWithIdentity(t, raw, pub, reqClient, minionKey, fakePin{pub: masterPub}, Config{BeatInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	newRaw, err := cryptocore.NewSessionKey()
	require.NoError(t, err)
	wrapped, err := cryptocore.EncryptSessionKey(minionKey.PublicKey(), newRaw)
	require.NoError(t, err)
	sig, err := masterKey.Sign(wrapped)
	require.NoError(t, err)

	rotatePayload, err := json.Marshal(wire.RotatePayload{WrappedKey: wrapped, KeySignature: sig})
	require.NoError(t, err)
	env := wire.Envelope{Enc: wire.EncPub, Load: rotatePayload, Sender: "master"}
	envBytes, err := env.Marshal()
	require.NoError(t, err)
	pub.ch <- envBytes

	// Once the rotated key is installed, a job sealed under the NEW key
	// must be the one the engine can open; the old masterSide handle
	// (still sealing with the stale key) should no longer be understood.
	newMasterSide, err := cryptocore.NewSessionKeyHandle(newRaw, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pub.ch <- sealJob(t, newMasterSide, wire.JobPayload{JID: "20260731000000000000rotated1", Function: "test.ping"})
		time.Sleep(5 * time.Millisecond)
		return len(reqClient.all()) >= 1
	}, time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func TestEngineDropsBroadcastJobThatDoesNotMatchSelf(t *testing.T) {
	raw, err := cryptocore.NewSessionKey()
	require.NoError(t, err)
	masterSide, err := cryptocore.NewSessionKeyHandle(raw, true)
	require.NoError(t, err)

	pub := newFakePublishClient()
	reqClient := &fakeRequestClient{}
	engine := newTestEngine(t, raw, pub, reqClient, Config{
		BeatInterval: time.Hour,
		Grains:       map[string]string{"os": "linux"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	pub.ch <- sealJob(t, masterSide, wire.JobPayload{
		JID: "20260731000000000000abcd1234", Function: "test.ping",
		TargetExpr: "os:windows", TargetKind: "grain",
	})

	// Give the engine a moment to process; it should never reply because
	// the job doesn't match this minion's own grains.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, reqClient.all())

	cancel()
	<-done
}

func TestEngineRunsBroadcastJobThatMatchesSelf(t *testing.T) {
	raw, err := cryptocore.NewSessionKey()
	require.NoError(t, err)
	masterSide, err := cryptocore.NewSessionKeyHandle(raw, true)
	require.NoError(t, err)

	pub := newFakePublishClient()
	reqClient := &fakeRequestClient{}
	engine := newTestEngine(t, raw, pub, reqClient, Config{
		BeatInterval: time.Hour,
		Grains:       map[string]string{"os": "linux"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	pub.ch <- sealJob(t, masterSide, wire.JobPayload{
		JID: "20260731000000000000abcd5678", Function: "test.ping",
		TargetExpr: "os:linux", TargetKind: "grain",
	})

	require.Eventually(t, func() bool {
		return len(reqClient.all()) >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestEngineUnknownFunctionReturnsFailure(t *testing.T) {
	raw, err := cryptocore.NewSessionKey()
	require.NoError(t, err)
	masterSide, err := cryptocore.NewSessionKeyHandle(raw, true)
	require.NoError(t, err)

	pub := newFakePublishClient()
	reqClient := &fakeRequestClient{}
	engine := newTestEngine(t, raw, pub, reqClient, Config{BeatInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	pub.ch <- sealJob(t, masterSide, wire.JobPayload{JID: "jid-unknown-fn", Function: "nope.nope"})

	require.Eventually(t, func() bool {
		return len(reqClient.all()) >= 1
	}, time.Second, 10*time.Millisecond)

	reqs := reqClient.all()
	var env wire.Envelope
	require.NoError(t, env.Unmarshal(reqs[0].Payload))
	plain, err := masterSide.Open(env.Load)
	require.NoError(t, err)

	var ret wire.ReturnPayload
	require.NoError(t, json.Unmarshal(plain, &ret))
	assert.False(t, ret.Success)
}

func TestEngineSendsPeriodicBeat(t *testing.T) {
	raw, err := cryptocore.NewSessionKey()
	require.NoError(t, err)

	pub := newFakePublishClient()
	reqClient := &fakeRequestClient{}
	engine := newTestEngine(t, raw, pub, reqClient, Config{BeatInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	require.Eventually(t, func() bool {
		return engine.Collector().GetSnapshot().BeatsSent >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestEngineCancelJobStopsExecution(t *testing.T) {
	raw, err := cryptocore.NewSessionKey()
	require.NoError(t, err)
	masterSide, err := cryptocore.NewSessionKeyHandle(raw, true)
	require.NoError(t, err)

	pub := newFakePublishClient()
	reqClient := &fakeRequestClient{}
	engine := newTestEngine(t, raw, pub, reqClient, Config{BeatInterval: time.Hour, Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	arg, err := json.Marshal([]float64{10})
	require.NoError(t, err)
	jid := "jid-long-sleep"
	pub.ch <- sealJob(t, masterSide, wire.JobPayload{JID: jid, Function: "test.sleep", Arg: arg})

	require.Eventually(t, func() bool {
		return engine.CancelJob(jid)
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	require.Eventually(t, func() bool {
		return len(reqClient.all()) >= 1
	}, time.Second, 10*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
}
