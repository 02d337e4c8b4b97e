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
	"testing"
	"time"

	"github.com/sage-x-project/saltcore/cryptocore"
	"github.com/sage-x-project/saltcore/keystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *cryptocore.KeyPair) {
	t.Helper()
	masterKey, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)
	store, err := keystore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	s := NewServer(masterKey, store, nil)
	t.Cleanup(s.Close)
	return s, masterKey
}

func TestFirstSubmitReturnsPending(t *testing.T) {
	s, _ := newTestServer(t)
	minionKey, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)
	pub, err := minionKey.MarshalPublicPEM()
	require.NoError(t, err)

	reply, err := s.Submit(context.Background(), SubmitRequest{Cmd: "_auth", ID: "web01", Pub: pub, Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, ResultPending, reply.Ret)
	assert.NotEmpty(t, reply.Nonce)
}

func TestAcceptedMinionReceivesSessionKey(t *testing.T) {
	s, masterKey := newTestServer(t)
	minionKey, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)
	pub, err := minionKey.MarshalPublicPEM()
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), SubmitRequest{Cmd: "_auth", ID: "web01", Pub: pub})
	require.NoError(t, err)
	_, err = s.store.Accept("web01")
	require.NoError(t, err)

	reply, err := s.Submit(context.Background(), SubmitRequest{Cmd: "_auth", ID: "web01", Pub: pub})
	require.NoError(t, err)
	require.Equal(t, ResultAccepted, reply.Ret)

	masterPub := masterKey.PublicKey()
	require.NoError(t, cryptocore.Verify(masterPub, reply.WrappedKey, reply.KeySignature))

	raw, err := minionKey.DecryptSessionKey(reply.WrappedKey)
	require.NoError(t, err)
	assert.Len(t, raw, cryptocore.SessionKeySize)
}

func TestConcurrentSubmitsForAcceptedMinionCoalesceToOneSessionKey(t *testing.T) {
	s, masterKey := newTestServer(t)
	minionKey, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)
	pub, err := minionKey.MarshalPublicPEM()
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), SubmitRequest{Cmd: "_auth", ID: "web01", Pub: pub})
	require.NoError(t, err)
	_, err = s.store.Accept("web01")
	require.NoError(t, err)

	const callers = 8
	results := make(chan *SubmitReply, callers)
	for i := 0; i < callers; i++ {
		go func() {
			reply, err := s.Submit(context.Background(), SubmitRequest{Cmd: "_auth", ID: "web01", Pub: pub})
			require.NoError(t, err)
			results <- reply
		}()
	}

	first := <-results
	masterPub := masterKey.PublicKey()
	require.NoError(t, cryptocore.Verify(masterPub, first.WrappedKey, first.KeySignature))
	for i := 1; i < callers; i++ {
		reply := <-results
		assert.Equal(t, first.WrappedKey, reply.WrappedKey, "all concurrent submits must share the one key minted for this handshake")
		assert.Equal(t, first.KeySignature, reply.KeySignature)
	}
}

func TestRejectedMinionGetsFull(t *testing.T) {
	s, _ := newTestServer(t)
	minionKey, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)
	pub, err := minionKey.MarshalPublicPEM()
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), SubmitRequest{Cmd: "_auth", ID: "web01", Pub: pub})
	require.NoError(t, err)
	_, err = s.store.Reject("web01")
	require.NoError(t, err)

	reply, err := s.Submit(context.Background(), SubmitRequest{Cmd: "_auth", ID: "web01", Pub: pub})
	require.NoError(t, err)
	assert.Equal(t, ResultFull, reply.Ret)
}

func TestKeyMismatchOnAcceptedTriggersDenied(t *testing.T) {
	s, _ := newTestServer(t)
	minionKey, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)
	pub, err := minionKey.MarshalPublicPEM()
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), SubmitRequest{Cmd: "_auth", ID: "web01", Pub: pub})
	require.NoError(t, err)
	_, err = s.store.Accept("web01")
	require.NoError(t, err)

	otherKey, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)
	otherPub, err := otherKey.MarshalPublicPEM()
	require.NoError(t, err)

	reply, err := s.Submit(context.Background(), SubmitRequest{Cmd: "_auth", ID: "web01", Pub: otherPub})
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, reply.Ret)

	rec, ok := s.store.Get("web01")
	require.True(t, ok)
	assert.Equal(t, keystore.StateDenied, rec.State)
}

func TestClientAuthenticateRetriesThenAccepts(t *testing.T) {
	s, _ := newTestServer(t)
	minionKey, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)

	calls := 0
	submit := func(ctx context.Context, req SubmitRequest) (*SubmitReply, error) {
		calls++
		reply, err := s.Submit(ctx, req)
		if err == nil && reply.Ret == ResultPending && calls == 1 {
			_, _ = s.store.Accept(req.ID)
		}
		return reply, err
	}

	client := NewClient("web01", minionKey, submit, &TOFUPinner{})
	client.minBackoff = time.Millisecond
	client.capBackoff = 2 * time.Millisecond

	raw, err := client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Len(t, raw, cryptocore.SessionKeySize)
	assert.GreaterOrEqual(t, calls, 2)
}

func TestClientAuthenticateDeniedDoesNotRetry(t *testing.T) {
	minionKey, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)

	calls := 0
	submit := func(ctx context.Context, req SubmitRequest) (*SubmitReply, error) {
		calls++
		return &SubmitReply{Ret: ResultDenied}, nil
	}

	client := NewClient("web01", minionKey, submit, &TOFUPinner{})
	_, err = client.Authenticate(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestAcceptedReplyCarriesMasterPubForPinning(t *testing.T) {
	s, masterKey := newTestServer(t)
	minionKey, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)
	pub, err := minionKey.MarshalPublicPEM()
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), SubmitRequest{Cmd: "_auth", ID: "web01", Pub: pub})
	require.NoError(t, err)
	_, err = s.store.Accept("web01")
	require.NoError(t, err)

	reply, err := s.Submit(context.Background(), SubmitRequest{Cmd: "_auth", ID: "web01", Pub: pub})
	require.NoError(t, err)

	wantPub, err := masterKey.MarshalPublicPEM()
	require.NoError(t, err)
	assert.Equal(t, wantPub, reply.MasterPub)
}

func TestClientPinsMasterKeyOnFirstSuccessAndRejectsASwap(t *testing.T) {
	s, _ := newTestServer(t)
	minionKey, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)

	submit := func(ctx context.Context, req SubmitRequest) (*SubmitReply, error) {
		reply, err := s.Submit(ctx, req)
		if err == nil && reply.Ret == ResultPending {
			_, _ = s.store.Accept(req.ID)
		}
		return reply, err
	}

	pin := &TOFUPinner{}
	client := NewClient("web01", minionKey, submit, pin)
	client.minBackoff = time.Millisecond
	client.capBackoff = 2 * time.Millisecond

	raw, err := client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Len(t, raw, cryptocore.SessionKeySize)

	pinned, ok := pin.Get()
	require.True(t, ok)
	assert.NotEmpty(t, pinned)

	// A reply signed by a different master key must now be rejected.
	impostor, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)
	impostorServer := NewServer(impostor, s.store, nil)
	defer impostorServer.Close()

	badSubmit := func(ctx context.Context, req SubmitRequest) (*SubmitReply, error) {
		return impostorServer.Submit(ctx, req)
	}
	impostorClient := NewClient("web01", minionKey, badSubmit, pin)
	_, err = impostorClient.Authenticate(context.Background())
	assert.Error(t, err)
}
