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
	"testing"
	"time"

	"github.com/sage-x-project/saltcore/auth"
	"github.com/sage-x-project/saltcore/cryptocore"
	"github.com/sage-x-project/saltcore/dispatch"
	"github.com/sage-x-project/saltcore/keystore"
	"github.com/sage-x-project/saltcore/transport"
	"github.com/sage-x-project/saltcore/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownstreamHandlerRoutesAuthSubmitAndReturn(t *testing.T) {
	downKey, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)
	store, err := keystore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	downstreamAuth := auth.NewServer(downKey, store, nil)
	downstreamKeys := dispatch.NewKeyRegistry()
	downstreamAuth.OnSessionKey(func(minionID string, raw []byte) {
		handle, err := cryptocore.NewSessionKeyHandle(raw, true)
		require.NoError(t, err)
		downstreamKeys.Set(minionID, handle)
	})

	inv := NewInventory()
	relay := New("syndic01", func(ctx context.Context) ([]byte, error) { return nil, nil },
		&fakePublishClient{ch: make(chan []byte)}, &fakeRequestClient{}, downstreamKeys, inv,
		&fakePublishServer{}, time.Minute)

	handler := relay.DownstreamHandler(downstreamAuth)

	minionKey, err := cryptocore.GenerateKeyPair(2048)
	require.NoError(t, err)
	client := auth.NewClient("web01", minionKey, auth.NewSubmitter(&loopbackHandlerClient{handler: handler}), &auth.TOFUPinner{})

	pendingCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Authenticate(pendingCtx)
	assert.Error(t, err)

	_, err = store.Accept("web01")
	require.NoError(t, err)

	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	raw, err := client.Authenticate(ctx)
	require.NoError(t, err)
	assert.Len(t, raw, cryptocore.SessionKeySize)

	_, ok := downstreamKeys.Get("web01")
	assert.True(t, ok)
}

func TestDownstreamHandlerRejectsUnknownEnvelope(t *testing.T) {
	inv := NewInventory()
	relay := New("syndic01", func(ctx context.Context) ([]byte, error) { return nil, nil },
		&fakePublishClient{ch: make(chan []byte)}, &fakeRequestClient{}, dispatch.NewKeyRegistry(), inv,
		&fakePublishServer{}, time.Minute)
	handler := relay.DownstreamHandler(nil)

	env := wire.Envelope{Enc: "bogus"}
	envBytes, err := env.Marshal()
	require.NoError(t, err)

	_, err = handler(context.Background(), transport.Request{Payload: envBytes})
	assert.Error(t, err)
}

// loopbackHandlerClient routes Do calls straight into a transport.RequestHandler.
type loopbackHandlerClient struct {
	handler transport.RequestHandler
}

func (l *loopbackHandlerClient) Do(ctx context.Context, req transport.Request) ([]byte, error) {
	return l.handler(ctx, req)
}
func (l *loopbackHandlerClient) Close() error { return nil }
