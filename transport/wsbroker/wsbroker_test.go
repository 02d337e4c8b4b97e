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

package wsbroker

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sage-x-project/saltcore/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestPublishFanOutRespectsTagsAndBroadcast(t *testing.T) {
	srv := NewPublishServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewPublishClient(wsURL(ts))
	ch, err := client.Subscribe(ctx, "web01")
	require.NoError(t, err)
	defer client.Close()

	other := NewPublishClient(wsURL(ts))
	otherCh, err := other.Subscribe(ctx, "web02")
	require.NoError(t, err)
	defer other.Close()

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, srv.Publish(ctx, transport.PublishMessage{Tag: "web01", Payload: []byte("job-for-web01")}))

	select {
	case payload := <-ch:
		assert.Equal(t, []byte("job-for-web01"), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish delivery")
	}

	select {
	case payload := <-otherCh:
		t.Fatalf("web02 should not have received web01's message: %v", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestRoundTrip(t *testing.T) {
	srv := NewRequestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Serve(ctx, func(ctx context.Context, req transport.Request) ([]byte, error) {
		return append([]byte("echo:"), req.Payload...), nil
	})
	time.Sleep(50 * time.Millisecond)

	client, err := DialRequest(ctx, wsURL(ts))
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Do(ctx, transport.Request{CorrelationID: "1", Payload: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:hello"), resp)
}
