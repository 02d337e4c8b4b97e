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
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sage-x-project/saltcore/errs"
	"github.com/sage-x-project/saltcore/transport"
)

// PublishServer is the master side of the publish channel, exposed as an
// http.Handler subscribers connect to by upgrading to a websocket.
type PublishServer struct {
	mu   sync.RWMutex
	subs map[*websocket.Conn][]string
}

var _ transport.PublishServer = (*PublishServer)(nil)

// NewPublishServer creates an empty PublishServer.
func NewPublishServer() *PublishServer {
	return &PublishServer{subs: make(map[*websocket.Conn][]string)}
}

// Handler returns the http.Handler subscribers upgrade against.
func (s *PublishServer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, fmt.Sprintf("websocket upgrade failed: %v", err), http.StatusBadRequest)
			return
		}
		s.handleSubscriber(conn)
	})
}

func (s *PublishServer) handleSubscriber(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))
	var sub subscribeFrame
	if err := conn.ReadJSON(&sub); err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.subs[conn] = sub.Tags
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish fans msg out to every subscriber whose announced tags include
// msg.Tag, or to every subscriber when msg.Tag is BroadcastTag. Delivery
// is best-effort.
func (s *PublishServer) Publish(ctx context.Context, msg transport.PublishMessage) error {
	s.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(s.subs))
	for conn, tags := range s.subs {
		if tagMatches(msg.Tag, tags) {
			targets = append(targets, conn)
		}
	}
	s.mu.RUnlock()

	frame := publishFrame{Tag: msg.Tag, Payload: msg.Payload}
	for _, conn := range targets {
		conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
		_ = conn.WriteJSON(frame)
	}
	return nil
}

// Close closes every tracked subscriber connection.
func (s *PublishServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.subs {
		conn.Close()
	}
	s.subs = make(map[*websocket.Conn][]string)
	return nil
}

// PublishClient is the minion side of the publish channel, dialing a
// PublishServer's websocket endpoint.
type PublishClient struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ transport.PublishClient = (*PublishClient)(nil)

// NewPublishClient creates a client that will dial url on Subscribe.
func NewPublishClient(url string) *PublishClient {
	return &PublishClient{url: url}
}

// Subscribe dials the publish server, announces tags, and returns a
// channel of delivered payloads, closed when the connection drops.
func (c *PublishClient) Subscribe(ctx context.Context, tags ...string) (<-chan []byte, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, errs.Wrap(errs.CodeDisconnected, fmt.Sprintf("websocket dial failed (HTTP %d)", status), err)
	}

	if err := conn.WriteJSON(subscribeFrame{Tags: tags}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wsbroker: send subscribe frame: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for {
			var pf publishFrame
			if err := conn.ReadJSON(&pf); err != nil {
				return
			}
			select {
			case out <- pf.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close closes the current subscriber connection, if any.
func (c *PublishClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
