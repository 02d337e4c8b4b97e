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

// RequestServer is the master side of the request channel, exposed as an
// http.Handler minions connect to by upgrading to a websocket.
type RequestServer struct {
	handler transport.RequestHandler

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

var _ transport.RequestServer = (*RequestServer)(nil)

// NewRequestServer creates a RequestServer; Serve installs the handler
// invoked for each inbound request.
func NewRequestServer() *RequestServer {
	return &RequestServer{conns: make(map[*websocket.Conn]struct{})}
}

// Handler returns the http.Handler minions upgrade against. Each upgraded
// connection uses the handler Serve has set at the moment it connects.
func (s *RequestServer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, fmt.Sprintf("websocket upgrade failed: %v", err), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		handler := s.handler
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(r.Context(), conn, handler)
	})
}

func (s *RequestServer) serveConn(ctx context.Context, conn *websocket.Conn, handler transport.RequestHandler) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))
		var reqf requestFrame
		if err := conn.ReadJSON(&reqf); err != nil {
			return
		}

		resp, herr := handler(ctx, transport.Request{CorrelationID: reqf.CorrelationID, Payload: reqf.Payload})
		rf := replyFrame{CorrelationID: reqf.CorrelationID, Payload: resp}
		if herr != nil {
			rf.Error = herr.Error()
		}

		conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
		if err := conn.WriteJSON(rf); err != nil {
			return
		}
	}
}

// Serve stores handler and blocks until ctx is cancelled, closing all
// connections on exit. The HTTP server driving Handler() must be started
// separately by the caller.
func (s *RequestServer) Serve(ctx context.Context, handler transport.RequestHandler) error {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()

	<-ctx.Done()
	return s.Close()
}

// Close closes every tracked connection.
func (s *RequestServer) Close() error {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// RequestClient is the minion side of the request channel: a single
// persistent websocket connection with at most one outstanding request.
type RequestClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ transport.RequestClient = (*RequestClient)(nil)

// DialRequest opens the persistent connection a RequestClient issues
// requests on.
func DialRequest(ctx context.Context, url string) (*RequestClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, errs.Wrap(errs.CodeDisconnected, fmt.Sprintf("websocket dial failed (HTTP %d)", status), err)
	}
	return &RequestClient{conn: conn}, nil
}

// Do sends req and blocks for its reply.
func (c *RequestClient) Do(ctx context.Context, req transport.Request) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, errs.New(errs.CodeDisconnected, "request client has no connection")
	}

	c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := c.conn.WriteJSON(requestFrame{CorrelationID: req.CorrelationID, Payload: req.Payload}); err != nil {
		return nil, fmt.Errorf("wsbroker: send request: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))
	var rf replyFrame
	if err := c.conn.ReadJSON(&rf); err != nil {
		return nil, fmt.Errorf("wsbroker: read reply: %w", err)
	}
	if rf.Error != "" {
		return nil, fmt.Errorf("wsbroker: request failed: %s", rf.Error)
	}
	return rf.Payload, nil
}

// Close closes the underlying connection.
func (c *RequestClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
