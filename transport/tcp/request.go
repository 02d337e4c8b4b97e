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

package tcp

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/sage-x-project/saltcore/errs"
	"github.com/sage-x-project/saltcore/transport"
)

// requestFrame and replyFrame are the JSON wire structs exchanged on the
// request channel, carrying the correlation ID alongside the opaque
// application payload.
type requestFrame struct {
	CorrelationID string `json:"correlation_id"`
	Payload       []byte `json:"payload"`
}

type replyFrame struct {
	CorrelationID string `json:"correlation_id"`
	Payload       []byte `json:"payload"`
	Error         string `json:"error,omitempty"`
}

// RequestServer is the master side of the request channel over raw TCP:
// one persistent connection per minion, requests served strictly in order
// on that connection.
type RequestServer struct {
	listener net.Listener
	wg       sync.WaitGroup
}

var _ transport.RequestServer = (*RequestServer)(nil)

// ListenRequest starts a RequestServer accepting minion connections on addr.
func ListenRequest(addr string, tlsConfig *tls.Config) (*RequestServer, error) {
	var l net.Listener
	var err error
	if tlsConfig != nil {
		l, err = tls.Listen("tcp", addr, tlsConfig)
	} else {
		l, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeDisconnected, "listen "+addr, err)
	}
	return &RequestServer{listener: l}, nil
}

// Serve accepts connections and serves requests on each with handler until
// ctx is cancelled or the listener is closed.
func (s *RequestServer) Serve(ctx context.Context, handler transport.RequestHandler) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return errs.Wrap(errs.CodeDisconnected, "accept", err)
		}
		s.wg.Add(1)
		go s.serveConn(ctx, newFrameConn(conn), handler)
	}
}

func (s *RequestServer) serveConn(ctx context.Context, fc *frameConn, handler transport.RequestHandler) {
	defer s.wg.Done()
	defer fc.Close()

	for {
		raw, err := fc.readFrame()
		if err != nil {
			return
		}
		var reqf requestFrame
		if err := json.Unmarshal(raw, &reqf); err != nil {
			continue
		}

		resp, herr := handler(ctx, transport.Request{CorrelationID: reqf.CorrelationID, Payload: reqf.Payload})
		rf := replyFrame{CorrelationID: reqf.CorrelationID, Payload: resp}
		if herr != nil {
			rf.Error = herr.Error()
		}
		out, err := json.Marshal(rf)
		if err != nil {
			continue
		}
		if err := fc.writeFrame(out); err != nil {
			return
		}
	}
}

// Close closes the listener, unblocking Serve.
func (s *RequestServer) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// RequestClient is the minion side of the request channel: a single
// persistent connection on which at most one request is outstanding at a
// time, per spec.md's "a request may not be sent until the prior reply
// arrives on the same logical stream".
type RequestClient struct {
	mu   sync.Mutex
	conn *frameConn
}

var _ transport.RequestClient = (*RequestClient)(nil)

// DialRequest opens the persistent connection a RequestClient will issue
// requests on.
func DialRequest(ctx context.Context, addr string, tlsConfig *tls.Config) (*RequestClient, error) {
	conn, err := Dial(ctx, addr, tlsConfig)
	if err != nil {
		return nil, err
	}
	return &RequestClient{conn: newFrameConn(conn)}, nil
}

// Do sends req and blocks for its reply. Only one Do call may be in flight
// at a time; concurrent callers serialize through the mutex, matching the
// one-outstanding-request-per-stream invariant.
func (c *RequestClient) Do(ctx context.Context, req transport.Request) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, errs.New(errs.CodeDisconnected, "request client has no connection")
	}

	out, err := json.Marshal(requestFrame{CorrelationID: req.CorrelationID, Payload: req.Payload})
	if err != nil {
		return nil, fmt.Errorf("tcp: marshal request frame: %w", err)
	}
	if err := c.conn.writeFrame(out); err != nil {
		return nil, err
	}

	raw, err := c.conn.readFrame()
	if err != nil {
		return nil, err
	}
	var rf replyFrame
	if err := json.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("tcp: unmarshal reply frame: %w", err)
	}
	if rf.Error != "" {
		return nil, fmt.Errorf("tcp: request failed: %s", rf.Error)
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
	return c.conn.Close()
}
