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

// BroadcastTag is the subscription tag every publish client implicitly
// receives regardless of its own tags, matching spec.md's "broadcast tag".
const BroadcastTag = "*"

// subscribeFrame is the first frame a publish client sends after
// connecting, announcing which tags it wants delivered.
type subscribeFrame struct {
	Tags []string `json:"tags"`
}

// publishFrame wraps one published payload with its unencrypted routing
// hint, so a server can filter per-subscriber without touching the
// encrypted load.
type publishFrame struct {
	Tag     string `json:"tag"`
	Payload []byte `json:"payload"`
}

// PublishServer is the master side of the publish channel over raw TCP.
type PublishServer struct {
	listener net.Listener

	mu   sync.RWMutex
	subs map[*frameConn][]string

	wg sync.WaitGroup
}

var _ transport.PublishServer = (*PublishServer)(nil)

// ListenPublish starts a PublishServer accepting subscriber connections on
// addr.
func ListenPublish(addr string, tlsConfig *tls.Config) (*PublishServer, error) {
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

	s := &PublishServer{listener: l, subs: make(map[*frameConn][]string)}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *PublishServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		fc := newFrameConn(conn)
		go s.handleSubscriber(fc)
	}
}

func (s *PublishServer) handleSubscriber(fc *frameConn) {
	raw, err := fc.readFrame()
	if err != nil {
		fc.Close()
		return
	}
	var sub subscribeFrame
	if err := json.Unmarshal(raw, &sub); err != nil {
		fc.Close()
		return
	}

	s.mu.Lock()
	s.subs[fc] = sub.Tags
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, fc)
		s.mu.Unlock()
		fc.Close()
	}()

	// Subscriber connections are write-only from the server's
	// perspective after the initial subscribe frame; block until the
	// connection drops so we notice disconnects and prune the map.
	for {
		if _, err := fc.readFrame(); err != nil {
			return
		}
	}
}

// Publish fans msg out to every subscriber whose announced tags include
// msg.Tag, or to every subscriber when msg.Tag is BroadcastTag.
func (s *PublishServer) Publish(ctx context.Context, msg transport.PublishMessage) error {
	frame, err := json.Marshal(publishFrame{Tag: msg.Tag, Payload: msg.Payload})
	if err != nil {
		return fmt.Errorf("tcp: marshal publish frame: %w", err)
	}

	s.mu.RLock()
	targets := make([]*frameConn, 0, len(s.subs))
	for fc, tags := range s.subs {
		if tagMatches(msg.Tag, tags) {
			targets = append(targets, fc)
		}
	}
	s.mu.RUnlock()

	for _, fc := range targets {
		// Best-effort: a slow or dead subscriber doesn't block the rest.
		_ = fc.writeFrame(frame)
	}
	return nil
}

func tagMatches(tag string, subscribed []string) bool {
	for _, t := range subscribed {
		if t == tag || tag == BroadcastTag {
			return true
		}
	}
	return false
}

// Close closes the listener and all tracked subscriber connections.
func (s *PublishServer) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	for fc := range s.subs {
		fc.Close()
	}
	s.subs = make(map[*frameConn][]string)
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// PublishClient is the minion side of the publish channel over raw TCP. It
// does not reconnect by itself: when the connection drops, the channel
// returned by Subscribe closes, and messages published while disconnected
// are not recovered.
type PublishClient struct {
	addr      string
	tlsConfig *tls.Config

	mu   sync.Mutex
	conn *frameConn
}

var _ transport.PublishClient = (*PublishClient)(nil)

// NewPublishClient creates a client that will dial addr on Subscribe.
func NewPublishClient(addr string, tlsConfig *tls.Config) *PublishClient {
	return &PublishClient{addr: addr, tlsConfig: tlsConfig}
}

// Subscribe dials the publish server, announces tags, and returns a
// channel of delivered payloads. The returned channel is closed when the
// connection drops; callers wanting reconnect-and-resubscribe behavior
// should call Subscribe again after the channel closes.
func (c *PublishClient) Subscribe(ctx context.Context, tags ...string) (<-chan []byte, error) {
	conn, err := Dial(ctx, c.addr, c.tlsConfig)
	if err != nil {
		return nil, err
	}
	fc := newFrameConn(conn)

	sub, err := json.Marshal(subscribeFrame{Tags: tags})
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("tcp: marshal subscribe frame: %w", err)
	}
	if err := fc.writeFrame(sub); err != nil {
		fc.Close()
		return nil, err
	}

	c.mu.Lock()
	c.conn = fc
	c.mu.Unlock()

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for {
			raw, err := fc.readFrame()
			if err != nil {
				return
			}
			var pf publishFrame
			if err := json.Unmarshal(raw, &pf); err != nil {
				continue
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
