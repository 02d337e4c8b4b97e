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

// Package tcp implements the transport interfaces over raw TCP (optionally
// TLS), with 4-byte length-prefixed framing. Clients do not reconnect by
// themselves; a dropped connection ends the subscription or fails the next
// request.
package tcp

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/sage-x-project/saltcore/errs"
	"github.com/sage-x-project/saltcore/transport"
	"github.com/sage-x-project/saltcore/wire"
)

// Dial opens a TCP (or TLS, if tlsConfig is non-nil) connection to addr.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.CodeDisconnected, "dial "+addr, err)
	}
	if tlsConfig != nil {
		tconn := tls.Client(conn, tlsConfig)
		if err := tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errs.Wrap(errs.CodeDisconnected, "tls handshake with "+addr, err)
		}
		return tconn, nil
	}
	return conn, nil
}

// frameConn pairs a net.Conn with the frame encoder/decoder state the wire
// package needs, and serializes writes since multiple goroutines (publish
// fan-out, request replies) may share one connection.
type frameConn struct {
	conn net.Conn
	dec  *wire.Decoder
	mu   sync.Mutex
}

func newFrameConn(conn net.Conn) *frameConn {
	return &frameConn{conn: conn, dec: wire.NewDecoder(conn)}
}

func (f *frameConn) writeFrame(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return wire.WriteFrame(f.conn, payload)
}

func (f *frameConn) readFrame() ([]byte, error) {
	return f.dec.ReadFrame()
}

func (f *frameConn) Close() error {
	return f.conn.Close()
}
