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

// Package wsbroker implements the transport interfaces as a
// gorilla/websocket-backed broker, equivalent to a ZMQ PUB/SUB + REQ/REP
// pairing, for deployments that prefer an HTTP-upgradeable transport over
// raw TCP.
package wsbroker

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// BroadcastTag is the subscription tag every subscriber implicitly
// receives regardless of its own tags.
const BroadcastTag = "*"

// subscribeFrame is the first message a publish subscriber sends after the
// websocket upgrade, announcing which tags it wants delivered.
type subscribeFrame struct {
	Tags []string `json:"tags"`
}

// publishFrame wraps one published payload with its unencrypted routing
// hint.
type publishFrame struct {
	Tag     string `json:"tag"`
	Payload []byte `json:"payload"`
}

// requestFrame and replyFrame are the JSON wire structs exchanged on the
// request channel, mirroring the teacher's wireMessage/wireResponse shape.
type requestFrame struct {
	CorrelationID string `json:"correlation_id"`
	Payload       []byte `json:"payload"`
}

type replyFrame struct {
	CorrelationID string `json:"correlation_id"`
	Payload       []byte `json:"payload"`
	Error         string `json:"error,omitempty"`
}

func tagMatches(tag string, subscribed []string) bool {
	for _, t := range subscribed {
		if t == tag || tag == BroadcastTag {
			return true
		}
	}
	return false
}
