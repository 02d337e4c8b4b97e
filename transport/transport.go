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

// Package transport defines the pluggable publish/request channel
// abstractions masters and minions communicate over, independent of the
// concrete wire transport (raw TCP, a websocket-backed broker, ...).
package transport

import "context"

// BroadcastTag is the subscription tag every publish client implicitly
// listens on in addition to its own tags, used for master-wide
// announcements that aren't addressed to one minion.
const BroadcastTag = "*"

// PublishMessage is one fan-out message published by a master and
// delivered best-effort to every subscribed minion connection.
type PublishMessage struct {
	// Tag is an unencrypted routing hint (e.g. a target glob or a
	// MinionID) letting a broker drop the message for minions it knows
	// aren't addressed, without decrypting the envelope.
	Tag     string
	Payload []byte
}

// PublishServer is the master side of the publish channel: one-way,
// fan-out, best-effort, no broker-side retention.
type PublishServer interface {
	// Publish fans msg out to every currently connected subscriber.
	Publish(ctx context.Context, msg PublishMessage) error
	// Close stops accepting new subscribers and closes existing ones.
	Close() error
}

// PublishClient is the minion side of the publish channel.
type PublishClient interface {
	// Subscribe registers interest in messages tagged with any of tags
	// (typically the minion's own ID plus a broadcast tag) and returns a
	// channel of payloads. The channel is closed when the client
	// disconnects or Close is called.
	Subscribe(ctx context.Context, tags ...string) (<-chan []byte, error)
	Close() error
}

// Request is one request/reply round trip initiated by a minion.
type Request struct {
	CorrelationID string
	Payload       []byte
}

// RequestHandler processes one inbound request and returns the reply
// payload to send back.
type RequestHandler func(ctx context.Context, req Request) ([]byte, error)

// RequestServer is the master side of the request channel.
type RequestServer interface {
	// Serve runs until ctx is cancelled, invoking handler for each
	// inbound request.
	Serve(ctx context.Context, handler RequestHandler) error
	Close() error
}

// RequestClient is the minion side of the request channel: strictly
// one outstanding request at a time per logical stream.
type RequestClient interface {
	// Do sends req and blocks for the matching reply.
	Do(ctx context.Context, req Request) ([]byte, error)
	Close() error
}
