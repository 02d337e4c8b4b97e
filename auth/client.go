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
	"crypto/rand"
	"encoding/base64"
	"math"
	"math/big"
	"time"

	"github.com/sage-x-project/saltcore/cryptocore"
	"github.com/sage-x-project/saltcore/errs"
	"github.com/sage-x-project/saltcore/internal/metrics"
)

// Submitter sends one _auth SubmitRequest and returns the master's reply,
// implemented by whichever request-channel transport the minion is using.
type Submitter func(ctx context.Context, req SubmitRequest) (*SubmitReply, error)

// Client is the minion side of the auth handshake: it submits its key,
// retries on "pending" with the backoff policy spec.md mandates (min 10s,
// cap 60s), and surfaces the session key once accepted.
type Client struct {
	minionID   string
	key        *cryptocore.KeyPair
	pin        MasterPinner
	submit     Submitter
	minBackoff time.Duration
	capBackoff time.Duration
}

// NewClient creates a Client. pin supplies any already-pinned master
// public key and receives the key delivered on the first successful
// handshake (trust-on-first-use); every later handshake's session-key
// signature is then verified against that pin, per spec.md's requirement
// that a minion verify the master's signature before decrypting.
func NewClient(minionID string, key *cryptocore.KeyPair, submit Submitter, pin MasterPinner) *Client {
	return &Client{
		minionID:   minionID,
		key:        key,
		pin:        pin,
		submit:     submit,
		minBackoff: 10 * time.Second,
		capBackoff: 60 * time.Second,
	}
}

// Authenticate drives the full handshake loop to completion: it submits,
// retries on "pending" with backoff, and returns the session key raw bytes
// once accepted. A "full" or "denied" reply returns immediately as an
// error; spec.md requires denied to never auto-retry.
func (c *Client) Authenticate(ctx context.Context) ([]byte, error) {
	metrics.HandshakesInitiated.WithLabelValues("minion").Inc()

	pubPEM, err := c.key.MarshalPublicPEM()
	if err != nil {
		return nil, err
	}

	attempt := 0
	for {
		token, err := randomToken()
		if err != nil {
			return nil, err
		}

		start := time.Now()
		reply, err := c.submit(ctx, SubmitRequest{Cmd: "_auth", ID: c.minionID, Pub: pubPEM, Token: token})
		metrics.HandshakeDuration.WithLabelValues("submit").Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}

		switch reply.Ret {
		case ResultPending:
			attempt++
			delay := c.backoffFor(attempt)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case ResultFull:
			return nil, errs.New(errs.CodeRejected, "minion key rejected by master")

		case ResultDenied:
			return nil, errs.New(errs.CodeDenied, "minion key denied by master; requires operator intervention")

		case ResultAccepted:
			return c.installSessionKey(reply)

		default:
			return nil, errs.New(errs.CodeMasterNotTrusted, "unknown auth reply").WithDetails("ret", string(reply.Ret))
		}
	}
}

func (c *Client) installSessionKey(reply *SubmitReply) ([]byte, error) {
	if pinned, ok := c.pin.Get(); ok {
		masterPub, err := cryptocore.ParsePublicPEM(pinned)
		if err != nil {
			return nil, err
		}
		if err := cryptocore.Verify(masterPub, reply.WrappedKey, reply.KeySignature); err != nil {
			metrics.HandshakesFailed.WithLabelValues("bad_signature").Inc()
			return nil, errs.Wrap(errs.CodeBadSignature, "session key signature did not verify against pinned master key", err)
		}
	} else if len(reply.MasterPub) > 0 {
		c.pin.Pin(reply.MasterPub)
	}

	raw, err := c.key.DecryptSessionKey(reply.WrappedKey)
	if err != nil {
		metrics.HandshakesFailed.WithLabelValues("undecryptable").Inc()
		return nil, err
	}

	metrics.HandshakesCompleted.WithLabelValues("accepted").Inc()
	return raw, nil
}

// backoffFor returns the minion-side retry delay for a "pending" reply:
// min(minBackoff * 2^(attempt-1), capBackoff), jittered by up to 25%.
func (c *Client) backoffFor(attempt int) time.Duration {
	d := time.Duration(float64(c.minBackoff) * math.Pow(2, float64(attempt-1)))
	if d > c.capBackoff || d <= 0 {
		d = c.capBackoff
	}
	jitter := float64(d) * 0.25
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(2*jitter)+1))
	return d - time.Duration(jitter) + time.Duration(n.Int64())
}

func randomToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf[:]), nil
}
