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
	"crypto/rsa"
	"encoding/base64"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sage-x-project/saltcore/cryptocore"
	"github.com/sage-x-project/saltcore/internal/metrics"
	"github.com/sage-x-project/saltcore/keystore"
)

// Events lets the application layer observe handshake outcomes without the
// Server needing to know about dispatch, event bus, or minion-facing
// concerns.
type Events interface {
	OnPending(ctx context.Context, minionID string)
	OnAccepted(ctx context.Context, minionID string)
	OnRejected(ctx context.Context, minionID string)
	OnDenied(ctx context.Context, minionID string)
}

// NoopEvents implements Events with no-ops.
type NoopEvents struct{}

func (NoopEvents) OnPending(context.Context, string)  {}
func (NoopEvents) OnAccepted(context.Context, string) {}
func (NoopEvents) OnRejected(context.Context, string) {}
func (NoopEvents) OnDenied(context.Context, string)   {}

// transcript is the per-minion submission state kept only long enough to
// answer repeated pending polls with the same nonce; it carries no secret
// material.
type transcript struct {
	nonce   string
	expires time.Time
}

// Server is the master side of the auth handshake.
type Server struct {
	key    *cryptocore.KeyPair
	store  *keystore.Store
	events Events

	mu          sync.Mutex
	transcripts map[string]transcript

	// acceptSF coalesces concurrent accepted-state Submit calls for the
	// same minion ID into a single deliverSessionKey run, so a minion
	// that retries a request (client timeout racing a slow reply) gets
	// back the one key actually minted rather than two different ones.
	acceptSF singleflight.Group

	pendingTTL    time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}

	onSessionKey func(minionID string, raw []byte)
}

// OnSessionKey registers a callback invoked with the raw AES-256 session
// key minted for a minion every time deliverSessionKey runs (initial
// accept or a later re-accept), letting the caller install a matching
// SessionKeyHandle without re-deriving it from the wrapped copy it can't
// decrypt. A nil fn disables the callback.
func (s *Server) OnSessionKey(fn func(minionID string, raw []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSessionKey = fn
}

// NewServer creates a Server. key is the master's own RSA identity used to
// sign delivered session keys; store tracks minion acceptance state.
func NewServer(key *cryptocore.KeyPair, store *keystore.Store, events Events) *Server {
	if events == nil {
		events = NoopEvents{}
	}
	s := &Server{
		key:           key,
		store:         store,
		events:        events,
		transcripts:   make(map[string]transcript),
		pendingTTL:    PendingTTL,
		cleanupTicker: time.NewTicker(5 * time.Minute),
		stopCleanup:   make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *Server) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanupExpired(time.Now())
		case <-s.stopCleanup:
			s.cleanupTicker.Stop()
			return
		}
	}
}

func (s *Server) cleanupExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.transcripts {
		if now.After(t.expires) {
			delete(s.transcripts, id)
		}
	}
}

// Close stops the cleanup loop.
func (s *Server) Close() {
	close(s.stopCleanup)
}

// Submit processes one _auth request, advancing the minion through
// absent -> pending -> {accepted, rejected, denied}, per spec.md §4.4.
func (s *Server) Submit(ctx context.Context, req SubmitRequest) (*SubmitReply, error) {
	metrics.HandshakesInitiated.WithLabelValues("master").Inc()
	start := time.Now()
	defer func() {
		metrics.HandshakeDuration.WithLabelValues("submit").Observe(time.Since(start).Seconds())
	}()

	rec, known := s.store.Get(req.ID)

	if !known {
		newRec, err := s.store.Submit(req.ID, req.Pub)
		if err != nil {
			metrics.HandshakesFailed.WithLabelValues("store_error").Inc()
			return nil, err
		}
		nonce := s.rememberTranscript(req.ID)
		s.events.OnPending(ctx, req.ID)
		metrics.HandshakesCompleted.WithLabelValues("pending").Inc()
		_ = newRec
		return &SubmitReply{Ret: ResultPending, Nonce: nonce}, nil
	}

	switch rec.State {
	case keystore.StatePending:
		nonce := s.rememberTranscript(req.ID)
		s.events.OnPending(ctx, req.ID)
		metrics.HandshakesCompleted.WithLabelValues("pending").Inc()
		return &SubmitReply{Ret: ResultPending, Nonce: nonce}, nil

	case keystore.StateRejected:
		s.events.OnRejected(ctx, req.ID)
		metrics.HandshakesCompleted.WithLabelValues("rejected").Inc()
		return &SubmitReply{Ret: ResultFull}, nil

	case keystore.StateDenied:
		s.events.OnDenied(ctx, req.ID)
		metrics.HandshakesCompleted.WithLabelValues("denied").Inc()
		return &SubmitReply{Ret: ResultDenied}, nil

	case keystore.StateAccepted:
		if string(rec.PubKeyPEM) != string(req.Pub) {
			if _, err := s.store.Deny(req.ID); err != nil {
				return nil, err
			}
			s.events.OnDenied(ctx, req.ID)
			metrics.HandshakesFailed.WithLabelValues("master_not_trusted").Inc()
			return &SubmitReply{Ret: ResultDenied}, nil
		}
		v, err, _ := s.acceptSF.Do(req.ID, func() (interface{}, error) {
			return s.deliverSessionKey(ctx, req.ID, req.Pub)
		})
		if err != nil {
			return nil, err
		}
		return v.(*SubmitReply), nil

	default:
		nonce := s.rememberTranscript(req.ID)
		return &SubmitReply{Ret: ResultPending, Nonce: nonce}, nil
	}
}

func (s *Server) rememberTranscript(minionID string) string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	nonce := base64.StdEncoding.EncodeToString(buf[:])

	s.mu.Lock()
	s.transcripts[minionID] = transcript{nonce: nonce, expires: time.Now().Add(s.pendingTTL)}
	s.mu.Unlock()
	return nonce
}

func (s *Server) deliverSessionKey(ctx context.Context, minionID string, pubPEM []byte) (*SubmitReply, error) {
	pub, err := cryptocore.ParsePublicPEM(pubPEM)
	if err != nil {
		metrics.HandshakesFailed.WithLabelValues("undecryptable").Inc()
		return nil, err
	}

	raw, err := cryptocore.NewSessionKey()
	if err != nil {
		return nil, err
	}

	wrapped, err := cryptocore.EncryptSessionKey(pub, raw)
	if err != nil {
		metrics.HandshakesFailed.WithLabelValues("undecryptable").Inc()
		return nil, err
	}

	sig, err := s.key.Sign(wrapped)
	if err != nil {
		return nil, err
	}

	masterPubPEM, err := s.key.MarshalPublicPEM()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	sink := s.onSessionKey
	s.mu.Unlock()
	if sink != nil {
		sink(minionID, raw)
	}

	s.events.OnAccepted(ctx, minionID)
	metrics.HandshakesCompleted.WithLabelValues("accepted").Inc()
	return &SubmitReply{Ret: ResultAccepted, WrappedKey: wrapped, KeySignature: sig, MasterPub: masterPubPEM}, nil
}

// DeliverKeyFor is exported for the rotation path (cryptocore.Rotator),
// letting Master.RotateSessionKey push a freshly rotated session key through the
// same wrap+sign shape used for the initial handshake, without re-running
// Submit's state machine.
func (s *Server) DeliverKeyFor(pub *rsa.PublicKey, raw []byte) (wrapped, sig []byte, err error) {
	wrapped, err = cryptocore.EncryptSessionKey(pub, raw)
	if err != nil {
		return nil, nil, err
	}
	sig, err = s.key.Sign(wrapped)
	if err != nil {
		return nil, nil, err
	}
	return wrapped, sig, nil
}
