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

package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sage-x-project/saltcore/internal/metrics"
	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the width, in bytes, of the AES-256 key a master
// mints per minion and delivers under the minion's RSA public key.
const SessionKeySize = 32

// NewSessionKey generates a fresh random AES-256 session key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("cryptocore: generate session key: %w", err)
	}
	return key, nil
}

// SessionKeyHandle wraps a session key with the two direction-separated
// AEAD ciphers derived from it (one for minion->master traffic, one for
// master->minion), so a single handle serves both read and write paths of
// a connection without re-deriving on every frame. Handles are replaced,
// never mutated in place, by Rotate and auth re-key, so a reader can keep
// a reference across a rotation without locking.
type SessionKeyHandle struct {
	mu       sync.RWMutex
	raw      []byte
	sealOut  cipher.AEAD
	sealIn   cipher.AEAD
	mintedAt time.Time
}

// NewSessionKeyHandle derives direction-separated AES-256-GCM ciphers from
// raw via HKDF-SHA256, labeling each leg so master and minion agree on
// which derived key seals which direction. isMaster controls which label
// maps to "out" vs "in" for this side of the connection.
func NewSessionKeyHandle(raw []byte, isMaster bool) (*SessionKeyHandle, error) {
	if len(raw) != SessionKeySize {
		return nil, fmt.Errorf("cryptocore: session key must be %d bytes, got %d", SessionKeySize, len(raw))
	}

	m2mKey, err := hkdfExpand(raw, "salt-master-to-minion")
	if err != nil {
		return nil, err
	}
	m2sKey, err := hkdfExpand(raw, "salt-minion-to-master")
	if err != nil {
		return nil, err
	}

	outLabel, inLabel := m2sKey, m2mKey
	if isMaster {
		outLabel, inLabel = m2mKey, m2sKey
	}

	sealOut, err := newGCM(outLabel)
	if err != nil {
		return nil, err
	}
	sealIn, err := newGCM(inLabel)
	if err != nil {
		return nil, err
	}

	return &SessionKeyHandle{
		raw:      append([]byte(nil), raw...),
		sealOut:  sealOut,
		sealIn:   sealIn,
		mintedAt: time.Now(),
	}, nil
}

func hkdfExpand(secret []byte, label string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(label))
	out := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("cryptocore: hkdf expand %s: %w", label, err)
	}
	return out, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: new aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext for the outbound direction, returning
// nonce||ciphertext.
func (h *SessionKeyHandle) Seal(plaintext []byte) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := time.Now()
	nonce := make([]byte, h.sealOut.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptocore: generate nonce: %w", err)
	}
	ct := h.sealOut.Seal(nonce, nonce, plaintext, nil)
	metrics.CryptoOperations.WithLabelValues("encrypt", "aes-256-gcm").Inc()
	metrics.CryptoOperationDuration.WithLabelValues("encrypt", "aes-256-gcm").Observe(time.Since(start).Seconds())
	return ct, nil
}

// Open decrypts data previously produced by the peer's Seal call on its
// outbound (our inbound) direction.
func (h *SessionKeyHandle) Open(data []byte) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := time.Now()
	nonceSize := h.sealIn.NonceSize()
	if len(data) < nonceSize {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return nil, fmt.Errorf("cryptocore: ciphertext shorter than nonce")
	}
	nonce, ct := data[:nonceSize], data[nonceSize:]
	pt, err := h.sealIn.Open(nil, nonce, ct, nil)
	metrics.CryptoOperationDuration.WithLabelValues("decrypt", "aes-256-gcm").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		metrics.AuthDrops.Inc()
		return nil, fmt.Errorf("cryptocore: open sealed frame: %w", err)
	}
	metrics.CryptoOperations.WithLabelValues("decrypt", "aes-256-gcm").Inc()
	return pt, nil
}

// MintedAt returns when this handle's key material was derived, used by
// the rotation policy to decide when a session key is due for refresh.
func (h *SessionKeyHandle) MintedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mintedAt
}
