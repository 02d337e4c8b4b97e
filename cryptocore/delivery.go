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
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/sage-x-project/saltcore/internal/metrics"
)

// EncryptSessionKey wraps a session key under the recipient's RSA public
// key with OAEP, the step the master performs when delivering a freshly
// minted session key to a minion whose auth request it has accepted.
func EncryptSessionKey(pub *rsa.PublicKey, sessionKey []byte) ([]byte, error) {
	start := time.Now()
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	metrics.CryptoOperationDuration.WithLabelValues("encrypt", "rsa-oaep").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
		return nil, fmt.Errorf("cryptocore: encrypt session key: %w", err)
	}
	metrics.CryptoOperations.WithLabelValues("encrypt", "rsa-oaep").Inc()
	return ct, nil
}

// DecryptSessionKey unwraps a session key a minion received from its
// master, using the minion's own private identity key.
func (k *KeyPair) DecryptSessionKey(ciphertext []byte) ([]byte, error) {
	start := time.Now()
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.Private, ciphertext, nil)
	metrics.CryptoOperationDuration.WithLabelValues("decrypt", "rsa-oaep").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return nil, fmt.Errorf("cryptocore: decrypt session key: %w", err)
	}
	metrics.CryptoOperations.WithLabelValues("decrypt", "rsa-oaep").Inc()
	return pt, nil
}

// Sign produces an RSA-PSS signature over a message digest, used by the
// master to sign the wrapped session key it delivers to a minion.
func (k *KeyPair) Sign(message []byte) ([]byte, error) {
	start := time.Now()
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPSS(rand.Reader, k.Private, crypto.SHA256, digest[:], nil)
	metrics.CryptoOperationDuration.WithLabelValues("sign", "rsa-pss").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("sign").Inc()
		return nil, fmt.Errorf("cryptocore: sign: %w", err)
	}
	metrics.CryptoOperations.WithLabelValues("sign", "rsa-pss").Inc()
	return sig, nil
}

// Verify checks an RSA-PSS signature produced by Sign against pub.
func Verify(pub *rsa.PublicKey, message, signature []byte) error {
	start := time.Now()
	digest := sha256.Sum256(message)
	err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, nil)
	metrics.CryptoOperationDuration.WithLabelValues("verify", "rsa-pss").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("verify").Inc()
		return fmt.Errorf("cryptocore: verify signature: %w", err)
	}
	metrics.CryptoOperations.WithLabelValues("verify", "rsa-pss").Inc()
	return nil
}
