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

// Package cryptocore implements the RSA identity keys, AES-256 session
// keys, and key rotation used to authenticate and encrypt traffic between
// masters and minions.
package cryptocore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/sage-x-project/saltcore/internal/metrics"
)

// KeyType identifies the algorithm backing a KeyPair.
type KeyType string

// KeyTypeRSA is currently the only identity key type; the auth handshake
// exchanges session keys under RSA-OAEP.
const KeyTypeRSA KeyType = "RSA"

// KeyPair is a master or minion's long-lived RSA identity key.
type KeyPair struct {
	Type       KeyType
	Private    *rsa.PrivateKey
	generated  time.Time
}

// GenerateKeyPair creates a new RSA key pair of the given bit size.
// 2048 is the configured default; 4096 is accepted for operators who want
// a higher security margin at the cost of slower handshakes.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	start := time.Now()
	if bits != 2048 && bits != 4096 {
		return nil, fmt.Errorf("cryptocore: unsupported key size %d (want 2048 or 4096)", bits)
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	metrics.CryptoOperationDuration.WithLabelValues("generate", "rsa-oaep").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("generate").Inc()
		return nil, fmt.Errorf("cryptocore: generate key: %w", err)
	}

	return &KeyPair{Type: KeyTypeRSA, Private: priv, generated: time.Now()}, nil
}

// PublicKey returns the RSA public half of the pair.
func (k *KeyPair) PublicKey() *rsa.PublicKey {
	return &k.Private.PublicKey
}

// Fingerprint returns a stable, human-printable identifier for the public
// key, the SHA-256 of its DER encoding, used to compare a minion's
// advertised key against what the master has on file.
func (k *KeyPair) Fingerprint() (string, error) {
	return PublicKeyFingerprint(k.PublicKey())
}

// PublicKeyFingerprint computes the fingerprint of an arbitrary RSA public
// key, independent of any local KeyPair, so the master can fingerprint a
// key a minion just sent over the wire.
func PublicKeyFingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("cryptocore: marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return fmt.Sprintf("%x", sum), nil
}

// MarshalPrivatePEM encodes the private key as a PKCS#8 PEM block suitable
// for 0600-permission storage on disk.
func (k *KeyPair) MarshalPrivatePEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// MarshalPublicPEM encodes the public key as a PKIX PEM block. This is the
// format minions send to a master and masters persist for accepted keys.
func (k *KeyPair) MarshalPublicPEM() ([]byte, error) {
	return MarshalPublicKeyPEM(k.PublicKey())
}

// MarshalPublicKeyPEM encodes an arbitrary RSA public key as a PKIX PEM
// block.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivatePEM decodes a PKCS#8 PEM block produced by MarshalPrivatePEM.
func ParsePrivatePEM(data []byte) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("cryptocore: no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("cryptocore: private key is not RSA")
	}
	return &KeyPair{Type: KeyTypeRSA, Private: rsaKey, generated: time.Now()}, nil
}

// ParsePublicPEM decodes a PKIX PEM block produced by MarshalPublicPEM.
func ParsePublicPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("cryptocore: no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cryptocore: public key is not RSA")
	}
	return rsaKey, nil
}
