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

// Package daemon holds the filesystem bootstrap every salt-master,
// salt-minion, and salt-syndic process performs before it can talk the
// wire protocol: loading or minting the process's own RSA identity and
// opening the on-disk stores config.go points at.
package daemon

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sage-x-project/saltcore/config"
	"github.com/sage-x-project/saltcore/cryptocore"
	"github.com/sage-x-project/saltcore/internal/logger"
	"github.com/sage-x-project/saltcore/keystore"
)

// LoadEnv loads a .env file from the working directory into the process
// environment, if one is present; config.SubstituteEnvVars then picks up
// whatever it defines. A missing file is not an error.
func LoadEnv() {
	_ = godotenv.Load()
}

// ConfigDir resolves the directory a daemon reads its config file from:
// SALT_CONFIG_DIR if set, else /etc/salt.
func ConfigDir() string {
	if dir := os.Getenv("SALT_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "/etc/salt"
}

// LoadConfig reads path (or <SALT_CONFIG_DIR>/<role> if path is empty) and
// substitutes any ${VAR} references against the process environment.
func LoadConfig(path, role string) (*config.Config, error) {
	if path == "" {
		path = filepath.Join(ConfigDir(), role)
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	config.SubstituteEnvVarsInConfig(cfg)
	return cfg, nil
}

// NewLogger builds the process's structured logger from cfg.Logging,
// falling back to SALT_LOG_LEVEL / stdout if cfg carries no Logging
// section.
func NewLogger(cfg *config.LoggingConfig) *logger.StructuredLogger {
	if cfg == nil {
		return logger.NewDefaultLogger()
	}

	out := os.Stdout
	level := logger.InfoLevel
	switch cfg.Level {
	case "debug":
		level = logger.DebugLevel
	case "warn":
		level = logger.WarnLevel
	case "error":
		level = logger.ErrorLevel
	}

	l := logger.NewLogger(out, level)
	l.SetPrettyPrint(cfg.Pretty)
	return l
}

// LoadOrGenerateKeyPair reads <pkiDir>/<name>.pem, minting and persisting a
// fresh RSA key pair of keySize bits the first time a process runs.
func LoadOrGenerateKeyPair(pkiDir, name string, keySize int) (*cryptocore.KeyPair, error) {
	privPath := filepath.Join(pkiDir, name+".pem")

	if data, err := os.ReadFile(privPath); err == nil {
		return cryptocore.ParsePrivatePEM(data)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := os.MkdirAll(pkiDir, 0o700); err != nil {
		return nil, err
	}

	key, err := cryptocore.GenerateKeyPair(keySize)
	if err != nil {
		return nil, err
	}

	priv, err := key.MarshalPrivatePEM()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(privPath, priv, 0o600); err != nil {
		return nil, err
	}

	pub, err := key.MarshalPublicPEM()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(pkiDir, name+".pub"), pub, 0o644); err != nil {
		return nil, err
	}

	return key, nil
}

// OpenKeystore opens the accepted/pending/rejected/denied key registry
// rooted at <pkiDir>/<acceptedDir>.
func OpenKeystore(pkiDir, acceptedDir string) (*keystore.Store, error) {
	return keystore.Open(filepath.Join(pkiDir, acceptedDir))
}

// LoadOrGenerateOperatorSecret reads <pkiDir>/operator.secret, minting a
// fresh random token the first time a master runs. The local salt CLI
// trusts the master by reading this same file, the way Salt's real CLI
// trusts its co-located master through filesystem permissions on the PKI
// directory rather than a minion-style handshake.
func LoadOrGenerateOperatorSecret(pkiDir string) (string, error) {
	path := filepath.Join(pkiDir, "operator.secret")

	if data, err := os.ReadFile(path); err == nil {
		return strings.TrimSpace(string(data)), nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	if err := os.MkdirAll(pkiDir, 0o700); err != nil {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(buf)

	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", err
	}
	return secret, nil
}

// MasterPinPath returns the path a minion or syndic's upstream connection
// pins its master's public key at, mirroring the
// pki/minion/minion_master.pub cache a real Salt minion keeps.
func MasterPinPath(pkiDir string) string {
	return filepath.Join(pkiDir, "minion_master.pub")
}
