// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	cfg, err := Load(LoaderOptions{
		ConfigDir:      ".",
		Environment:    "development",
		SkipValidation: true,
	})
	if err != nil {
		t.Fatalf("Failed to load development config: %v", err)
	}

	if cfg.Environment != "development" {
		t.Errorf("Environment = %q, want %q", cfg.Environment, "development")
	}
	if cfg.PKI == nil || cfg.PKI.KeySize != 2048 {
		t.Error("PKI KeySize should have default value")
	}
}

func TestLoadForEnvironment(t *testing.T) {
	tests := []string{"development", "staging", "production", "local"}

	for _, env := range tests {
		t.Run(env, func(t *testing.T) {
			cfg, err := Load(LoaderOptions{
				ConfigDir:      ".",
				Environment:    env,
				SkipValidation: true,
			})
			if err != nil {
				t.Fatalf("Failed to load %s config: %v", env, err)
			}

			if cfg.Environment != env {
				t.Errorf("Environment = %q, want %q", cfg.Environment, env)
			}
		})
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	os.Setenv("SALT_MASTER_PUBLISH_ADDR", ":5505")
	os.Setenv("SALT_LOG_LEVEL", "debug")
	defer os.Unsetenv("SALT_MASTER_PUBLISH_ADDR")
	defer os.Unsetenv("SALT_LOG_LEVEL")

	cfg, err := Load(LoaderOptions{
		ConfigDir:      ".",
		Environment:    "development",
		SkipValidation: true,
	})
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Master != nil && cfg.Master.PublishAddr != ":5505" {
		t.Errorf("PublishAddr = %q, want %q", cfg.Master.PublishAddr, ":5505")
	}
	if cfg.Logging != nil && cfg.Logging.Level != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoadWithCustomConfigDir(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")

	testConfig := `
environment: test
logging:
  level: info
`
	if err := os.WriteFile(configPath, []byte(testConfig), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(LoaderOptions{
		ConfigDir:      tmpDir,
		Environment:    "test",
		SkipValidation: true,
	})
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg == nil {
		t.Fatal("Config should not be nil")
	}
}

func TestDefaultLoaderOptions(t *testing.T) {
	opts := DefaultLoaderOptions()

	if opts.ConfigDir != "config" {
		t.Errorf("ConfigDir = %q, want %q", opts.ConfigDir, "config")
	}
	if opts.SkipEnvSubstitution {
		t.Error("SkipEnvSubstitution should be false by default")
	}
	if opts.SkipValidation {
		t.Error("SkipValidation should be false by default")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	if cfg.Environment != "development" {
		t.Errorf("Default environment = %q, want %q", cfg.Environment, "development")
	}
	if cfg.PKI.Directory != "/etc/salt/pki" {
		t.Errorf("Default PKI directory = %q, want %q", cfg.PKI.Directory, "/etc/salt/pki")
	}
}

func TestMasterConfigDefaults(t *testing.T) {
	cfg := &Config{Master: &MasterConfig{}}
	setDefaults(cfg)

	if cfg.Master.PublishAddr != ":4505" {
		t.Errorf("PublishAddr = %q, want %q", cfg.Master.PublishAddr, ":4505")
	}
	if cfg.Master.RequestAddr != ":4506" {
		t.Errorf("RequestAddr = %q, want %q", cfg.Master.RequestAddr, ":4506")
	}
	if cfg.Master.WorkerThreads != 5 {
		t.Errorf("WorkerThreads = %d, want %d", cfg.Master.WorkerThreads, 5)
	}
}

func TestMinionConfigDefaults(t *testing.T) {
	cfg := &Config{Minion: &MinionConfig{}}
	setDefaults(cfg)

	if cfg.Minion.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want %d", cfg.Minion.Concurrency, 4)
	}
	if cfg.Minion.QueueDepth != 64 {
		t.Errorf("QueueDepth = %d, want %d", cfg.Minion.QueueDepth, 64)
	}
}
