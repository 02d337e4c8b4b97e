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
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a master, minion, or syndic
// process. A process only populates the sections it needs: a minion leaves
// Master nil, a master leaves Minion nil, a syndic populates both.
type Config struct {
	Environment string         `yaml:"environment" json:"environment"`
	Master      *MasterConfig  `yaml:"master,omitempty" json:"master,omitempty"`
	Minion      *MinionConfig  `yaml:"minion,omitempty" json:"minion,omitempty"`
	PKI         *PKIConfig     `yaml:"pki" json:"pki"`
	Logging     *LoggingConfig `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig `yaml:"metrics" json:"metrics"`
}

// MasterConfig configures the publish/request listeners and job subsystem
// of a master (or the master half of a syndic).
type MasterConfig struct {
	PublishAddr    string        `yaml:"publish_addr" json:"publish_addr"`
	RequestAddr    string        `yaml:"request_addr" json:"request_addr"`
	WorkerThreads  int           `yaml:"worker_threads" json:"worker_threads"`
	GatherTimeout  time.Duration `yaml:"gather_timeout" json:"gather_timeout"`
	JobCacheDriver string        `yaml:"job_cache_driver" json:"job_cache_driver"` // memory, postgres
	JobCacheDSN    string        `yaml:"job_cache_dsn" json:"job_cache_dsn"`
	AutoAccept     bool          `yaml:"auto_accept" json:"auto_accept"`
	// KeepJobs is how long a job record is ring-retained before the
	// periodic prune sweep discards it. Default 24h.
	KeepJobs time.Duration `yaml:"keep_jobs" json:"keep_jobs"`
}

// MinionConfig configures a minion's connection back to its master(s) and
// its local execution limits.
type MinionConfig struct {
	ID            string            `yaml:"id" json:"id"`
	MasterAddrs   []string          `yaml:"master_addrs" json:"master_addrs"`
	Concurrency   int               `yaml:"concurrency" json:"concurrency"`
	QueueDepth    int               `yaml:"queue_depth" json:"queue_depth"`
	BeatInterval  time.Duration     `yaml:"beat_interval" json:"beat_interval"`
	ReturnRetries int               `yaml:"return_retries" json:"return_retries"`
	Grains        map[string]string `yaml:"grains" json:"grains"`
	Pillar        map[string]string `yaml:"pillar" json:"pillar"`
	IPs           []string          `yaml:"ips" json:"ips"`
}

// PKIConfig configures the on-disk RSA keypair and accepted-key store
// shared by master and minion processes.
type PKIConfig struct {
	Directory  string `yaml:"directory" json:"directory"`
	KeySize    int    `yaml:"key_size" json:"key_size"`
	AcceptedDir string `yaml:"accepted_dir" json:"accepted_dir"`
}

// LoggingConfig controls the internal/logger output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Output string `yaml:"output" json:"output"` // stdout, stderr, file path
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// LoadFromFile loads configuration from a YAML (or, on parse failure, JSON)
// file and fills in defaults for anything left unset.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)

	return cfg, nil
}

// SaveToFile writes cfg to path, choosing JSON or YAML by file extension.
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setDefaults fills unset fields with the values a freshly installed
// master/minion should start with.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Master != nil {
		if cfg.Master.PublishAddr == "" {
			cfg.Master.PublishAddr = ":4505"
		}
		if cfg.Master.RequestAddr == "" {
			cfg.Master.RequestAddr = ":4506"
		}
		if cfg.Master.WorkerThreads == 0 {
			cfg.Master.WorkerThreads = 5
		}
		if cfg.Master.GatherTimeout == 0 {
			cfg.Master.GatherTimeout = 10 * time.Second
		}
		if cfg.Master.JobCacheDriver == "" {
			cfg.Master.JobCacheDriver = "memory"
		}
		if cfg.Master.KeepJobs == 0 {
			cfg.Master.KeepJobs = 24 * time.Hour
		}
	}

	if cfg.Minion != nil {
		if cfg.Minion.Concurrency == 0 {
			cfg.Minion.Concurrency = 4
		}
		if cfg.Minion.QueueDepth == 0 {
			cfg.Minion.QueueDepth = 64
		}
		if cfg.Minion.BeatInterval == 0 {
			cfg.Minion.BeatInterval = 30 * time.Second
		}
		if cfg.Minion.ReturnRetries == 0 {
			cfg.Minion.ReturnRetries = 3
		}
	}

	if cfg.PKI == nil {
		cfg.PKI = &PKIConfig{}
	}
	if cfg.PKI.Directory == "" {
		cfg.PKI.Directory = "/etc/salt/pki"
	}
	if cfg.PKI.KeySize == 0 {
		cfg.PKI.KeySize = 2048
	}
	if cfg.PKI.AcceptedDir == "" {
		cfg.PKI.AcceptedDir = "minions"
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9100"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}
