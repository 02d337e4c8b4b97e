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

package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
	Level   string // "error", "warning", "info"
}

// ValidateConfiguration validates the entire configuration
func ValidateConfiguration(cfg *Config) []ValidationError {
	var errors []ValidationError

	if cfg.Master != nil {
		errors = append(errors, validateMasterConfig(cfg.Master)...)
	}
	if cfg.Minion != nil {
		errors = append(errors, validateMinionConfig(cfg.Minion)...)
	}
	if cfg.PKI != nil {
		errors = append(errors, validatePKIConfig(cfg.PKI)...)
	}

	errors = append(errors, validateEnvironment(cfg.Environment)...)

	return errors
}

func validateMasterConfig(cfg *MasterConfig) []ValidationError {
	var errors []ValidationError

	if cfg.PublishAddr == "" {
		errors = append(errors, ValidationError{
			Field: "Master.PublishAddr", Message: "publish address is required", Level: "error",
		})
	}
	if cfg.RequestAddr == "" {
		errors = append(errors, ValidationError{
			Field: "Master.RequestAddr", Message: "request address is required", Level: "error",
		})
	}
	if cfg.WorkerThreads < 0 {
		errors = append(errors, ValidationError{
			Field: "Master.WorkerThreads", Message: "worker threads cannot be negative", Level: "error",
		})
	}
	if cfg.JobCacheDriver != "" && cfg.JobCacheDriver != "memory" && cfg.JobCacheDriver != "postgres" {
		errors = append(errors, ValidationError{
			Field: "Master.JobCacheDriver", Message: fmt.Sprintf("unknown job cache driver %q", cfg.JobCacheDriver), Level: "error",
		})
	}
	if cfg.JobCacheDriver == "postgres" && cfg.JobCacheDSN == "" {
		errors = append(errors, ValidationError{
			Field: "Master.JobCacheDSN", Message: "postgres job cache requires a DSN", Level: "error",
		})
	}

	return errors
}

func validateMinionConfig(cfg *MinionConfig) []ValidationError {
	var errors []ValidationError

	if len(cfg.MasterAddrs) == 0 {
		errors = append(errors, ValidationError{
			Field: "Minion.MasterAddrs", Message: "at least one master address is required", Level: "error",
		})
	}
	if cfg.Concurrency < 0 {
		errors = append(errors, ValidationError{
			Field: "Minion.Concurrency", Message: "concurrency cannot be negative", Level: "error",
		})
	}
	if cfg.QueueDepth < 0 {
		errors = append(errors, ValidationError{
			Field: "Minion.QueueDepth", Message: "queue depth cannot be negative", Level: "error",
		})
	}

	return errors
}

func validatePKIConfig(cfg *PKIConfig) []ValidationError {
	var errors []ValidationError

	if cfg.Directory == "" {
		errors = append(errors, ValidationError{
			Field: "PKI.Directory", Message: "PKI directory is required", Level: "error",
		})
	}
	if cfg.KeySize != 0 && cfg.KeySize < 2048 {
		errors = append(errors, ValidationError{
			Field: "PKI.KeySize", Message: "key size below 2048 bits is not recommended", Level: "warning",
		})
	}

	return errors
}

func validateEnvironment(env string) []ValidationError {
	var errors []ValidationError

	validEnvs := []string{"local", "development", "staging", "production"}
	env = strings.ToLower(env)

	valid := false
	for _, v := range validEnvs {
		if env == v {
			valid = true
			break
		}
	}

	if !valid {
		errors = append(errors, ValidationError{
			Field:   "Environment",
			Message: fmt.Sprintf("invalid environment: %s (valid: %v)", env, validEnvs),
			Level:   "error",
		})
	}

	if env == "production" {
		errors = append(errors, ValidationError{
			Field:   "Environment",
			Message: "running in production mode - ensure PKI directory permissions and auto-accept are reviewed",
			Level:   "info",
		})
	}

	return errors
}

// ValidateFile validates a configuration file.
func ValidateFile(path string) ([]ValidationError, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", path)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return ValidateConfiguration(cfg), nil
}

// PrintValidationErrors prints validation errors grouped by severity.
func PrintValidationErrors(errors []ValidationError) {
	if len(errors) == 0 {
		fmt.Println("configuration is valid")
		return
	}

	var errorCount, warningCount, infoCount int
	for _, e := range errors {
		switch e.Level {
		case "error":
			errorCount++
		case "warning":
			warningCount++
		case "info":
			infoCount++
		}
	}

	fmt.Printf("configuration validation found %d errors, %d warnings, %d info messages\n\n",
		errorCount, warningCount, infoCount)

	for _, e := range errors {
		if e.Level == "error" {
			fmt.Printf("ERROR: %s - %s\n", e.Field, e.Message)
		}
	}
	for _, e := range errors {
		if e.Level == "warning" {
			fmt.Printf("WARNING: %s - %s\n", e.Field, e.Message)
		}
	}
	for _, e := range errors {
		if e.Level == "info" {
			fmt.Printf("INFO: %s - %s\n", e.Field, e.Message)
		}
	}
}
