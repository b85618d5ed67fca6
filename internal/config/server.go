// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the full YAML configuration of the etr-server binary.
type ServerConfig struct {
	Server    ServerListen    `yaml:"server"`
	Crypto    CryptoInfo      `yaml:"crypto"`
	Session   SessionInfo     `yaml:"session"`
	RateLimit RateLimitInfo   `yaml:"rate_limit"`
	DSCP      string          `yaml:"dscp"`
	Registry  RegistryConfig  `yaml:"registry"`
	Archival  ArchivalConfig  `yaml:"archival"`
	Logging   LoggingInfo     `yaml:"logging"`
}

// ServerListen contains the server's listen address.
type ServerListen struct {
	Listen string `yaml:"listen"`
}

// RegistryConfig configures the server-side client-registry janitor.
type RegistryConfig struct {
	JanitorSchedule string        `yaml:"janitor_schedule"` // cron expression, default "@every 1m"
	BrokenTTL       time.Duration `yaml:"broken_ttl"`       // default 1h
}

// ArchivalConfig configures optional post-termination S3 transcript
// archival. Disabled (zero value) unless Bucket is set.
type ArchivalConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	MaxTranscriptMB int    `yaml:"max_transcript_mb"` // default 4
}

// Enabled reports whether archival is configured.
func (a ArchivalConfig) Enabled() bool {
	return a.Bucket != ""
}

// LoadServerConfig reads and validates the etr-server YAML configuration.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Crypto.KeyFile == "" && c.Crypto.KeyEnv == "" {
		return fmt.Errorf("crypto.key_file or crypto.key_env is required")
	}

	if c.Session.KeepAliveInterval <= 0 {
		c.Session.KeepAliveInterval = 10 * time.Second
	}
	if c.Session.ReplayBuffer == "" {
		c.Session.ReplayBuffer = "4mb"
	}
	parsed, err := ParseByteSize(c.Session.ReplayBuffer)
	if err != nil {
		return fmt.Errorf("session.replay_buffer: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("session.replay_buffer must be > 0, got %s", c.Session.ReplayBuffer)
	}
	c.Session.ReplayBufferRaw = parsed

	if c.RateLimit.BytesPerSecond != "" {
		bps, err := ParseByteSize(c.RateLimit.BytesPerSecond)
		if err != nil {
			return fmt.Errorf("rate_limit.bytes_per_second: %w", err)
		}
		c.RateLimit.BytesPerSecondRaw = bps

		if c.RateLimit.BurstBytes == "" {
			c.RateLimit.BurstBytesRaw = bps
		} else {
			burst, err := ParseByteSize(c.RateLimit.BurstBytes)
			if err != nil {
				return fmt.Errorf("rate_limit.burst_bytes: %w", err)
			}
			c.RateLimit.BurstBytesRaw = burst
		}
	}

	if c.Registry.JanitorSchedule == "" {
		c.Registry.JanitorSchedule = "@every 1m"
	}
	if c.Registry.BrokenTTL <= 0 {
		c.Registry.BrokenTTL = 1 * time.Hour
	}

	if c.Archival.Enabled() {
		if c.Archival.MaxTranscriptMB <= 0 {
			c.Archival.MaxTranscriptMB = 4
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
