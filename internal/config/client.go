// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the full YAML configuration of the etr-client binary.
type ClientConfig struct {
	Server  ServerAddr    `yaml:"server"`
	Crypto  CryptoInfo    `yaml:"crypto"`
	Forward []ForwardSpec `yaml:"forward"`
	Retry   RetryInfo     `yaml:"retry"`
	Session SessionInfo   `yaml:"session"`
	RateLimit RateLimitInfo `yaml:"rate_limit"`
	DSCP    string        `yaml:"dscp"` // e.g. "CS6", "AF41", "" to leave unset
	Logging LoggingInfo   `yaml:"logging"`
}

// ServerAddr identifies the relay server to dial.
type ServerAddr struct {
	Address string `yaml:"address"`
}

// CryptoInfo locates the pre-shared symmetric key material. At least one
// of KeyFile or KeyEnv must be set and resolve to 32 raw key bytes (base64
// in the env-var case); when both are set, KeyFile is used.
type CryptoInfo struct {
	KeyFile string `yaml:"key_file"`
	KeyEnv  string `yaml:"key_env"`
}

// ForwardSpec mirrors one -L/-R style tunnel request the client issues
// after the session is established.
type ForwardSpec struct {
	// Direction is "local" (listen here, dial on the peer) or "remote"
	// (ask the peer to listen, dial here).
	Direction string `yaml:"direction"`
	Listen    string `yaml:"listen"` // host:port or a UNIX path
	Dial      string `yaml:"dial"`   // host:port or a UNIX path; empty means "let the peer choose" (e.g. agent forwarding)
}

// RetryInfo configures exponential-backoff reconnect.
type RetryInfo struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// SessionInfo configures keep-alive and replay behavior.
type SessionInfo struct {
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReplayBuffer      string        `yaml:"replay_buffer"` // ex: "4mb"
	ReplayBufferRaw   int64         `yaml:"-"`
}

// RateLimitInfo optionally caps outbound application-byte throughput.
type RateLimitInfo struct {
	BytesPerSecond string `yaml:"bytes_per_second"` // ex: "2mb", "" disables
	BurstBytes     string `yaml:"burst_bytes"`      // default: BytesPerSecond
	BytesPerSecondRaw int64 `yaml:"-"`
	BurstBytesRaw     int64 `yaml:"-"`
}

// LoggingInfo contains logging configuration.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// SessionLogDir, if set, fans out a per-client DEBUG-level JSON log to
	// {SessionLogDir}/client/{clientID}.log in addition to the
	// regular logger, for replaying exactly what one session did. Server-side
	// only; empty disables it.
	SessionLogDir string `yaml:"session_log_dir"`
}

// LoadClientConfig reads and validates the etr-client YAML configuration.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Crypto.KeyFile == "" && c.Crypto.KeyEnv == "" {
		return fmt.Errorf("crypto.key_file or crypto.key_env is required")
	}

	for i, f := range c.Forward {
		switch f.Direction {
		case "local", "remote":
		default:
			return fmt.Errorf("forward[%d].direction must be \"local\" or \"remote\", got %q", i, f.Direction)
		}
		if f.Listen == "" {
			return fmt.Errorf("forward[%d].listen is required", i)
		}
	}

	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 1 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}

	if c.Session.KeepAliveInterval <= 0 {
		c.Session.KeepAliveInterval = 10 * time.Second
	}
	if c.Session.DialTimeout <= 0 {
		c.Session.DialTimeout = 10 * time.Second
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

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converts human-readable sizes like "256mb", "1gb" to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	// Longest suffix first so "mb" isn't mistaken for "b".
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
