// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadClientConfig_Minimal(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: relay.example.com:2022
crypto:
  key_file: /etc/etr/key
`)
	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.Server.Address != "relay.example.com:2022" {
		t.Errorf("server.address = %q", cfg.Server.Address)
	}
	if cfg.Session.KeepAliveInterval != 10*time.Second {
		t.Errorf("default keep_alive_interval = %v, want 10s", cfg.Session.KeepAliveInterval)
	}
	if cfg.Session.ReplayBufferRaw != 4*1024*1024 {
		t.Errorf("default replay buffer = %d, want 4MB", cfg.Session.ReplayBufferRaw)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadClientConfig_MissingServerAddress(t *testing.T) {
	path := writeTempConfig(t, `
crypto:
  key_env: ETR_KEY
`)
	if _, err := LoadClientConfig(path); err == nil {
		t.Fatal("expected an error for missing server.address")
	}
}

func TestLoadClientConfig_MissingCrypto(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: relay.example.com:2022
`)
	if _, err := LoadClientConfig(path); err == nil {
		t.Fatal("expected an error for missing crypto key source")
	}
}

func TestLoadClientConfig_ForwardSpecs(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: relay.example.com:2022
crypto:
  key_env: ETR_KEY
forward:
  - direction: local
    listen: 127.0.0.1:8080
    dial: 10.0.0.5:80
  - direction: remote
    listen: 0.0.0.0:2222
`)
	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if len(cfg.Forward) != 2 {
		t.Fatalf("expected 2 forward specs, got %d", len(cfg.Forward))
	}
	if cfg.Forward[0].Dial != "10.0.0.5:80" {
		t.Errorf("forward[0].dial = %q", cfg.Forward[0].Dial)
	}
}

func TestLoadClientConfig_InvalidForwardDirection(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: relay.example.com:2022
crypto:
  key_env: ETR_KEY
forward:
  - direction: sideways
    listen: 127.0.0.1:8080
`)
	if _, err := LoadClientConfig(path); err == nil {
		t.Fatal("expected an error for an invalid forward direction")
	}
}

func TestLoadClientConfig_RateLimit(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: relay.example.com:2022
crypto:
  key_env: ETR_KEY
rate_limit:
  bytes_per_second: 2mb
`)
	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.RateLimit.BytesPerSecondRaw != 2*1024*1024 {
		t.Errorf("bytes_per_second = %d, want 2MB", cfg.RateLimit.BytesPerSecondRaw)
	}
	if cfg.RateLimit.BurstBytesRaw != cfg.RateLimit.BytesPerSecondRaw {
		t.Errorf("burst should default to bytes_per_second, got %d vs %d", cfg.RateLimit.BurstBytesRaw, cfg.RateLimit.BytesPerSecondRaw)
	}
}

func TestLoadServerConfig_Minimal(t *testing.T) {
	path := writeTempConfig(t, `
server:
  listen: 0.0.0.0:2022
crypto:
  key_file: /etc/etr/key
`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Registry.JanitorSchedule != "@every 1m" {
		t.Errorf("default janitor_schedule = %q", cfg.Registry.JanitorSchedule)
	}
	if cfg.Registry.BrokenTTL != time.Hour {
		t.Errorf("default broken_ttl = %v, want 1h", cfg.Registry.BrokenTTL)
	}
	if cfg.Archival.Enabled() {
		t.Error("archival should be disabled without a bucket")
	}
}

func TestLoadServerConfig_ArchivalEnabledDefaultsCap(t *testing.T) {
	path := writeTempConfig(t, `
server:
  listen: 0.0.0.0:2022
crypto:
  key_env: ETR_KEY
archival:
  bucket: etr-sessions
  region: us-east-1
`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if !cfg.Archival.Enabled() {
		t.Fatal("archival should be enabled when a bucket is set")
	}
	if cfg.Archival.MaxTranscriptMB != 4 {
		t.Errorf("default max_transcript_mb = %d, want 4", cfg.Archival.MaxTranscriptMB)
	}
}

func TestLoadServerConfig_MissingListen(t *testing.T) {
	path := writeTempConfig(t, `
crypto:
  key_env: ETR_KEY
`)
	if _, err := LoadServerConfig(path); err == nil {
		t.Fatal("expected an error for missing server.listen")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"0":    0,
		"1b":   1,
		"1kb":  1024,
		"4mb":  4 * 1024 * 1024,
		"1gb":  1024 * 1024 * 1024,
		"512":  512,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseByteSize_Invalid(t *testing.T) {
	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Fatal("expected an error for an unparseable size")
	}
	if _, err := ParseByteSize(""); err == nil {
		t.Fatal("expected an error for an empty size string")
	}
}
