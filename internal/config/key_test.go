// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/etrelay/etr/internal/crypto"
)

func TestLoadKey_FromFile(t *testing.T) {
	raw := bytes.Repeat([]byte{0x42}, crypto.KeySize)
	path := filepath.Join(t.TempDir(), "key.bin")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}

	got, err := LoadKey(CryptoInfo{KeyFile: path})
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("LoadKey returned %x, want %x", got, raw)
	}
}

func TestLoadKey_FromFileWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.bin")
	if err := os.WriteFile(path, []byte("too short"), 0o600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}
	if _, err := LoadKey(CryptoInfo{KeyFile: path}); err == nil {
		t.Fatal("expected an error for a wrong-sized key file")
	}
}

func TestLoadKey_FromEnv(t *testing.T) {
	raw := bytes.Repeat([]byte{0x7a}, crypto.KeySize)
	t.Setenv("ETR_TEST_KEY", base64.StdEncoding.EncodeToString(raw))

	got, err := LoadKey(CryptoInfo{KeyEnv: "ETR_TEST_KEY"})
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("LoadKey returned %x, want %x", got, raw)
	}
}

func TestLoadKey_MissingEnv(t *testing.T) {
	if _, err := LoadKey(CryptoInfo{KeyEnv: "ETR_DOES_NOT_EXIST"}); err == nil {
		t.Fatal("expected an error for an unset environment variable")
	}
}

func TestLoadKey_NoSourceConfigured(t *testing.T) {
	if _, err := LoadKey(CryptoInfo{}); err == nil {
		t.Fatal("expected an error when neither key_file nor key_env is set")
	}
}
