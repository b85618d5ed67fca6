// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/etrelay/etr/internal/crypto"
)

// LoadKey resolves the pre-shared symmetric key from a CryptoInfo: raw
// KeySize bytes read from KeyFile, or base64-decoded from the KeyEnv
// environment variable. KeyFile takes precedence when both are set.
func LoadKey(ci CryptoInfo) ([]byte, error) {
	if ci.KeyFile != "" {
		data, err := os.ReadFile(ci.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		if len(data) != crypto.KeySize {
			return nil, fmt.Errorf("key file must contain exactly %d raw bytes, got %d", crypto.KeySize, len(data))
		}
		return data, nil
	}

	if ci.KeyEnv != "" {
		encoded := os.Getenv(ci.KeyEnv)
		if encoded == "" {
			return nil, fmt.Errorf("environment variable %s is not set", ci.KeyEnv)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding %s as base64: %w", ci.KeyEnv, err)
		}
		if len(key) != crypto.KeySize {
			return nil, fmt.Errorf("%s must decode to exactly %d bytes, got %d", ci.KeyEnv, crypto.KeySize, len(key))
		}
		return key, nil
	}

	return nil, fmt.Errorf("no key source configured")
}
