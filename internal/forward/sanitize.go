// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package forward

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxEnvironmentVariableNameLength bounds the name a ForwardSourceHandler
// is asked to publish an allocated named-pipe path through.
const maxEnvironmentVariableNameLength = 255

// validateEnvironmentVariableName checks that name is safe to pass to
// os.Setenv: a PortForwardSourceRequest's EnvironmentVariable field
// crosses the wire from the peer, so it is validated before use the same
// way any other externally supplied identifier would be.
func validateEnvironmentVariableName(name string) error {
	if name == "" {
		return nil
	}
	if len(name) > maxEnvironmentVariableNameLength {
		return fmt.Errorf("environment variable name exceeds max length %d", maxEnvironmentVariableNameLength)
	}
	for i, r := range name {
		isLetter := (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')
		isDigit := r >= '0' && r <= '9'
		if r == '_' || isLetter || (isDigit && i > 0) {
			continue
		}
		return fmt.Errorf("environment variable name %q contains an invalid character", name)
	}
	return nil
}

// validatePathInBaseDir verifies that resolvedPath stays within baseDir,
// defense in depth for the temporary named-pipe paths this package
// allocates.
func validatePathInBaseDir(baseDir, resolvedPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes base directory: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %q escapes base directory %q", resolvedPath, baseDir)
	}
	return nil
}
