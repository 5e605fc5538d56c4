// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package config

import (
	_ "embed"
	"log/slog"
	"os"
	"path/filepath"

	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

//go:embed vigil.yaml.default
var DefaultConfigYAML []byte

// DefaultConfigPath returns ~/.config/vigil/vigil.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", vigilerr.Errorf(vigilerr.CodeConfigLoadReadFailure, "resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "vigil", "vigil.yaml"), nil
}

// BootstrapConfig writes the commented default config to cfgPath unless a
// file is already there. It returns the path written, or "" when nothing was
// written. Failures are logged at debug level and never fatal.
func BootstrapConfig(cfgPath string) string {
	if cfgPath == "" {
		return ""
	}
	if _, err := os.Stat(cfgPath); err == nil {
		return ""
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Debug("skipping config bootstrap: cannot create directory", "path", dir, "error", err)
		return ""
	}

	if err := os.WriteFile(cfgPath, DefaultConfigYAML, 0o600); err != nil {
		slog.Debug("skipping config bootstrap: cannot write config", "path", cfgPath, "error", err)
		return ""
	}

	slog.Info("created default config", "path", cfgPath)
	return cfgPath
}
