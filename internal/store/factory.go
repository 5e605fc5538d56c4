// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package store

import (
	"sync"

	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// StorageConfig selects the run archive backend.
type StorageConfig struct {
	// Backend is "sqlite" (default) or "memory".
	Backend string
	// Path is the directory the backend keeps its files in.
	Path string
}

// RunStoreFactory opens a run store rooted at dataPath.
type RunStoreFactory func(dataPath string) (RunStore, error)

var (
	factories   = map[string]RunStoreFactory{"memory": func(string) (RunStore, error) { return NewMemoryRunStore(0), nil }}
	factoriesMu sync.RWMutex
)

// RegisterBackend registers a factory for a named backend. Backend packages
// call this from init(). It is goroutine-safe.
func RegisterBackend(name string, f RunStoreFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// resolveBackend returns the effective backend name, defaulting to "sqlite".
func resolveBackend(cfg StorageConfig) string {
	if cfg.Backend == "" {
		return "sqlite"
	}
	return cfg.Backend
}

// NewRunStore opens the configured backend.
func NewRunStore(cfg StorageConfig) (RunStore, error) {
	backend := resolveBackend(cfg)

	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, vigilerr.Errorf(vigilerr.CodeStoreInvalidInput, "unsupported storage backend: %q", backend)
	}

	s, err := factory(cfg.Path)
	if err != nil {
		return nil, vigilerr.Wrapf(err, vigilerr.CodeStoreDatabaseFailure, "opening %s run store", backend)
	}
	return s, nil
}
