// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package provider

import (
	"context"
	"slices"
	"strings"
	"sync"

	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// Registry manages provider registration, lookup, and routing with failover.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider

	defaultRef string   // "provider/model"
	failover   []string // ordered "provider/model" refs
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider under name.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, vigilerr.New(vigilerr.CodeProviderNotFound, "provider not found: "+name,
			vigilerr.FieldProvider(name))
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SetDefault sets the ref used when a caller does not name a model.
func (r *Registry) SetDefault(ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRefLocked(ref); err != nil {
		return err
	}
	r.defaultRef = ref
	return nil
}

func (r *Registry) DefaultRef() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultRef
}

// SetFailover sets the ordered chain tried when the requested ref is
// unavailable.
func (r *Registry) SetFailover(chain []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ref := range chain {
		if err := r.checkRefLocked(ref); err != nil {
			return err
		}
	}
	r.failover = slices.Clone(chain)
	return nil
}

// Resolve maps ref to its provider without checking availability. An empty
// ref or "default" resolves to the default ref.
func (r *Registry) Resolve(ref string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ref, err := r.resolveRefLocked(ref)
	if err != nil {
		return nil, "", err
	}
	name, model := parseRef(ref)
	p, ok := r.providers[name]
	if !ok {
		return nil, "", vigilerr.New(vigilerr.CodeProviderNotFound, "provider not found: "+name,
			vigilerr.FieldProvider(name))
	}
	return p, model, nil
}

// Route picks the first available provider for ref, walking the failover
// chain when the requested one is down. It returns the provider and the
// model name to send it.
func (r *Registry) Route(ctx context.Context, ref string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ref, err := r.resolveRefLocked(ref)
	if err != nil {
		return nil, "", err
	}

	candidates := append([]string{ref}, r.failover...)
	tried := make(map[string]bool, len(candidates))
	for _, candidate := range candidates {
		if tried[candidate] {
			continue
		}
		tried[candidate] = true

		name, model := parseRef(candidate)
		p, ok := r.providers[name]
		if !ok || !p.Available(ctx) {
			continue
		}
		return p, model, nil
	}

	return nil, "", vigilerr.New(vigilerr.CodeProviderAllUnavailable,
		"all providers unavailable: no healthy provider found")
}

// Statuses reports every registered provider's status keyed by name.
func (r *Registry) Statuses(ctx context.Context) map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Status, len(r.providers))
	for name, p := range r.providers {
		st, err := p.Status(ctx)
		if err != nil {
			st = Status{Provider: name, Message: err.Error()}
		}
		out[name] = st
	}
	return out
}

// Close shuts down all registered providers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return vigilerr.Join(errs...)
}

// caller holds r.mu.
func (r *Registry) resolveRefLocked(ref string) (string, error) {
	if ref == "" || ref == "default" {
		if r.defaultRef == "" {
			return "", vigilerr.New(vigilerr.CodeProviderNoDefault, "no default provider configured")
		}
		return r.defaultRef, nil
	}
	if name, model := parseRef(ref); name == "" || model == "" {
		return "", vigilerr.Errorf(vigilerr.CodeProviderInvalidModelRef,
			"model name %q must use provider/model format", ref)
	}
	return ref, nil
}

// caller holds r.mu.
func (r *Registry) checkRefLocked(ref string) error {
	name, model := parseRef(ref)
	if name == "" || model == "" {
		return vigilerr.Errorf(vigilerr.CodeProviderInvalidModelRef,
			"model name %q must use provider/model format", ref)
	}
	if _, ok := r.providers[name]; !ok {
		return vigilerr.New(vigilerr.CodeProviderNotFound, "provider not registered: "+name,
			vigilerr.FieldProvider(name))
	}
	return nil
}

// parseRef splits a "provider/model" reference on the first "/". Model names
// may themselves contain slashes.
func parseRef(ref string) (providerName, model string) {
	providerName, model, _ = strings.Cut(ref, "/")
	return providerName, model
}
