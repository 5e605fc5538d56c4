// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package store

import (
	"context"
	"slices"
	"sync"
)

// DefaultMemoryCapacity bounds an in-memory archive.
const DefaultMemoryCapacity = 500

var _ RunStore = (*MemoryRunStore)(nil)

// MemoryRunStore keeps the most recent runs in process memory. The oldest
// run is dropped once capacity is reached.
type MemoryRunStore struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	runs     map[string]*Run
}

// NewMemoryRunStore returns an empty store. A non-positive capacity selects
// DefaultMemoryCapacity.
func NewMemoryRunStore(capacity int) *MemoryRunStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryRunStore{capacity: capacity, runs: make(map[string]*Run)}
}

func (m *MemoryRunStore) SaveRun(_ context.Context, run *Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	cp := *run

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; !exists {
		m.order = append(m.order, run.ID)
	}
	m.runs[run.ID] = &cp
	for len(m.order) > m.capacity {
		delete(m.runs, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

func (m *MemoryRunStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, NotFound(id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRunStore) ListRuns(_ context.Context, opts ListOpts) ([]*Run, error) {
	m.mu.RLock()
	matched := make([]*Run, 0, len(m.runs))
	for _, id := range m.order {
		r := m.runs[id]
		if opts.Operation != "" && r.Operation != opts.Operation {
			continue
		}
		if opts.SessionID != "" && r.SessionID != opts.SessionID {
			continue
		}
		cp := *r
		cp.Request, cp.Result, cp.Trace = nil, nil, nil
		matched = append(matched, &cp)
	}
	m.mu.RUnlock()

	slices.SortStableFunc(matched, func(a, b *Run) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if opts.Offset >= len(matched) {
		return []*Run{}, nil
	}
	matched = matched[max(opts.Offset, 0):]
	return matched[:min(len(matched), opts.EffectiveLimit())], nil
}

func (m *MemoryRunStore) Close() error { return nil }
