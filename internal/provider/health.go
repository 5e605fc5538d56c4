// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package provider

import (
	"sync"
	"time"

	"github.com/sigil-dev/vigil/pkg/health"
)

type HealthMetrics = health.Metrics

// DefaultHealthCooldown is how long a failed provider stays out of routing.
const DefaultHealthCooldown = 30 * time.Second

// HealthTracker marks a provider unhealthy after a failure and lets it back
// into rotation once the cooldown has elapsed.
type HealthTracker struct {
	mu       sync.RWMutex
	healthy  bool
	failedAt time.Time
	cooldown time.Duration
	failures int64
	now      func() time.Time
}

// NewHealthTracker returns a healthy tracker. A non-positive cooldown falls
// back to DefaultHealthCooldown.
func NewHealthTracker(cooldown time.Duration) *HealthTracker {
	if cooldown <= 0 {
		cooldown = DefaultHealthCooldown
	}
	return &HealthTracker{healthy: true, cooldown: cooldown, now: time.Now}
}

// SetClock replaces the time source.
func (h *HealthTracker) SetClock(now func() time.Time) {
	h.mu.Lock()
	h.now = now
	h.mu.Unlock()
}

// caller holds h.mu.
func (h *HealthTracker) healthyLocked() bool {
	return h.healthy || h.now().Sub(h.failedAt) >= h.cooldown
}

func (h *HealthTracker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthyLocked()
}

func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	h.healthy = true
	h.mu.Unlock()
}

func (h *HealthTracker) RecordFailure() {
	h.mu.Lock()
	h.healthy = false
	h.failedAt = h.now()
	h.failures++
	h.mu.Unlock()
}

// HealthMetrics returns a detached snapshot.
func (h *HealthTracker) HealthMetrics() HealthMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	m := HealthMetrics{FailureCount: h.failures, Available: h.healthyLocked()}
	if h.failures > 0 {
		last := h.failedAt
		m.LastFailureAt = &last
	}
	if !h.healthy {
		until := h.failedAt.Add(h.cooldown)
		m.CooldownUntil = &until
	}
	return m
}
