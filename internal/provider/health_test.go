// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package provider_test

import (
	"testing"
	"time"

	"github.com/sigil-dev/vigil/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthTracker_CooldownCycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h := provider.NewHealthTracker(30 * time.Second)
	h.SetClock(func() time.Time { return now })

	assert.True(t, h.IsHealthy())

	h.RecordFailure()
	assert.False(t, h.IsHealthy())

	now = now.Add(29 * time.Second)
	assert.False(t, h.IsHealthy())

	now = now.Add(time.Second)
	assert.True(t, h.IsHealthy(), "cooldown elapsed")

	h.RecordSuccess()
	assert.True(t, h.IsHealthy())
}

func TestHealthTracker_Metrics(t *testing.T) {
	failedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h := provider.NewHealthTracker(time.Minute)
	h.SetClock(func() time.Time { return failedAt })

	m := h.HealthMetrics()
	assert.Zero(t, m.FailureCount)
	assert.Nil(t, m.LastFailureAt)
	assert.Nil(t, m.CooldownUntil)
	assert.True(t, m.Available)

	h.RecordFailure()
	h.RecordFailure()

	m = h.HealthMetrics()
	assert.Equal(t, int64(2), m.FailureCount)
	require.NotNil(t, m.LastFailureAt)
	assert.Equal(t, failedAt, *m.LastFailureAt)
	require.NotNil(t, m.CooldownUntil)
	assert.Equal(t, failedAt.Add(time.Minute), *m.CooldownUntil)
	assert.False(t, m.Available)

	h.RecordSuccess()
	m = h.HealthMetrics()
	assert.Nil(t, m.CooldownUntil)
	assert.Equal(t, int64(2), m.FailureCount, "count is cumulative")
}

func TestHealthTracker_NonPositiveCooldownUsesDefault(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h := provider.NewHealthTracker(0)
	h.SetClock(func() time.Time { return now })

	h.RecordFailure()
	now = now.Add(provider.DefaultHealthCooldown - time.Second)
	assert.False(t, h.IsHealthy())
	now = now.Add(time.Second)
	assert.True(t, h.IsHealthy())
}
