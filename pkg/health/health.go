// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package health holds serializable health snapshots shared by providers and
// observability backends.
package health

import "time"

// Metrics is a point-in-time view of one model provider's health.
type Metrics struct {
	FailureCount  int64      `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Available     bool       `json:"available"`
}

// BackendStatus reports whether an observability backend answered a probe.
type BackendStatus struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	Reachable  bool   `json:"reachable"`
	Message    string `json:"message,omitempty"`
}
