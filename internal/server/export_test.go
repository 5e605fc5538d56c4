// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package server

import (
	"net/http"
	"time"
)

// Visitors exposes the per-IP limiter table for white-box tests.
type Visitors = visitors

func NewVisitors(cfg RateLimitConfig, now func() time.Time) *Visitors {
	v := newVisitors(cfg)
	v.now = now
	return v
}

func (v *visitors) Allow(ip string) bool { return v.allow(ip) }
func (v *visitors) Sweep() int           { return v.sweep() }
func (v *visitors) Len() int             { return v.len() }

// RateLimitMiddleware exposes rateLimitMiddleware for testing.
func RateLimitMiddleware(cfg RateLimitConfig, done <-chan struct{}) func(http.Handler) http.Handler {
	return rateLimitMiddleware(cfg, done)
}
