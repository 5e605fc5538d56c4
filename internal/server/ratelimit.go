// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package server

import (
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

const (
	defaultMaxVisitors = 10000
	visitorStaleAfter  = 10 * time.Minute
	visitorSweepEvery  = 5 * time.Minute
)

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate per IP. Zero disables limiting.
	RequestsPerSecond float64
	// Burst is the maximum burst size per IP.
	Burst int
	// MaxVisitors caps the number of IPs tracked at once. The least recently
	// seen are evicted during cleanup. Default: 10000.
	MaxVisitors int
}

// Validate checks that the RateLimitConfig is valid and applies defaults.
func (c *RateLimitConfig) Validate() error {
	if c.RequestsPerSecond < 0 {
		return vigilerr.Errorf(vigilerr.CodeServerConfigInvalid,
			"rate limit requests per second must not be negative (got %g)", c.RequestsPerSecond)
	}
	if c.RequestsPerSecond > 0 && c.Burst <= 0 {
		return vigilerr.Errorf(vigilerr.CodeServerConfigInvalid,
			"rate limit burst must be positive when rate is set (got burst=%d, rate=%g)",
			c.Burst, c.RequestsPerSecond)
	}
	if c.MaxVisitors < 0 {
		return vigilerr.Errorf(vigilerr.CodeServerConfigInvalid,
			"rate limit max visitors must not be negative (got %d)", c.MaxVisitors)
	}
	if c.MaxVisitors == 0 {
		c.MaxVisitors = defaultMaxVisitors
	}
	return nil
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitors holds one token bucket per client IP.
type visitors struct {
	mu   sync.Mutex
	cfg  RateLimitConfig
	byIP map[string]*visitor
	now  func() time.Time
}

func newVisitors(cfg RateLimitConfig) *visitors {
	return &visitors{cfg: cfg, byIP: make(map[string]*visitor), now: time.Now}
}

// allow takes a token from ip's bucket.
func (v *visitors) allow(ip string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	vis, ok := v.byIP[ip]
	if !ok {
		vis = &visitor{limiter: rate.NewLimiter(rate.Limit(v.cfg.RequestsPerSecond), v.cfg.Burst)}
		v.byIP[ip] = vis
	}
	vis.lastSeen = now
	return vis.limiter.AllowN(now, 1)
}

// sweep drops stale visitors, then the oldest ones beyond MaxVisitors. It
// returns how many were evicted by the cap.
func (v *visitors) sweep() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	type seen struct {
		ip       string
		lastSeen time.Time
	}
	live := make([]seen, 0, len(v.byIP))
	for ip, vis := range v.byIP {
		if now.Sub(vis.lastSeen) > visitorStaleAfter {
			delete(v.byIP, ip)
			continue
		}
		live = append(live, seen{ip: ip, lastSeen: vis.lastSeen})
	}

	if v.cfg.MaxVisitors <= 0 || len(live) <= v.cfg.MaxVisitors {
		return 0
	}
	slices.SortFunc(live, func(a, b seen) int { return a.lastSeen.Compare(b.lastSeen) })
	evict := len(live) - v.cfg.MaxVisitors
	for _, s := range live[:evict] {
		delete(v.byIP, s.ip)
	}
	return evict
}

func (v *visitors) len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.byIP)
}

// rateLimitMiddleware returns middleware that enforces per-IP rate limits.
// Returns a pass-through middleware when cfg.RequestsPerSecond is zero.
// The done channel signals the cleanup goroutine to exit on shutdown.
func rateLimitMiddleware(cfg RateLimitConfig, done <-chan struct{}) func(http.Handler) http.Handler {
	if cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return limitWith(newVisitors(cfg), done)
}

func limitWith(v *visitors, done <-chan struct{}) func(http.Handler) http.Handler {
	go func() {
		ticker := time.NewTicker(visitorSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if evicted := v.sweep(); evicted > 0 {
					slog.Warn("rate limiter visitor map cap enforced",
						"evicted", evicted, "max_visitors", v.cfg.MaxVisitors, "remaining", v.len())
				}
			case <-done:
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			// Limit by IP, not by connection: ephemeral ports would otherwise
			// each get their own bucket.
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if !v.allow(ip) {
				slog.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				writeError(w, vigilerr.New(vigilerr.CodeServerRateLimited, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
