// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package memory keeps short-lived conversation history per session.
//
// A Store is shared by every concurrent run. Expired sessions are swept on
// each access, so there is no background goroutine to manage.
package memory

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long an untouched session survives.
const DefaultTTL = time.Hour

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a session's history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Session is the mutable history handle for one session ID. It is safe for
// concurrent use.
type Session struct {
	id string

	mu    sync.Mutex
	turns []Turn
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Append adds a turn to the end of the history.
func (s *Session) Append(role Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, Turn{Role: role, Content: content})
}

// AppendExchange records a user task and the assistant answer that closed it.
func (s *Session) AppendExchange(input, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns,
		Turn{Role: RoleUser, Content: input},
		Turn{Role: RoleAssistant, Content: output},
	)
}

// History returns a copy of the turns in order.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of recorded turns.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

type entry struct {
	session *Session
	touched time.Time
}

// Store maps session IDs to sessions with idle expiry.
type Store struct {
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a Store. A non-positive ttl selects DefaultTTL.
func NewStore(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		ttl:     ttl,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the session for id, creating it when absent. An empty id means
// a stateless call and yields nil. Every call first drops sessions idle for
// longer than the TTL, then refreshes the touched time of the returned one.
func (s *Store) Get(id string) *Session {
	if id == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	now := s.now()
	s.sweepLocked(now)

	if e, ok := s.entries[id]; ok {
		e.touched = now
		s.logger.Debug("session hit", "session_id", id)
		return e.session
	}

	sess := &Session{id: id}
	s.entries[id] = &entry{session: sess, touched: now}
	s.logger.Info("session created", "session_id", id, "total", len(s.entries))
	return sess
}

// Sweep drops expired sessions and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

func (s *Store) sweepLocked(now time.Time) int {
	expired := 0
	for id, e := range s.entries {
		if now.Sub(e.touched) > s.ttl {
			delete(s.entries, id)
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info("sessions expired", "expired", expired, "remaining", len(s.entries))
	}
	return expired
}

// Len returns the number of live sessions, without sweeping.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close drops every session. Later Get calls return nil.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
	s.closed = true
	return nil
}
