// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package backend

import "context"

// DefaultAttempts is how often a transient backend failure is tried before
// the caller degrades.
const DefaultAttempts = 3

// Retry runs fn up to attempts times back to back and returns the last
// error. It stops at the first success or once ctx is done. after, when
// non-nil, sees every attempt and its outcome.
func Retry(ctx context.Context, attempts int, fn func(context.Context) error, after func(attempt int, err error)) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if after != nil {
			after(attempt, err)
		}
		if err == nil || ctx.Err() != nil {
			return err
		}
	}
	return err
}
