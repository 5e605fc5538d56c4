// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package evidence

import "time"

// SetCacheClock replaces the cache clock for tests.
func (c *TTLCache) SetCacheClock(now func() time.Time) {
	c.entries.SetClock(now)
}

var PrioritizeServices = prioritizeServices
