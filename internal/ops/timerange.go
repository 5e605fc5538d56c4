// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package ops

import (
	"fmt"
	"strings"
	"time"

	"github.com/sigil-dev/vigil/internal/toolbox"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

const (
	// DefaultAskWindow is the window of a question that names none.
	DefaultAskWindow = 30 * time.Minute
	MaxLastMinutes   = 1440
)

// TimeRange selects the window a request is about. LastMinutes, when set,
// takes precedence over Start and End. Zone-less times are read in the
// service's display zone.
type TimeRange struct {
	Start       string `json:"start,omitempty" doc:"Window start, RFC 3339 or zone-less ISO 8601"`
	End         string `json:"end,omitempty" doc:"Window end, RFC 3339 or zone-less ISO 8601"`
	LastMinutes int    `json:"last_minutes,omitempty" minimum:"0" maximum:"1440" doc:"Relative window ending now"`
}

func (tr TimeRange) empty() bool {
	return strings.TrimSpace(tr.Start) == "" && strings.TrimSpace(tr.End) == "" && tr.LastMinutes == 0
}

// resolve turns tr into an absolute window. A zero fallback makes the range
// mandatory.
func (s *Service) resolve(tr TimeRange, fallback time.Duration) (toolbox.Window, error) {
	now := s.now().UTC()
	switch {
	case tr.LastMinutes < 0 || tr.LastMinutes > MaxLastMinutes:
		return toolbox.Window{}, vigilerr.Errorf(vigilerr.CodeOpsRequestInvalid,
			"last_minutes must be between 1 and %d", MaxLastMinutes)
	case tr.LastMinutes > 0:
		return toolbox.Window{Start: now.Add(-time.Duration(tr.LastMinutes) * time.Minute), End: now}, nil
	case tr.empty() && fallback > 0:
		return toolbox.Window{Start: now.Add(-fallback), End: now}, nil
	}

	if strings.TrimSpace(tr.Start) == "" || strings.TrimSpace(tr.End) == "" {
		return toolbox.Window{}, vigilerr.New(vigilerr.CodeOpsRequestInvalid, "time_range needs both start and end")
	}
	start, err := toolbox.ParseTimeIn(tr.Start, s.loc)
	if err != nil {
		return toolbox.Window{}, vigilerr.Errorf(vigilerr.CodeOpsRequestInvalid, "invalid start: %v", err)
	}
	end, err := toolbox.ParseTimeIn(tr.End, s.loc)
	if err != nil {
		return toolbox.Window{}, vigilerr.Errorf(vigilerr.CodeOpsRequestInvalid, "invalid end: %v", err)
	}
	if !end.After(start) {
		return toolbox.Window{}, vigilerr.New(vigilerr.CodeOpsRequestInvalid, "end must be after start")
	}
	return toolbox.Window{Start: start, End: end}, nil
}

// display formats t in the display zone.
func (s *Service) display(t time.Time) string {
	return t.In(s.loc).Format(time.RFC3339)
}

// zoneName labels the display zone, e.g. "UTC+8".
func (s *Service) zoneName() string {
	_, offset := s.now().In(s.loc).Zone()
	if offset == 0 {
		return "UTC"
	}
	sign := '+'
	if offset < 0 {
		sign, offset = '-', -offset
	}
	h, m := offset/3600, (offset%3600)/60
	if m != 0 {
		return fmt.Sprintf("UTC%c%d:%02d", sign, h, m)
	}
	return fmt.Sprintf("UTC%c%d", sign, h)
}
