// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package toolbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sigil-dev/vigil/internal/agent"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// Window is the time range a run is about. Tools fall back to it when the
// model omits start or end.
type Window struct {
	Start time.Time
	End   time.Time
}

type windowKey struct{}

// WithWindow attaches w to ctx.
func WithWindow(ctx context.Context, w Window) context.Context {
	return context.WithValue(ctx, windowKey{}, w)
}

// WindowFrom returns the window attached to ctx, if any.
func WindowFrom(ctx context.Context) (Window, bool) {
	w, ok := ctx.Value(windowKey{}).(Window)
	return w, ok
}

// defaultWindow applies when neither the input nor the context has a window.
const defaultWindow = 15 * time.Minute

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime accepts RFC 3339 and the common zone-less ISO forms, which are
// read as UTC.
func ParseTime(raw string) (time.Time, error) {
	return ParseTimeIn(raw, time.UTC)
}

// ParseTimeIn is ParseTime with zone-less forms read in loc.
func ParseTimeIn(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, vigilerr.Errorf(vigilerr.CodeEvidenceInvalidDatetime, "cannot parse time %q", raw)
}

// resolveWindow picks start and end from raw inputs, the context window and
// finally the last 15 minutes.
func resolveWindow(ctx context.Context, startRaw, endRaw string, now time.Time) (time.Time, time.Time, error) {
	w, hasWindow := WindowFrom(ctx)

	var start, end time.Time
	var err error
	switch {
	case strings.TrimSpace(endRaw) != "":
		if end, err = ParseTime(endRaw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	case hasWindow && !w.End.IsZero():
		end = w.End.UTC()
	default:
		end = now.UTC()
	}
	switch {
	case strings.TrimSpace(startRaw) != "":
		if start, err = ParseTime(startRaw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	case hasWindow && !w.Start.IsZero():
		start = w.Start.UTC()
	default:
		start = end.Add(-defaultWindow)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, vigilerr.Errorf(vigilerr.CodeEvidenceInvalidRange,
			"end (%s) must be after start (%s)", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return start, end, nil
}

// decodeInput unmarshals a JSON object input into v. A non-object input is
// reported as false so callers can treat it as a bare value.
func decodeInput(input string, v any) bool {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "{") {
		return false
	}
	return json.Unmarshal([]byte(input), v) == nil
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		*f = flexInt(n)
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", s)
	}
	*f = flexInt(v)
	return nil
}

// flexStrings accepts a JSON array of strings or a single comma-separated
// string.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*f = list
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	for _, part := range strings.Split(one, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*f = append(*f, part)
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":"encode_failed","message":%q}`, err.Error())
	}
	return string(b)
}

// failure builds a tool error whose observation is a JSON error object.
func failure(kind string, err error, extra map[string]any) error {
	obs := map[string]any{"error": kind, "message": err.Error()}
	for k, v := range extra {
		obs[k] = v
	}
	return &agent.ObservationError{Observation: encode(obs), Err: err}
}

// windowFailure maps a window error to invalid_datetime or invalid_range.
func windowFailure(err error, extra map[string]any) error {
	kind := "invalid_datetime"
	if vigilerr.HasCode(err, vigilerr.CodeEvidenceInvalidRange) {
		kind = "invalid_range"
	}
	return failure(kind, err, extra)
}

func iso(t time.Time) string { return t.UTC().Format(time.RFC3339) }
