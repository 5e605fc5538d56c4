// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package ensemble

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/text/cases"
)

// Policy weighs the three components of similarity. The weights need not sum
// to one, but the defaults do.
type Policy struct {
	Summary  float64
	Findings float64
	Actions  float64
}

// DefaultPolicy weighs summary text 0.6, findings 0.25 and actions 0.15.
var DefaultPolicy = Policy{Summary: 0.6, Findings: 0.25, Actions: 0.15}

func (p Policy) orDefault() Policy {
	if p.Summary == 0 && p.Findings == 0 && p.Actions == 0 {
		return DefaultPolicy
	}
	return p
}

// Finding is one ranked cause as the selector compares it.
type Finding struct {
	Service     string
	Description string
}

// Profile is the part of a result the selector compares.
type Profile struct {
	Summary  string
	Findings []Finding
	Actions  []string
}

// Candidate is a result the selector can profile.
type Candidate interface {
	Profile() Profile
}

// Similarity scores a against b in [0, Summary+Findings+Actions].
func (p Policy) Similarity(a, b Profile) float64 {
	p = p.orDefault()
	return p.Summary*TextRatio(a.Summary, b.Summary) +
		p.Findings*Jaccard(findingKeys(a.Findings), findingKeys(b.Findings)) +
		p.Actions*Jaccard(actionKeys(a.Actions), actionKeys(b.Actions))
}

// TextRatio is the Ratcliff/Obershelp similarity of two trimmed strings,
// compared rune by rune. It is 0 when either side is empty.
func TextRatio(a, b string) float64 {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return difflib.NewMatcher(runes(a), runes(b)).Ratio()
}

func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// Jaccard is |a∩b| / |a∪b|, or 0 when either set is empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	if inter == 0 {
		return 0
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func normalize(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// findingKeys skips findings without a description.
func findingKeys(findings []Finding) map[string]struct{} {
	out := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		if strings.TrimSpace(f.Description) == "" {
			continue
		}
		out[normalize(f.Service)+"|"+normalize(f.Description)] = struct{}{}
	}
	return out
}

func actionKeys(actions []string) map[string]struct{} {
	out := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		if a = normalize(a); a != "" {
			out[a] = struct{}{}
		}
	}
	return out
}
