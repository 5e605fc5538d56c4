// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package redact masks credentials that leak into log lines, metric labels
// and traces before tool observations reach a model or the run archive.
//
// Matching runs on an NFKC-normalized copy with invisible characters
// stripped, so zero-width joiners cannot split a token past the patterns.
// Text without a match is returned untouched.
package redact

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// Placeholder replaces every masked span.
const Placeholder = "[REDACTED]"

// Rule is a named credential pattern.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// Patterns never match a double quote or a backslash, so masking inside a
// JSON-encoded observation keeps it valid JSON.
var defaultRules = []Rule{
	{"bearer_token", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.]{20,}`)},
	{"basic_auth_url", regexp.MustCompile(`(?i)[a-z][a-z0-9+.\-]*://[^\s:@/"\\]+:[^\s@/"\\]+@`)},
	{"database_connection_string", regexp.MustCompile(`(?i)(postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp|jdbc:[a-z]+)://[^\s:@"\\]+:(?:[^@\s%"\\]|%[0-9A-Fa-f]{2})+@(?:\[[0-9A-Fa-f:]+\]|[^\s/:"\\]+)(?:[:/][^\s"\\]*)?`)},
	{"mssql_connection_string", regexp.MustCompile(`(?i)(?:Server|Data Source)\s*=\s*[^;"\\]+;\s*(?:Password|Pwd)\s*=\s*[^;"\\]+`)},
	{"private_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`)},
	{"aws_access_key", regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"anthropic_api_key", regexp.MustCompile(`sk-ant-api\d{2}-[A-Za-z0-9_-]{20,}`)},
	{"openai_api_key", regexp.MustCompile(`sk-proj-[A-Za-z0-9_-]{20,}`)},
	{"openai_legacy_key", regexp.MustCompile(`sk-[A-Za-z0-9]{40,}`)},
	{"google_api_key", regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"github_fine_grained_pat", regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`)},
	{"gitlab_token", regexp.MustCompile(`glpat-[A-Za-z0-9_-]{20,}`)},
	{"slack_token", regexp.MustCompile(`xox[abposr]-[A-Za-z0-9-]{10,}`)},
	{"npm_token", regexp.MustCompile(`npm_[A-Za-z0-9]{36}`)},
	{"azure_connection_string", regexp.MustCompile(`(?i)AccountKey\s*=\s*[A-Za-z0-9+/=]{20,}`)},
	{"vault_token", regexp.MustCompile(`hvs\.[A-Za-z0-9_-]{24,}`)},
	{"digitalocean_pat", regexp.MustCompile(`dop_v1_[a-f0-9]{64}`)},
	{"keyring_uri", regexp.MustCompile(`keyring://[^\s"\\]+`)},
	{"credential_assignment", regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|secret|api[_-]?key|access[_-]?token|auth[_-]?token|client[_-]?secret)\s*[=:]\s*[^\s"'\\,;&]{6,}`)},
}

// DefaultRules returns a copy of the built-in rules.
func DefaultRules() []Rule {
	return slices.Clone(defaultRules)
}

// Redactor masks every span its rules match.
type Redactor struct {
	rules []Rule
}

// New builds a redactor from the built-in rules plus extra regular
// expressions, named custom_1, custom_2 and so on.
func New(extra ...string) (*Redactor, error) {
	rules := DefaultRules()
	for i, expr := range extra {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, vigilerr.Wrapf(err, vigilerr.CodeConfigValidateInvalidValue, "redaction pattern %d %q", i+1, expr)
		}
		rules = append(rules, Rule{Name: "custom_" + strconv.Itoa(i+1), Pattern: re})
	}
	return NewWithRules(rules)
}

// NewWithRules builds a redactor from rules alone.
func NewWithRules(rules []Rule) (*Redactor, error) {
	for i, r := range rules {
		if r.Pattern == nil {
			return nil, vigilerr.Errorf(vigilerr.CodeConfigValidateInvalidValue, "redaction rule %d (%s) has nil pattern", i, r.Name)
		}
		if r.Name == "" {
			return nil, vigilerr.Errorf(vigilerr.CodeConfigValidateInvalidValue, "redaction rule %d has empty name", i)
		}
	}
	return &Redactor{rules: rules}, nil
}

// Match is one masked span. Start and End are byte offsets into the
// normalized text.
type Match struct {
	Rule       string
	Start, End int
}

// invisible strips zero-width and other invisible characters.
var invisible = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\ufeff", "", // zero-width no-break space / BOM
	"\u00ad", "", // soft hyphen
	"\u034f", "", // combining grapheme joiner
	"\u2060", "", // word joiner
	"\u2061", "", // invisible function application
	"\u2062", "", // invisible times
	"\u2063", "", // invisible separator
	"\u2064", "", // invisible plus
)

func normalize(s string) string {
	return norm.NFKC.String(invisible.Replace(s))
}

// Find reports every match in s along with the normalized text the offsets
// refer to.
func (r *Redactor) Find(s string) (string, []Match) {
	if r == nil || s == "" {
		return s, nil
	}
	content := normalize(s)
	var matches []Match
	for _, rule := range r.rules {
		for _, loc := range rule.Pattern.FindAllStringIndex(content, -1) {
			if loc[1] > loc[0] {
				matches = append(matches, Match{Rule: rule.Name, Start: loc[0], End: loc[1]})
			}
		}
	}
	return content, matches
}

// Redact returns s with every match replaced by Placeholder, and the names
// of the rules that fired, one entry per match. A nil Redactor returns s.
func (r *Redactor) Redact(s string) (string, []string) {
	content, matches := r.Find(s)
	if len(matches) == 0 {
		return s, nil
	}
	rules := make([]string, len(matches))
	for i, m := range matches {
		rules[i] = m.Rule
	}
	return mask(content, matches), rules
}

// mask replaces the matched spans, merging overlaps.
func mask(content string, matches []Match) string {
	sorted := slices.Clone(matches)
	slices.SortFunc(sorted, func(a, b Match) int { return a.Start - b.Start })

	type span struct{ start, end int }
	spans := []span{{sorted[0].Start, sorted[0].End}}
	for _, m := range sorted[1:] {
		last := &spans[len(spans)-1]
		if m.Start <= last.end {
			last.end = max(last.end, m.End)
			continue
		}
		spans = append(spans, span{m.Start, m.End})
	}

	var b strings.Builder
	b.Grow(len(content))
	pos := 0
	for _, s := range spans {
		b.WriteString(content[pos:s.start])
		b.WriteString(Placeholder)
		pos = min(s.end, len(content))
	}
	b.WriteString(content[pos:])
	return b.String()
}
