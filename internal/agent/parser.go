// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package agent

import (
	"regexp"
	"strings"

	"github.com/sigil-dev/vigil/internal/provider"
)

// ParseKind classifies one model reply.
type ParseKind int

const (
	ParseError ParseKind = iota
	ParseAction
	ParseFinal
)

func (k ParseKind) String() string {
	switch k {
	case ParseAction:
		return "action"
	case ParseFinal:
		return "final"
	default:
		return "error"
	}
}

// ParseResult is the interpretation of a model reply.
type ParseResult struct {
	Kind ParseKind

	// Tool and Input are set for ParseAction.
	Tool  string
	Input string
	// Thought is the text before the action, with any "Thought:" label removed.
	Thought string

	// Answer is set for ParseFinal.
	Answer string

	// Reason explains a ParseError.
	Reason string

	// Log is the (normalized) reply the result came from.
	Log string
}

const (
	finalAnswerLabel = "Final Answer:"
	observationLabel = "Observation:"
)

const (
	reasonBothActionAndAnswer = "reply contains both a final answer and a parse-able action"
	reasonMissingAction       = "missing 'Action:' after 'Thought:'"
	reasonMissingActionInput  = "missing 'Action Input:' after 'Action:'"
	reasonUnparsable          = "could not parse model output"
)

var (
	actionPattern      = regexp.MustCompile(`(?s)Action\s*\d*\s*:[\s]*(.*?)[\s]*Action\s*\d*\s*Input\s*\d*\s*:[\s]*(.*)`)
	actionLabelPattern = regexp.MustCompile(`(?s)Action\s*\d*\s*:`)
	inputLabelPattern  = regexp.MustCompile(`(?s)Action\s*\d*\s*Input\s*\d*\s*:`)
	bareFinalPattern   = regexp.MustCompile(`(?m)\bFinal\s*:`)
)

// Parse interprets a model reply. Recovery steps run in a fixed order and
// the first one that yields an action or an answer wins.
func Parse(text string) ParseResult {
	// Step 1: an empty reply ends the run with an empty answer.
	if strings.TrimSpace(text) == "" {
		return ParseResult{Kind: ParseFinal, Log: text}
	}

	// Step 2: accept the short "Final:" label.
	text = bareFinalPattern.ReplaceAllString(text, finalAnswerLabel)

	// Step 3: drop anything the model wrote in place of the real observation.
	if i := strings.Index(text, observationLabel); i >= 0 {
		text = text[:i]
	}

	// Steps 4 and 5: the ReAct grammar.
	res := parseReAct(text)
	if res.Kind != ParseError {
		return res
	}

	// Step 6: two objects glued together; keep the first and retry.
	if i := strings.Index(text, "}{"); i >= 0 {
		if retry := parseReAct(text[:i] + "}"); retry.Kind != ParseError {
			return retry
		}
	}

	// An action next to an answer stays ambiguous; JSON in it proves nothing.
	if res.Reason == reasonBothActionAndAnswer {
		return res
	}

	// Steps 7 and 8: a JSON object is taken as the answer itself.
	if inner, ok := provider.FencedBlock(text); ok {
		if inner = strings.TrimSpace(inner); strings.HasPrefix(inner, "{") {
			return ParseResult{Kind: ParseFinal, Answer: inner, Log: text}
		}
	}
	if raw, ok := provider.ExtractJSON(text); ok {
		return ParseResult{Kind: ParseFinal, Answer: raw, Log: text}
	}

	// Step 9.
	return res
}

func parseReAct(text string) ParseResult {
	hasAnswer := strings.Contains(text, finalAnswerLabel)

	if m := actionPattern.FindStringSubmatchIndex(text); m != nil {
		if hasAnswer {
			return ParseResult{Kind: ParseError, Reason: reasonBothActionAndAnswer, Log: text}
		}
		return ParseResult{
			Kind:    ParseAction,
			Tool:    cleanToolName(text[m[2]:m[3]]),
			Input:   cleanToolInput(text[m[4]:m[5]]),
			Thought: cleanThought(text[:m[0]]),
			Log:     text,
		}
	}

	if hasAnswer {
		i := strings.LastIndex(text, finalAnswerLabel)
		return ParseResult{
			Kind:   ParseFinal,
			Answer: strings.TrimSpace(text[i+len(finalAnswerLabel):]),
			Log:    text,
		}
	}

	reason := reasonUnparsable
	switch {
	case !actionLabelPattern.MatchString(text):
		reason = reasonMissingAction
	case !inputLabelPattern.MatchString(text):
		reason = reasonMissingActionInput
	}
	return ParseResult{Kind: ParseError, Reason: reason, Log: text}
}

func cleanToolName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "`*\"'")
	return strings.TrimSpace(s)
}

func cleanToolInput(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if inner, ok := provider.FencedBlock(s); ok {
			s = inner
		} else {
			s = strings.TrimPrefix(s, "```")
			s = strings.TrimPrefix(s, "json")
		}
	}
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"")
	return strings.TrimSpace(s)
}

func cleanThought(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "Thought:")
	return strings.TrimSpace(s)
}
