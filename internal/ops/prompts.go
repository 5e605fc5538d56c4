// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package ops

import (
	"fmt"
	"strings"
)

const askSystemPrompt = `You are an SRE assistant answering operational questions about production services.
Ground every statement in data returned by the tools. Start by recording your plan with trace_note.
Use loki_query_range_lines for log questions and prometheus_query_range for metric questions.
Keep LogQL selectors narrow and always give explicit start and end times.
Answer in plain text, citing the queries and numbers you relied on. Say so when the data is inconclusive.`

const analyzeSystemPrompt = `You are an SRE performing root-cause analysis of a production incident.
Start by recording your plan with trace_note, then gather evidence with rca_collect_evidence.
Confirm or rule out hypotheses with prometheus_query_range and jaeger_query_traces.
Never invent log lines or metric values.

Your Final Answer must be a single JSON object with this schema:
{
  "summary": "one paragraph describing what happened",
  "ranked_root_causes": [
    {
      "rank": 1,
      "service": "service name",
      "probability": 0.0,
      "description": "what failed and why",
      "key_indicators": ["metric or trace evidence"],
      "key_logs": ["verbatim log lines"]
    }
  ],
  "next_actions": ["concrete remediation or verification step"]
}
rank runs from 1 (most likely) to at most 10. probability is between 0 and 1.`

const predictSystemPrompt = `You are an SRE estimating the short-term failure risk of one service.
Work through these steps:
1. Record your plan with trace_note.
2. Inspect error rates, latency and saturation with prometheus_query_range.
3. Call predict_collect_features to get error-log counts per 5-minute bucket and recent error samples.
4. Weigh the level and trend of errors against the metric picture.

Your Final Answer must be a single JSON object:
{"risk_score": 0.0, "risk_level": "low|medium|high", "likely_failures": ["short failure mode"], "explanation": "why"}
risk_score is between 0 and 1. List at most 6 likely failures.`

const extractSystemPrompt = `You estimate the short-term failure risk of one service from its error-log history.`

func askTask(question, start, end, zone, services string) string {
	return fmt.Sprintf("%s\n\nTime range (%s): %s ~ %s\nKnown services: %s\n\n"+
		"Answer the question using the tools. Use the time range above unless the question names another one.",
		question, zone, start, end, services)
}

func analyzeTask(description, start, end, zone string) string {
	return fmt.Sprintf("Incident description: %s\nTime range (%s): %s ~ %s\n\n"+
		"Use the available Prometheus, Loki and Jaeger tools to find the root cause, then answer strictly "+
		"with the JSON schema from the system prompt.",
		description, zone, start, end)
}

func predictTask(service string, lookbackHours int) string {
	return fmt.Sprintf("Service: %s\nLookback: %d hours\n\n"+
		"Estimate the failure risk of this service for the coming hours and answer with the JSON object "+
		"from the system prompt.",
		service, lookbackHours)
}

func extractTask(service string, lookbackHours int, counts []float64, logs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Service: %s\nLookback: %d hours\n", service, lookbackHours)
	fmt.Fprintf(&b, "Error counts per 5-minute bucket, oldest first: %v\n", counts)
	b.WriteString("Recent error logs:\n")
	if len(logs) == 0 {
		b.WriteString("(none)\n")
	}
	for _, line := range logs {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("\nReturn a JSON object with keys risk_score (0 to 1), risk_level (low, medium or high), " +
		"likely_failures (at most 6 short strings) and explanation.")
	return b.String()
}
