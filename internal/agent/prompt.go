// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package agent

import (
	"strings"

	"github.com/sigil-dev/vigil/internal/memory"
	"github.com/sigil-dev/vigil/internal/provider"
)

// StopSequence keeps the model from writing its own observations.
const StopSequence = "\nObservation"

const formatContract = `Use the following format:

Question: the input question you must answer
Thought: think about what to do next
Action: the action to take, one of [{tool_names}]
Action Input: the input to the action, a single JSON object
Observation: the result of the action
... (Thought/Action/Action Input/Observation can repeat as needed)
Thought: I now know the final answer
Final Answer: the final answer to the original question

Never write an Observation yourself; it is supplied after each Action.`

// step is one think/act/observe round kept for the scratchpad.
type step struct {
	log         string
	observation string
}

// systemPrompt joins the caller's instructions with the tool catalog and the
// reply format.
func systemPrompt(base string, reg *Registry) string {
	var b strings.Builder
	if base = strings.TrimSpace(base); base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}
	b.WriteString("You have access to the following tools:\n\n")
	b.WriteString(reg.Catalog())
	b.WriteString("\n\n")
	b.WriteString(strings.ReplaceAll(formatContract, "{tool_names}", strings.Join(reg.Names(), ", ")))
	return b.String()
}

// scratchpad renders prior steps in the order they happened.
func scratchpad(steps []step) string {
	var b strings.Builder
	for _, s := range steps {
		b.WriteString(s.log)
		b.WriteString("\nObservation: ")
		b.WriteString(s.observation)
		b.WriteString("\nThought: ")
	}
	return b.String()
}

// buildMessages lays out history, the task and the scratchpad. The
// scratchpad goes last as an assistant turn the model continues from.
func buildMessages(history []memory.Turn, task string, steps []step) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+2)
	for _, t := range history {
		role := provider.MessageRoleUser
		if t.Role == memory.RoleAssistant {
			role = provider.MessageRoleAssistant
		}
		msgs = append(msgs, provider.Message{Role: role, Content: t.Content})
	}
	msgs = append(msgs, provider.Message{Role: provider.MessageRoleUser, Content: "Question: " + task})
	if pad := strings.TrimRight(scratchpad(steps), " \n"); pad != "" {
		msgs = append(msgs, provider.Message{Role: provider.MessageRoleAssistant, Content: pad})
	}
	return msgs
}
