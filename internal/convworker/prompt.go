package convworker

import (
	"fmt"
	"strings"

	"agentloop/internal/domain"
)

// buildWorkerSystemPrompt declares the worker response grammar (spec.md
// §4.6 step 3 / §4.2's three worker variants).
func buildWorkerSystemPrompt() string {
	return `You are resuming a background conversation. Reply with a single JSON object, one of:

- {"needs_input": true, "question": {"type": "confirmation"|"choice"|"input", "prompt": "...", "options": [...]}} — pause and ask the user.
- {"complete": true, "message": "..."} — this background cycle is finished.
- {"continue": true, "message": "...", "next_step": "...", "state_update": {...}} — more work remains; advance state and run again on schedule.

Do not include any text outside the JSON object.`
}

// buildWorkerUserPrompt assembles the worker user prompt (spec.md §4.6
// step 4): context, step, message history, state data.
func buildWorkerUserPrompt(conv domain.Conversation, history []domain.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CONTEXT:\n%v\n\n", conv.State.Context)
	fmt.Fprintf(&b, "STEP:\n%s\n\n", conv.State.Step)
	b.WriteString("MESSAGE HISTORY:\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "\nSTATE DATA:\n%v\n", conv.State.Data)
	return b.String()
}
