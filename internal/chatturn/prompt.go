package chatturn

import (
	"encoding/json"
	"fmt"
	"strings"

	"agentloop/internal/domain"
)

// buildChatSystemPrompt assembles the system prompt spec.md §4.5 step 6
// describes: connected/unconnected integrations, conversation state,
// active tasks, current status, a contextual hint, and the chat action
// grammar. Modeled on the teacher's template-assembly style in
// internal/agent/prompts/system.go (fmt.Sprintf over a fixed skeleton).
func buildChatSystemPrompt(conv domain.Conversation, tasks []domain.Task, connected, available []string) string {
	var b strings.Builder

	b.WriteString("You are a long-running assistant that can reply inline or schedule work to continue in the background.\n\n")

	if len(connected) > 0 {
		fmt.Fprintf(&b, "Connected integrations: %s\n", strings.Join(connected, ", "))
	} else {
		b.WriteString("Connected integrations: none\n")
	}
	if len(available) > 0 {
		fmt.Fprintf(&b, "Available but not connected: %s\n", strings.Join(available, ", "))
	}

	fmt.Fprintf(&b, "\nConversation state: %s\n", stateJSON(conv.State))
	fmt.Fprintf(&b, "Conversation status: %s\n", conv.Status)

	if hint := statusHint(conv.Status); hint != "" {
		b.WriteString(hint + "\n")
	}

	active := activeTasks(tasks)
	b.WriteString("\nActive tasks:\n")
	if len(active) == 0 {
		b.WriteString("(none)\n")
	} else {
		for _, t := range active {
			fmt.Fprintf(&b, "- %s\n", taskSummary(t))
		}
	}

	b.WriteString("\n" + chatActionGrammar())

	return b.String()
}

// buildChatUserPrompt assembles the user prompt spec.md §4.5 step 7
// describes: chronological history, then the new user message.
func buildChatUserPrompt(history []domain.Message, userContent string) string {
	var b strings.Builder
	b.WriteString("CONVERSATION HISTORY:\n")
	for _, m := range history {
		role := string(m.Role)
		if m.Source == domain.SourceWorker {
			role += " [background]"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, m.Content)
	}
	b.WriteString("\nUSER MESSAGE:\n")
	b.WriteString(userContent)
	return b.String()
}

func statusHint(status domain.ConversationStatus) string {
	switch status {
	case domain.StatusWaitingInput:
		return "This conversation is paused waiting for the user's answer to a pending question; the incoming message is that answer."
	case domain.StatusBackground:
		return "This conversation is running in the background on a schedule; the user has interrupted to chat."
	default:
		return ""
	}
}

func activeTasks(tasks []domain.Task) []domain.Task {
	var out []domain.Task
	for _, t := range tasks {
		if t.Status == domain.TaskActive {
			out = append(out, t)
		}
	}
	return out
}

func taskSummary(t domain.Task) string {
	schedule := t.Schedule.CronExpr
	if !t.Schedule.IsCron() {
		schedule = fmt.Sprintf("every %d %s", t.Schedule.IntervalValue, t.Schedule.IntervalUnit)
	}
	maxRuns := "unbounded"
	if t.MaxRuns != nil {
		maxRuns = fmt.Sprintf("%d", *t.MaxRuns)
	}
	expires := "never"
	if t.ExpiresAt != nil {
		expires = t.ExpiresAt.Format("2006-01-02T15:04:05Z")
	}
	lastRun := "never"
	if t.LastRunAt != nil {
		lastRun = t.LastRunAt.Format("2006-01-02T15:04:05Z")
	}
	return fmt.Sprintf("{id: %s, name: %s, schedule: %s, currentRuns: %d, maxRuns: %s, expiresAt: %s, lastRunAt: %s}",
		t.ID, t.Name, schedule, t.CurrentRuns, maxRuns, expires, lastRun)
}

func stateJSON(s domain.State) string {
	b, err := json.Marshal(map[string]any{"context": s.Context, "step": s.Step, "data": s.Data})
	if err != nil {
		return "{}"
	}
	return string(b)
}

// chatActionGrammar documents the JSON shapes the model may emit inline
// with its reply, with worked examples for task creation.
func chatActionGrammar() string {
	return `You may include at most one top-level JSON object in your reply to take a structured action, alongside your natural-language message in a "message" field. Recognised shapes:

- {"create_schedule": {"type": "cron"|"scheduled"|"immediate", "cron_expression": "...", "run_at": "...", "initial_state": {...}}} — move this conversation to the background on a schedule.
- {"needs_input": {"type": "confirmation"|"choice"|"input", "prompt": "...", "options": [...]}} — ask the user a question and pause.
- {"state_update": {...}} — merge fields into the conversation's working memory.
- {"create_task": {"name": "...", "description": "...", "intervalValue": 30, "intervalUnit": "minutes", "cronExpression": "...", "maxRuns": 10, "durationSeconds": 3600, "taskContext": {...}}} — create a recurring named task, e.g. {"create_task": {"name": "daily digest", "intervalValue": 1, "intervalUnit": "days"}}.
- {"delete_task": {"taskId": "..."}} or {"delete_task": {"taskName": "..."}} — remove a task by id or case-insensitive name.

create_task and delete_task may co-occur with any of the above. Omit the JSON entirely for a plain reply.`
}
