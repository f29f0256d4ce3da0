package taskworker

import (
	"fmt"
	"strings"

	"agentloop/internal/domain"
)

// buildTaskSystemPrompt names the task and asks for a plain-text,
// JSON-free response (spec.md §4.7 step 3).
func buildTaskSystemPrompt(task domain.Task) string {
	return fmt.Sprintf(`You are executing a scheduled run of the task %q.

%s

Reply with plain text only. Do not include any JSON.`, task.Name, task.Description)
}

// buildTaskUserPrompt assembles the run number, last-run timestamp,
// task_context, and the last 10 messages (spec.md §4.7 step 4).
func buildTaskUserPrompt(task domain.Task, history []domain.Message) string {
	var b strings.Builder

	runLabel := fmt.Sprintf("%d", task.CurrentRuns+1)
	if task.MaxRuns != nil {
		runLabel += fmt.Sprintf("/%d", *task.MaxRuns)
	}
	fmt.Fprintf(&b, "RUN: %s\n", runLabel)

	lastRun := "never"
	if task.LastRunAt != nil {
		lastRun = task.LastRunAt.Format("2006-01-02T15:04:05Z")
	}
	fmt.Fprintf(&b, "LAST RUN: %s\n", lastRun)

	fmt.Fprintf(&b, "TASK CONTEXT:\n%v\n\n", task.TaskContext)

	b.WriteString("RECENT MESSAGES:\n")
	for _, m := range lastN(history, 10) {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	return b.String()
}

func lastN(msgs []domain.Message, n int) []domain.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
