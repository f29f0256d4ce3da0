// Package llmclient defines the abstract LLM client port (spec.md §6):
// Run for an aggregated completion and Stream for an ordered sequence of
// StreamEvents. internal/llmclient/{anthropic,openai,gemini} are concrete
// adapters, one per provider SDK in the teacher's own internal/llm split.
package llmclient

import (
	"context"

	"agentloop/internal/credentials"
)

// Result is the aggregated output of a Run call.
type Result struct {
	Response  string
	SessionID string
}

// StreamEventTag distinguishes the StreamEvent variants.
type StreamEventTag string

const (
	EventInit       StreamEventTag = "init"
	EventAssistant  StreamEventTag = "assistant"
	EventToolUse    StreamEventTag = "tool_use"
	EventToolResult StreamEventTag = "tool_result"
	EventError      StreamEventTag = "error"
	EventDone       StreamEventTag = "done"
)

// StreamEvent is one ordered event from a Stream call. Only the fields
// relevant to Tag are populated.
type StreamEvent struct {
	Tag StreamEventTag

	SessionID string // set on EventInit
	Content   string // set on EventAssistant

	ToolName  string         // set on EventToolUse
	ToolInput map[string]any // set on EventToolUse

	ToolResult string // set on EventToolResult

	Err error // set on EventError
}

// Client is the LLM client port every worker/processor invokes through.
type Client interface {
	Run(ctx context.Context, plan credentials.QueryPlan) (Result, error)
	Stream(ctx context.Context, plan credentials.QueryPlan) (<-chan StreamEvent, error)
}
