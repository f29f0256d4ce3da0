// Package protocol extracts structured directives from an LLM's raw text
// response: a single balanced JSON object embedded (or not) in otherwise
// free-form text, dispatched to one of the chat- or worker-context
// response variants by field presence and, for the needs_input field,
// by runtime type. Modeled on the teacher's pattern of probing
// heterogeneous SDK payloads by type switch rather than a fixed schema
// (internal/llm/anthropic/client.go's content-block dispatch).
package protocol

import (
	"encoding/json"
	"strings"
)

// Kind tags which variant a parsed response resolved to.
type Kind string

const (
	KindPlain          Kind = "plain"
	KindCreateSchedule Kind = "create_schedule"
	KindNeedsInputChat Kind = "needs_input_chat"
	KindStateUpdate    Kind = "state_update"
	KindNeedsInputWork Kind = "needs_input_worker"
	KindComplete       Kind = "complete"
	KindContinue       Kind = "continue"
)

// CreateSchedule is the payload of a chat-context create_schedule directive.
type CreateSchedule struct {
	Type           string         `json:"type"`
	CronExpression string         `json:"cron_expression"`
	RunAt          string         `json:"run_at"`
	InitialState   map[string]any `json:"initial_state"`
}

// NeedsInputChat is the payload of a chat-context needs_input directive.
type NeedsInputChat struct {
	Type    string   `json:"type"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
}

// CreateTask is the payload of a chat-context create_task directive.
type CreateTask struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	IntervalValue   int            `json:"intervalValue"`
	IntervalUnit    string         `json:"intervalUnit"`
	CronExpression  string         `json:"cronExpression"`
	MaxRuns         *int           `json:"maxRuns"`
	DurationSeconds *int           `json:"durationSeconds"`
	TaskContext     map[string]any `json:"taskContext"`
}

// DeleteTask is the payload of a chat-context delete_task directive.
type DeleteTask struct {
	TaskID   string `json:"taskId"`
	TaskName string `json:"taskName"`
}

// WorkerQuestion is the question object accompanying a worker-context
// needs_input=true directive.
type WorkerQuestion struct {
	Type    string   `json:"type"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
}

// Response is the fully classified result of parsing one LLM turn.
type Response struct {
	Kind    Kind
	Message string

	// ParseFailed is set when the response contained what looked like a
	// balanced JSON object but it did not decode into the envelope shape
	// (malformed directive JSON), as opposed to plain prose with no
	// embedded object at all. Callers use this to emit a protocol parse
	// failure metric.
	ParseFailed bool

	CreateSchedule *CreateSchedule
	NeedsInputChat *NeedsInputChat
	StateUpdate    map[string]any
	CreateTask     *CreateTask
	DeleteTask     *DeleteTask

	NeedsInputWorker *WorkerQuestion
	Complete         bool
	ContinueStep     string
	ContinueUpdate   map[string]any

	// raw is the full decoded object (set by ParseChat only). It is
	// unexported and has no accessor, so code outside this package cannot
	// read it.
	raw map[string]json.RawMessage
}

// envelope is the subset of fields every variant might carry, decoded with
// json.RawMessage so a field's absence and its runtime type can both be
// probed before committing to a shape.
type envelope struct {
	Message        *string         `json:"message"`
	CreateSchedule json.RawMessage `json:"create_schedule"`
	NeedsInput     json.RawMessage `json:"needs_input"`
	StateUpdate    json.RawMessage `json:"state_update"`
	CreateTask     json.RawMessage `json:"create_task"`
	DeleteTask     json.RawMessage `json:"delete_task"`
	Complete       *bool           `json:"complete"`
	Continue       *bool           `json:"continue"`
	NextStep       *string         `json:"next_step"`
}

// ParseChat parses a chat-context LLM response per the variant precedence
// create_schedule -> needs_input -> state_update, with create_task and
// delete_task applied unconditionally alongside whichever of those three
// matched (or none).
func ParseChat(text string) Response {
	obj, rest, ok := extractBalancedJSON(text)
	if !ok {
		return Response{Kind: KindPlain, Message: strings.TrimSpace(text)}
	}

	var env envelope
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(obj, &env); err != nil {
		return Response{Kind: KindPlain, Message: strings.TrimSpace(text), ParseFailed: true}
	}
	_ = json.Unmarshal(obj, &raw)

	resp := Response{Message: synthesizeMessage(env.Message, rest, text), raw: raw}

	switch {
	case len(env.CreateSchedule) > 0:
		var cs CreateSchedule
		if err := json.Unmarshal(env.CreateSchedule, &cs); err == nil {
			resp.Kind = KindCreateSchedule
			resp.CreateSchedule = &cs
		}
	case isObjectNeedsInput(env.NeedsInput):
		var ni NeedsInputChat
		if err := json.Unmarshal(env.NeedsInput, &ni); err == nil {
			resp.Kind = KindNeedsInputChat
			resp.NeedsInputChat = &ni
		}
	case len(env.StateUpdate) > 0:
		var su map[string]any
		if err := json.Unmarshal(env.StateUpdate, &su); err == nil {
			resp.Kind = KindStateUpdate
			resp.StateUpdate = su
		}
	}
	if resp.Kind == "" {
		resp.Kind = KindPlain
	}

	if len(env.CreateTask) > 0 {
		var ct CreateTask
		if err := json.Unmarshal(env.CreateTask, &ct); err == nil {
			resp.CreateTask = &ct
		}
	}
	if len(env.DeleteTask) > 0 {
		var dt DeleteTask
		if err := json.Unmarshal(env.DeleteTask, &dt); err == nil {
			resp.DeleteTask = &dt
		}
	}

	return resp
}

// ParseWorker parses a worker-context LLM response. needs_input is
// recognised only when it decodes as a JSON boolean true (the chat variant,
// an object, is not meaningful here and falls through); complete and
// continue are similarly boolean-tagged. Anything unrecognised or
// non-JSON is treated as continue with no updates.
func ParseWorker(text string) Response {
	obj, rest, ok := extractBalancedJSON(text)
	if !ok {
		return Response{Kind: KindContinue, Message: strings.TrimSpace(text)}
	}

	var env envelope
	if err := json.Unmarshal(obj, &env); err != nil {
		return Response{Kind: KindContinue, Message: strings.TrimSpace(text), ParseFailed: true}
	}

	resp := Response{Message: synthesizeMessage(env.Message, rest, text)}

	switch {
	case isBoolTrue(env.NeedsInput):
		var payload struct {
			Question WorkerQuestion `json:"question"`
		}
		_ = json.Unmarshal(obj, &payload)
		resp.Kind = KindNeedsInputWork
		resp.NeedsInputWorker = &payload.Question
	case env.Complete != nil && *env.Complete:
		resp.Kind = KindComplete
	case env.Continue != nil && *env.Continue:
		resp.Kind = KindContinue
		if env.NextStep != nil {
			resp.ContinueStep = *env.NextStep
		}
		if len(env.StateUpdate) > 0 {
			var su map[string]any
			if err := json.Unmarshal(env.StateUpdate, &su); err == nil {
				resp.ContinueUpdate = su
			}
		}
	default:
		resp.Kind = KindContinue
	}

	return resp
}

// isObjectNeedsInput reports whether raw decodes as a JSON object (the
// chat-context needs_input shape), as opposed to a JSON boolean.
func isObjectNeedsInput(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, ok := probe.(map[string]any)
	return ok
}

// isBoolTrue reports whether raw decodes as the JSON literal true (the
// worker-context needs_input shape).
func isBoolTrue(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	b, ok := probe.(bool)
	return ok && b
}

// synthesizeMessage prefers an explicit "message" field; failing that, it
// falls back to the text outside the JSON span, stripped; failing that,
// the raw response.
func synthesizeMessage(explicit *string, outsideJSON string, raw string) string {
	if explicit != nil && strings.TrimSpace(*explicit) != "" {
		return *explicit
	}
	if stripped := strings.TrimSpace(outsideJSON); stripped != "" {
		return stripped
	}
	return strings.TrimSpace(raw)
}

// extractBalancedJSON scans text for the first top-level balanced JSON
// object (brace counting, string/escape aware). It returns the object's
// bytes, the remaining text with the object span removed, and whether one
// was found. The span is not validated here: a balanced span that is not
// valid JSON is still returned, and the caller's decode reports it.
func extractBalancedJSON(text string) (obj json.RawMessage, rest string, ok bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return nil, text, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				end := i + 1
				candidate := text[start:end]
				rest = text[:start] + text[end:]
				return json.RawMessage(candidate), rest, true
			}
		}
	}
	return nil, text, false
}
