package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentloop/internal/protocol"
)

func TestParseChat_PlainText(t *testing.T) {
	t.Parallel()

	resp := protocol.ParseChat("Sure, I'll take care of that.")
	assert.Equal(t, protocol.KindPlain, resp.Kind)
	assert.Equal(t, "Sure, I'll take care of that.", resp.Message)
}

func TestParseChat_CreateSchedule(t *testing.T) {
	t.Parallel()

	text := `{"create_schedule":{"type":"immediate"},"message":"x"}`
	resp := protocol.ParseChat(text)
	require.Equal(t, protocol.KindCreateSchedule, resp.Kind)
	require.NotNil(t, resp.CreateSchedule)
	assert.Equal(t, "immediate", resp.CreateSchedule.Type)
	assert.Equal(t, "x", resp.Message)
}

func TestParseChat_CronScheduleWithInitialState(t *testing.T) {
	t.Parallel()

	text := `I'll set that up. {"create_schedule":{"type":"cron","cron_expression":"0 9 * * *","initial_state":{"context":{"task":"check email"}}},"message":"Will do."}`
	resp := protocol.ParseChat(text)
	require.Equal(t, protocol.KindCreateSchedule, resp.Kind)
	assert.Equal(t, "cron", resp.CreateSchedule.Type)
	assert.Equal(t, "0 9 * * *", resp.CreateSchedule.CronExpression)
	assert.Equal(t, "Will do.", resp.Message)
	assert.Equal(t, map[string]any{"task": "check email"}, resp.CreateSchedule.InitialState["context"])
}

func TestParseChat_NeedsInputObject(t *testing.T) {
	t.Parallel()

	text := `{"needs_input":{"type":"confirmation","prompt":"Proceed?","options":["yes","no"]},"message":"Need confirmation."}`
	resp := protocol.ParseChat(text)
	require.Equal(t, protocol.KindNeedsInputChat, resp.Kind)
	require.NotNil(t, resp.NeedsInputChat)
	assert.Equal(t, "confirmation", resp.NeedsInputChat.Type)
	assert.Equal(t, []string{"yes", "no"}, resp.NeedsInputChat.Options)
}

func TestParseChat_StateUpdate(t *testing.T) {
	t.Parallel()

	text := `{"state_update":{"foo":"bar"},"message":"ok"}`
	resp := protocol.ParseChat(text)
	require.Equal(t, protocol.KindStateUpdate, resp.Kind)
	assert.Equal(t, "bar", resp.StateUpdate["foo"])
}

func TestParseChat_CreateTaskCoOccursWithPlain(t *testing.T) {
	t.Parallel()

	text := `{"create_task":{"name":"greet","intervalValue":15,"intervalUnit":"seconds","maxRuns":3},"message":"ok"}`
	resp := protocol.ParseChat(text)
	assert.Equal(t, protocol.KindPlain, resp.Kind)
	require.NotNil(t, resp.CreateTask)
	assert.Equal(t, "greet", resp.CreateTask.Name)
	assert.Equal(t, 15, resp.CreateTask.IntervalValue)
	require.NotNil(t, resp.CreateTask.MaxRuns)
	assert.Equal(t, 3, *resp.CreateTask.MaxRuns)
}

func TestParseChat_DeleteTask(t *testing.T) {
	t.Parallel()

	text := `{"delete_task":{"taskName":"greet"},"message":"removed"}`
	resp := protocol.ParseChat(text)
	require.NotNil(t, resp.DeleteTask)
	assert.Equal(t, "greet", resp.DeleteTask.TaskName)
}

func TestParseChat_InvalidJSONFallsBackToPlain(t *testing.T) {
	t.Parallel()

	text := `{"create_schedule": }`
	resp := protocol.ParseChat(text)
	assert.Equal(t, protocol.KindPlain, resp.Kind)
	assert.Equal(t, text, resp.Message)
}

func TestParseWorker_NeedsInputBoolean(t *testing.T) {
	t.Parallel()

	text := `{"needs_input":true,"question":{"type":"input","prompt":"What's the recipient?"}}`
	resp := protocol.ParseWorker(text)
	require.Equal(t, protocol.KindNeedsInputWork, resp.Kind)
	require.NotNil(t, resp.NeedsInputWorker)
	assert.Equal(t, "What's the recipient?", resp.NeedsInputWorker.Prompt)
}

func TestParseWorker_NeedsInputObjectIsNotWorkerShape(t *testing.T) {
	t.Parallel()

	// needs_input as an object (the chat shape) must not be classified as
	// the worker boolean variant; it falls through to continue.
	text := `{"needs_input":{"type":"input","prompt":"x"}}`
	resp := protocol.ParseWorker(text)
	assert.Equal(t, protocol.KindContinue, resp.Kind)
}

func TestParseWorker_Complete(t *testing.T) {
	t.Parallel()

	resp := protocol.ParseWorker(`{"complete":true,"message":"done for now"}`)
	assert.Equal(t, protocol.KindComplete, resp.Kind)
	assert.Equal(t, "done for now", resp.Message)
}

func TestParseWorker_ContinueWithStateAndStep(t *testing.T) {
	t.Parallel()

	resp := protocol.ParseWorker(`{"continue":true,"next_step":"awaiting_reply","state_update":{"sent":true}}`)
	assert.Equal(t, protocol.KindContinue, resp.Kind)
	assert.Equal(t, "awaiting_reply", resp.ContinueStep)
	assert.Equal(t, true, resp.ContinueUpdate["sent"])
}

func TestParseWorker_NonJSONTreatedAsContinue(t *testing.T) {
	t.Parallel()

	resp := protocol.ParseWorker("Still working on it.")
	assert.Equal(t, protocol.KindContinue, resp.Kind)
	assert.Equal(t, "Still working on it.", resp.Message)
}
