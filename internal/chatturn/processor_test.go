package chatturn_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"agentloop/internal/chatturn"
	"agentloop/internal/credentials"
	"agentloop/internal/domain"
	"agentloop/internal/llmclient"
	"agentloop/internal/repository/memory"
	"agentloop/internal/skills"
)

func newProcessor(t *testing.T, store *memory.Store, responses []string, now time.Time) (*chatturn.Processor, *llmclient.Fake) {
	t.Helper()
	reg := skills.NewStaticRegistry(nil)
	asm := credentials.New(credentials.AESGCMDecryptor{}, reg, zerolog.Nop())
	fake := &llmclient.Fake{Responses: responses}
	proc := chatturn.New(store, asm, fake, nil, nil, zerolog.Nop(), func() time.Time { return now })
	return proc, fake
}

func baseConversation(id string) domain.Conversation {
	return domain.Conversation{
		ID:        id,
		UserID:    "user-1",
		Status:    domain.StatusActive,
		State:     domain.State{Context: map[string]any{}, Step: "initial", Data: map[string]any{}},
		CreatedAt: time.Now(),
	}
}

func TestProcess_PlainReply(t *testing.T) {
	t.Parallel()
	store := memory.New(nil)
	store.PutConversation(baseConversation("c1"))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	proc, _ := newProcessor(t, store, []string{"Sure, I can help with that."}, now)

	result, err := proc.Process(context.Background(), "c1", "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", result.UserMessage.Content)
	require.Equal(t, "Sure, I can help with that.", result.AssistantMessage.Content)
	require.False(t, result.StateChanged)

	conv, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, conv.Status)
	require.NotEmpty(t, conv.ClaudeSessionID)
}

func TestProcess_CreateScheduleCron(t *testing.T) {
	t.Parallel()
	store := memory.New(nil)
	store.PutConversation(baseConversation("c1"))
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	resp := `{"message": "I'll check every day at 9am.", "create_schedule": {"type": "cron", "cron_expression": "0 9 * * *"}}`
	proc, _ := newProcessor(t, store, []string{resp}, now)

	result, err := proc.Process(context.Background(), "c1", "check daily")
	require.NoError(t, err)
	require.True(t, result.StateChanged)
	require.Equal(t, domain.StatusBackground, result.NewStatus)

	conv, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusBackground, conv.Status)
	require.NotNil(t, conv.Schedule)
	require.Equal(t, domain.ScheduleCron, conv.Schedule.Type)
	require.NotNil(t, conv.NextRunAt)
	require.True(t, conv.NextRunAt.After(now))
}

func TestProcess_NeedsInputChat(t *testing.T) {
	t.Parallel()
	store := memory.New(nil)
	store.PutConversation(baseConversation("c1"))
	now := time.Now()
	resp := `{"message": "Which account?", "needs_input": {"type": "choice", "prompt": "Which account?", "options": ["work", "personal"]}}`
	proc, _ := newProcessor(t, store, []string{resp}, now)

	_, err := proc.Process(context.Background(), "c1", "send an email")
	require.NoError(t, err)

	conv, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaitingInput, conv.Status)
	require.NotNil(t, conv.PendingQuestion)
	require.Equal(t, domain.QuestionChoice, conv.PendingQuestion.Type)
	require.Equal(t, []string{"work", "personal"}, conv.PendingQuestion.Options)
}

func TestProcess_StateUpdate(t *testing.T) {
	t.Parallel()
	store := memory.New(nil)
	conv := baseConversation("c1")
	conv.State.Data = map[string]any{"count": float64(1)}
	store.PutConversation(conv)
	now := time.Now()
	resp := `{"message": "noted", "state_update": {"count": 2, "last_seen": "today"}}`
	proc, _ := newProcessor(t, store, []string{resp}, now)

	_, err := proc.Process(context.Background(), "c1", "update")
	require.NoError(t, err)

	got, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, float64(2), got.State.Data["count"])
	require.Equal(t, "today", got.State.Data["last_seen"])
}

func TestProcess_CreateTaskAndDeleteTask(t *testing.T) {
	t.Parallel()
	store := memory.New(nil)
	store.PutConversation(baseConversation("c1"))
	now := time.Now()
	resp := `{"message": "created it", "create_task": {"name": "daily digest", "intervalValue": 1, "intervalUnit": "days"}}`
	proc, _ := newProcessor(t, store, []string{resp}, now)

	_, err := proc.Process(context.Background(), "c1", "make a daily task")
	require.NoError(t, err)

	tasks, err := store.ListConversationTasks(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "daily digest", tasks[0].Name)
	require.Equal(t, domain.TaskActive, tasks[0].Status)

	resp2 := `{"message": "removed it", "delete_task": {"taskName": "daily digest"}}`
	proc2, _ := newProcessor(t, store, []string{resp2}, now)
	_, err = proc2.Process(context.Background(), "c1", "delete it")
	require.NoError(t, err)

	task, err := store.GetTask(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskDeleted, task.Status)
	require.Nil(t, task.NextRunAt)
}

func TestProcess_RejectsTaskWithTooShortInterval(t *testing.T) {
	t.Parallel()
	store := memory.New(nil)
	store.PutConversation(baseConversation("c1"))
	now := time.Now()
	resp := `{"message": "ok", "create_task": {"name": "too fast", "intervalValue": 5, "intervalUnit": "seconds"}}`
	proc, _ := newProcessor(t, store, []string{resp}, now)

	_, err := proc.Process(context.Background(), "c1", "go fast")
	require.NoError(t, err)

	tasks, err := store.ListConversationTasks(context.Background(), "c1")
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestProcess_ClearsWaitingInputOnPlainReply(t *testing.T) {
	t.Parallel()
	store := memory.New(nil)
	conv := baseConversation("c1")
	conv.Status = domain.StatusWaitingInput
	conv.PendingQuestion = &domain.PendingQuestion{Type: domain.QuestionInput, Prompt: "what's your name?"}
	store.PutConversation(conv)
	now := time.Now()
	proc, _ := newProcessor(t, store, []string{"Nice to meet you."}, now)

	_, err := proc.Process(context.Background(), "c1", "Ada")
	require.NoError(t, err)

	got, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, got.Status)
	require.Nil(t, got.PendingQuestion)
}

func TestProcess_NotFoundConversation(t *testing.T) {
	t.Parallel()
	store := memory.New(nil)
	proc, _ := newProcessor(t, store, nil, time.Now())
	_, err := proc.Process(context.Background(), "missing", "hi")
	require.Error(t, err)
}
