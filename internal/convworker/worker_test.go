package convworker_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"agentloop/internal/convworker"
	"agentloop/internal/credentials"
	"agentloop/internal/domain"
	"agentloop/internal/llmclient"
	"agentloop/internal/repository/memory"
	"agentloop/internal/skills"
)

func newWorker(t *testing.T, store *memory.Store, responses []string, now time.Time, cfg convworker.Config) (*convworker.Worker, *llmclient.Fake) {
	t.Helper()
	reg := skills.NewStaticRegistry(nil)
	asm := credentials.New(credentials.AESGCMDecryptor{}, reg, zerolog.Nop())
	fake := &llmclient.Fake{Responses: responses}
	w := convworker.New(store, asm, fake, nil, nil, nil, nil, zerolog.Nop(), func() time.Time { return now }, cfg)
	return w, fake
}

func backgroundConversation(id string, due time.Time) domain.Conversation {
	return domain.Conversation{
		ID:        id,
		UserID:    "user-1",
		Title:     "daily digest",
		Status:    domain.StatusBackground,
		Schedule:  &domain.Schedule{Type: domain.ScheduleCron, CronExpression: "0 9 * * *"},
		NextRunAt: &due,
		State:     domain.State{Context: map[string]any{}, Step: "initial", Data: map[string]any{}},
	}
}

func waitForNotifications(t *testing.T, store *memory.Store, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.Notifications()) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d notifications, got %d", n, len(store.Notifications()))
}

func TestWorker_CompleteCronReschedules(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	store := memory.New(func() time.Time { return now })
	store.PutConversation(backgroundConversation("c1", now.Add(-time.Minute)))

	resp := `{"complete": true, "message": "done for today"}`
	w, _ := newWorker(t, store, []string{resp}, now, convworker.Config{PollInterval: 20 * time.Millisecond, MaxConcurrency: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	conv, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusBackground, conv.Status)
	require.NotNil(t, conv.NextRunAt)
	require.True(t, conv.NextRunAt.After(now))

	waitForNotifications(t, store, 1)
}

func TestWorker_NeedsInputPauses(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store := memory.New(func() time.Time { return now })
	store.PutConversation(backgroundConversation("c1", now.Add(-time.Minute)))

	resp := `{"needs_input": true, "question": {"type": "input", "prompt": "what's the filename?"}}`
	w, _ := newWorker(t, store, []string{resp}, now, convworker.Config{PollInterval: 20 * time.Millisecond, MaxConcurrency: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	conv, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaitingInput, conv.Status)
	require.NotNil(t, conv.PendingQuestion)
	require.Equal(t, "what's the filename?", conv.PendingQuestion.Prompt)
}

func TestWorker_ContinueRecomputesNextRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	store := memory.New(func() time.Time { return now })
	store.PutConversation(backgroundConversation("c1", now.Add(-time.Minute)))

	resp := `{"continue": true, "message": "still working", "state_update": {"progress": 50}}`
	w, _ := newWorker(t, store, []string{resp}, now, convworker.Config{PollInterval: 20 * time.Millisecond, MaxConcurrency: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	conv, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusBackground, conv.Status)
	require.Equal(t, float64(50), conv.State.Data["progress"])
	require.NotNil(t, conv.NextRunAt)

	msgs, err := store.ListMessages(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "still working", msgs[0].Content)
}

func TestWorker_ExecutionErrorIncrementsFailures(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store := memory.New(func() time.Time { return now })
	store.PutConversation(backgroundConversation("c1", now.Add(-time.Minute)))

	reg := skills.NewStaticRegistry(nil)
	asm := credentials.New(credentials.AESGCMDecryptor{}, reg, zerolog.Nop())
	fake := &llmclient.Fake{Err: assertErr{"rate limited, please slow down"}}
	w := convworker.New(store, asm, fake, nil, nil, nil, nil, zerolog.Nop(), func() time.Time { return now },
		convworker.Config{PollInterval: 20 * time.Millisecond, MaxConcurrency: 2, MaxRetries: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	conv, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, conv.ConsecutiveFailures, 1)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
