package taskworker_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"agentloop/internal/credentials"
	"agentloop/internal/domain"
	"agentloop/internal/llmclient"
	"agentloop/internal/repository/memory"
	"agentloop/internal/skills"
	"agentloop/internal/taskworker"
)

func newWorker(t *testing.T, store *memory.Store, responses []string, now time.Time, cfg taskworker.Config) *taskworker.Worker {
	t.Helper()
	reg := skills.NewStaticRegistry(nil)
	asm := credentials.New(credentials.AESGCMDecryptor{}, reg, zerolog.Nop())
	fake := &llmclient.Fake{Responses: responses}
	return taskworker.New(store, asm, fake, nil, nil, nil, nil, zerolog.Nop(), func() time.Time { return now }, cfg)
}

func activeTask(id, convID string, due time.Time) domain.Task {
	return domain.Task{
		ID:             id,
		ConversationID: convID,
		UserID:         "user-1",
		Name:           "daily digest",
		Status:         domain.TaskActive,
		Schedule:       domain.TaskSchedule{IntervalValue: 1, IntervalUnit: domain.IntervalDays},
		NextRunAt:      &due,
	}
}

func TestWorker_IncrementsRunsAndReschedules(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	store := memory.New(func() time.Time { return now })
	store.PutConversation(domain.Conversation{ID: "conv1", UserID: "user-1", Status: domain.StatusActive})
	store.PutTask(activeTask("t1", "conv1", now.Add(-time.Minute)))

	w := newWorker(t, store, []string{"Here is today's digest."}, now, taskworker.Config{PollInterval: 20 * time.Millisecond, MaxConcurrency: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	task, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, 1, task.CurrentRuns)
	require.NotNil(t, task.LastRunAt)
	require.NotNil(t, task.NextRunAt)
	require.True(t, task.NextRunAt.After(now))

	msgs, err := store.ListMessages(context.Background(), "conv1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "Here is today's digest.", msgs[0].Content)

	notifs := store.Notifications()
	require.Len(t, notifs, 1)
	require.Equal(t, "Task: daily digest", notifs[0].Title)
}

func TestWorker_CompletesWhenMaxRunsReached(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	store := memory.New(func() time.Time { return now })
	store.PutConversation(domain.Conversation{ID: "conv1", UserID: "user-1", Status: domain.StatusActive})
	task := activeTask("t1", "conv1", now.Add(-time.Minute))
	maxRuns := 1
	task.MaxRuns = &maxRuns
	store.PutTask(task)

	w := newWorker(t, store, []string{"final run done"}, now, taskworker.Config{PollInterval: 20 * time.Millisecond, MaxConcurrency: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, got.Status)
	require.Nil(t, got.NextRunAt)
}

func TestWorker_MissingConversationCompletesTask(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store := memory.New(func() time.Time { return now })
	store.PutTask(activeTask("t1", "missing-conv", now.Add(-time.Minute)))

	w := newWorker(t, store, nil, now, taskworker.Config{PollInterval: 20 * time.Millisecond, MaxConcurrency: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	task, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, task.Status)
	require.Equal(t, "Conversation not found", task.LastError)
}

func TestWorker_PausesAfterMaxRetries(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store := memory.New(func() time.Time { return now })
	store.PutConversation(domain.Conversation{ID: "conv1", UserID: "user-1", Status: domain.StatusActive})
	store.PutTask(activeTask("t1", "conv1", now.Add(-time.Minute)))

	reg := skills.NewStaticRegistry(nil)
	asm := credentials.New(credentials.AESGCMDecryptor{}, reg, zerolog.Nop())
	fake := &llmclient.Fake{Err: failErr{"boom"}}
	w := taskworker.New(store, asm, fake, nil, nil, nil, nil, zerolog.Nop(), func() time.Time { return now },
		taskworker.Config{PollInterval: 15 * time.Millisecond, MaxConcurrency: 2, MaxRetries: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	task, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskPaused, task.Status)
	require.Nil(t, task.NextRunAt)
	require.Equal(t, "boom", task.LastError)
}

type failErr struct{ msg string }

func (e failErr) Error() string { return e.msg }
