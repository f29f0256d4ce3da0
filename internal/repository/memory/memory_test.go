package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentloop/internal/domain"
	"agentloop/internal/repository"
	"agentloop/internal/repository/memory"
)

func TestClaimReadyConversations_SkipsAlreadyClaimed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC)
	store := memory.New(func() time.Time { return now })

	due := now.Add(-time.Minute)
	store.PutConversation(domain.Conversation{
		ID:        "conv-1",
		Status:    domain.StatusBackground,
		Schedule:  &domain.Schedule{Type: domain.ScheduleImmediate},
		NextRunAt: &due,
	})

	claimed, err := store.ClaimReadyConversations(ctx, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "conv-1", claimed[0].Conversation.ID)

	// A second claim call must not return the already-claimed row.
	claimedAgain, err := store.ClaimReadyConversations(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, claimedAgain)

	require.NoError(t, claimed[0].Claim.Release(ctx))

	claimedOnceMore, err := store.ClaimReadyConversations(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, claimedOnceMore, 1)
}

func TestClaimReadyConversations_IgnoresNotYetDue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC)
	store := memory.New(func() time.Time { return now })

	future := now.Add(time.Hour)
	store.PutConversation(domain.Conversation{
		ID:        "conv-future",
		Status:    domain.StatusBackground,
		Schedule:  &domain.Schedule{Type: domain.ScheduleImmediate},
		NextRunAt: &future,
	})

	claimed, err := store.ClaimReadyConversations(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestUpdateConversation_PartialUpdateOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New(nil)
	store.PutConversation(domain.Conversation{ID: "c1", Title: "original", Status: domain.StatusActive})

	newStatus := domain.StatusWaitingInput
	err := store.UpdateConversation(ctx, "c1", repository.ConversationUpdate{Status: &newStatus})
	require.NoError(t, err)

	got, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaitingInput, got.Status)
	assert.Equal(t, "original", got.Title) // untouched field preserved
}

func TestFindTaskByName_CaseInsensitive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New(nil)
	store.PutTask(domain.Task{ID: "t1", ConversationID: "c1", Name: "Greet"})

	got, err := store.FindTaskByName(ctx, "c1", "greet")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)

	_, err = store.FindTaskByName(ctx, "c1", "nonexistent")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAppendMessage_AssignsIDAndTimestamp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New(nil)

	msg, err := store.AppendMessage(ctx, domain.Message{ConversationID: "c1", Role: domain.RoleUser, Content: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())

	all, err := store.ListMessages(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "hi", all[0].Content)
}
