// Package repository defines the abstract persistence port spec.md §4.4
// describes: transactional CRUD for conversations, messages, tasks,
// integrations, and notifications, plus the two scheduler-critical
// skip-locked claim queries. Concrete implementations live in the
// memory (test double) and postgres (production) subpackages.
package repository

import (
	"context"
	"errors"
	"time"

	"agentloop/internal/domain"
)

// ErrNotFound is returned when a lookup by id finds no row, mirroring the
// teacher's objectstore.ErrNotFound / chat_store_postgres's pgx.ErrNoRows
// translation.
var ErrNotFound = errors.New("repository: not found")

// ConversationUpdate carries only the fields an update call should apply;
// nil pointers and nil maps are left untouched (spec.md §6: "update
// methods accept partial records and must apply only supplied fields").
type ConversationUpdate struct {
	Status                 *domain.ConversationStatus
	Schedule               *domain.Schedule
	ScheduleCleared        bool
	NextRunAt              *time.Time
	NextRunAtCleared       bool
	State                  *domain.State
	PendingQuestion        *domain.PendingQuestion
	PendingQuestionCleared bool
	ClaudeSessionID        *string
	Skills                 []string
	ConsecutiveFailures    *int
}

// TaskUpdate carries only the fields a task update call should apply.
type TaskUpdate struct {
	Status              *domain.TaskStatus
	NextRunAt           *time.Time
	NextRunAtCleared    bool
	LastRunAt           *time.Time
	CurrentRuns         *int
	ConsecutiveFailures *int
	LastError           *string
	TaskContext         map[string]any
}

// Claim is the transactional handle returned by claim_ready_* calls. The
// row-level lock it represents is held until Release is called; workers
// call Release after they finish processing (committing the equivalent
// of the enclosing transaction).
type Claim interface {
	Release(ctx context.Context) error
}

// Repository is the abstract persistence port.
type Repository interface {
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error

	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error)

	ListConversationTasks(ctx context.Context, conversationID string) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	CreateTask(ctx context.Context, task domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, upd TaskUpdate) error
	FindTaskByName(ctx context.Context, conversationID, name string) (domain.Task, error)

	ListActiveIntegrations(ctx context.Context, userID string) ([]domain.Integration, error)

	CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error)

	// ClaimReadyConversations returns up to limit background conversations
	// whose schedule has come due, with a row-level skip-locked claim held
	// for each until its Claim is released.
	ClaimReadyConversations(ctx context.Context, limit int) ([]ClaimedConversation, error)

	// ClaimReadyTasks returns up to limit active tasks whose schedule has
	// come due, analogous to ClaimReadyConversations.
	ClaimReadyTasks(ctx context.Context, limit int) ([]ClaimedTask, error)
}

// ClaimedConversation pairs a claimed row with its release handle.
type ClaimedConversation struct {
	Conversation domain.Conversation
	Claim        Claim
}

// ClaimedTask pairs a claimed row with its release handle.
type ClaimedTask struct {
	Task  domain.Task
	Claim Claim
}
