// Package domain holds the persisted shapes shared by the chat turn
// processor, the two workers, and the repository port. Nothing here talks
// to a database or an LLM; it is the vocabulary the rest of the module
// agrees on.
package domain

import "time"

// ConversationStatus is the top-level state of a conversation's lifecycle.
type ConversationStatus string

const (
	StatusActive       ConversationStatus = "active"
	StatusBackground   ConversationStatus = "background"
	StatusWaitingInput ConversationStatus = "waiting_input"
	StatusArchived     ConversationStatus = "archived"
)

// ScheduleType selects how a background conversation is re-armed.
type ScheduleType string

const (
	ScheduleCron      ScheduleType = "cron"
	ScheduleAt        ScheduleType = "scheduled"
	ScheduleImmediate ScheduleType = "immediate"
)

// Schedule is a tagged union: only the field matching Type is meaningful.
type Schedule struct {
	Type           ScheduleType
	CronExpression string    // set when Type == ScheduleCron
	RunAt          time.Time // set when Type == ScheduleAt
}

// PendingQuestionType enumerates the shapes a paused conversation can ask for.
type PendingQuestionType string

const (
	QuestionConfirmation PendingQuestionType = "confirmation"
	QuestionChoice       PendingQuestionType = "choice"
	QuestionInput        PendingQuestionType = "input"
)

// PendingQuestion is the structured request for input that parks a
// conversation in waiting_input.
type PendingQuestion struct {
	Type    PendingQuestionType
	Prompt  string
	Options []string
}

// State is the conversation's free-form working memory.
type State struct {
	Context map[string]any
	Step    string
	Data    map[string]any
}

// Conversation is the primary unit of dialogue.
type Conversation struct {
	ID                  string
	UserID              string
	Title               string
	Status              ConversationStatus
	Schedule            *Schedule
	NextRunAt           *time.Time
	State               State
	PendingQuestion     *PendingQuestion
	ClaudeSessionID     string
	Skills              []string
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// MessageRole identifies who produced a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageSource distinguishes interactive chat turns from background cycles.
type MessageSource string

const (
	SourceChat   MessageSource = "chat"
	SourceWorker MessageSource = "worker"
)

// Message is an append-only entry in a conversation's transcript.
type Message struct {
	ID             string
	ConversationID string
	Role           MessageRole
	Content        string
	Source         MessageSource
	CreatedAt      time.Time
}
