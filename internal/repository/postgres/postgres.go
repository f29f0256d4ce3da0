// Package postgres is a pgxpool-backed Repository implementation,
// grounded on the teacher's internal/persistence/databases package
// (schema-on-Init, pgx.ErrNoRows -> ErrNotFound translation, nullable
// scanning). claim_ready_conversations/claim_ready_tasks use
// SELECT ... FOR UPDATE SKIP LOCKED inside a transaction the caller
// commits via the returned Claim.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentloop/internal/domain"
	"agentloop/internal/repository"
)

// Store is a Postgres-backed Repository.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pgxpool.Pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the schema if it does not already exist.
func (s *Store) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres repository requires a pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS conversations (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    schedule_type TEXT,
    schedule_cron TEXT,
    schedule_run_at TIMESTAMPTZ,
    next_run_at TIMESTAMPTZ,
    state_context JSONB NOT NULL DEFAULT '{}',
    state_step TEXT NOT NULL DEFAULT '',
    state_data JSONB NOT NULL DEFAULT '{}',
    pending_question_type TEXT,
    pending_question_prompt TEXT,
    pending_question_options JSONB,
    claude_session_id TEXT NOT NULL DEFAULT '',
    skills JSONB NOT NULL DEFAULT '[]',
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS conversations_ready_idx
    ON conversations(next_run_at) WHERE status = 'background';

CREATE TABLE IF NOT EXISTS messages (
    id UUID PRIMARY KEY,
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    source TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS messages_conversation_created_idx ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS tasks (
    id UUID PRIMARY KEY,
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    interval_value INTEGER,
    interval_unit TEXT,
    cron_expression TEXT,
    next_run_at TIMESTAMPTZ,
    last_run_at TIMESTAMPTZ,
    max_runs INTEGER,
    current_runs INTEGER NOT NULL DEFAULT 0,
    expires_at TIMESTAMPTZ,
    task_context JSONB NOT NULL DEFAULT '{}',
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS tasks_ready_idx ON tasks(next_run_at) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS tasks_conversation_name_idx ON tasks(conversation_id, lower(name));

CREATE TABLE IF NOT EXISTS integrations (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    access_token_cipher BYTEA,
    refresh_token_cipher BYTEA,
    token_expires_at TIMESTAMPTZ,
    metadata JSONB NOT NULL DEFAULT '{}',
    active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS integrations_user_active_idx ON integrations(user_id) WHERE active;

CREATE TABLE IF NOT EXISTS notifications (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    conversation_id UUID,
    title TEXT NOT NULL,
    body TEXT NOT NULL,
    read BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
	return err
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, user_id, title, status, schedule_type, schedule_cron, schedule_run_at,
       next_run_at, state_context, state_step, state_data,
       pending_question_type, pending_question_prompt, pending_question_options,
       claude_session_id, skills, consecutive_failures, created_at, updated_at
FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

func scanConversation(row pgx.Row) (domain.Conversation, error) {
	var c domain.Conversation
	var scheduleType, scheduleCron sql.NullString
	var scheduleRunAt, nextRunAt sql.NullTime
	var stateContext, stateData, skillsRaw []byte
	var pqType, pqPrompt sql.NullString
	var pqOptions []byte

	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Status, &scheduleType, &scheduleCron, &scheduleRunAt,
		&nextRunAt, &stateContext, &c.State.Step, &stateData,
		&pqType, &pqPrompt, &pqOptions,
		&c.ClaudeSessionID, &skillsRaw, &c.ConsecutiveFailures, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Conversation{}, repository.ErrNotFound
		}
		return domain.Conversation{}, err
	}

	if scheduleType.Valid {
		c.Schedule = &domain.Schedule{Type: domain.ScheduleType(scheduleType.String)}
		if scheduleCron.Valid {
			c.Schedule.CronExpression = scheduleCron.String
		}
		if scheduleRunAt.Valid {
			c.Schedule.RunAt = scheduleRunAt.Time
		}
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		c.NextRunAt = &t
	}
	_ = json.Unmarshal(stateContext, &c.State.Context)
	_ = json.Unmarshal(stateData, &c.State.Data)
	_ = json.Unmarshal(skillsRaw, &c.Skills)

	if pqType.Valid {
		c.PendingQuestion = &domain.PendingQuestion{
			Type:   domain.PendingQuestionType(pqType.String),
			Prompt: pqPrompt.String,
		}
		_ = json.Unmarshal(pqOptions, &c.PendingQuestion.Options)
	}

	return c, nil
}

func (s *Store) UpdateConversation(ctx context.Context, id string, upd repository.ConversationUpdate) error {
	sets := []string{}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.Status != nil {
		sets = append(sets, "status = "+arg(string(*upd.Status)))
	}
	if upd.ScheduleCleared {
		sets = append(sets, "schedule_type = NULL", "schedule_cron = NULL", "schedule_run_at = NULL")
	} else if upd.Schedule != nil {
		sets = append(sets, "schedule_type = "+arg(string(upd.Schedule.Type)))
		sets = append(sets, "schedule_cron = "+arg(upd.Schedule.CronExpression))
		sets = append(sets, "schedule_run_at = "+arg(upd.Schedule.RunAt))
	}
	if upd.NextRunAtCleared {
		sets = append(sets, "next_run_at = NULL")
	} else if upd.NextRunAt != nil {
		sets = append(sets, "next_run_at = "+arg(*upd.NextRunAt))
	}
	if upd.State != nil {
		ctxJSON, _ := json.Marshal(upd.State.Context)
		dataJSON, _ := json.Marshal(upd.State.Data)
		sets = append(sets, "state_context = "+arg(ctxJSON))
		sets = append(sets, "state_step = "+arg(upd.State.Step))
		sets = append(sets, "state_data = "+arg(dataJSON))
	}
	if upd.PendingQuestionCleared {
		sets = append(sets, "pending_question_type = NULL", "pending_question_prompt = NULL", "pending_question_options = NULL")
	} else if upd.PendingQuestion != nil {
		optsJSON, _ := json.Marshal(upd.PendingQuestion.Options)
		sets = append(sets, "pending_question_type = "+arg(string(upd.PendingQuestion.Type)))
		sets = append(sets, "pending_question_prompt = "+arg(upd.PendingQuestion.Prompt))
		sets = append(sets, "pending_question_options = "+arg(optsJSON))
	}
	if upd.ClaudeSessionID != nil {
		sets = append(sets, "claude_session_id = "+arg(*upd.ClaudeSessionID))
	}
	if upd.Skills != nil {
		skillsJSON, _ := json.Marshal(upd.Skills)
		sets = append(sets, "skills = "+arg(skillsJSON))
	}
	if upd.ConsecutiveFailures != nil {
		sets = append(sets, "consecutive_failures = "+arg(*upd.ConsecutiveFailures))
	}
	sets = append(sets, "updated_at = NOW()")

	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE conversations SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE id = " + arg(id)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := `SELECT id, conversation_id, role, content, source, created_at
FROM (
    SELECT * FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT NULLIF($2, 0)
) m ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Source, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO messages (id, conversation_id, role, content, source, created_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Source, nullTime(msg.CreatedAt))
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func (s *Store) ListConversationTasks(ctx context.Context, conversationID string) ([]domain.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelectColumns+` FROM tasks WHERE conversation_id = $1 ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.pool.QueryRow(ctx, taskSelectColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *Store) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	contextJSON, _ := json.Marshal(t.TaskContext)
	_, err := s.pool.Exec(ctx, `
INSERT INTO tasks (id, conversation_id, user_id, name, description, status,
    interval_value, interval_unit, cron_expression, next_run_at, max_runs,
    expires_at, task_context)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		t.ID, t.ConversationID, t.UserID, t.Name, t.Description, t.Status,
		nullInt(t.Schedule.IntervalValue, !t.Schedule.IsCron()),
		nullString(string(t.Schedule.IntervalUnit), !t.Schedule.IsCron()),
		nullString(t.Schedule.CronExpr, t.Schedule.IsCron()),
		t.NextRunAt, t.MaxRuns, t.ExpiresAt, contextJSON)
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (s *Store) UpdateTask(ctx context.Context, id string, upd repository.TaskUpdate) error {
	sets := []string{}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.Status != nil {
		sets = append(sets, "status = "+arg(string(*upd.Status)))
	}
	if upd.NextRunAtCleared {
		sets = append(sets, "next_run_at = NULL")
	} else if upd.NextRunAt != nil {
		sets = append(sets, "next_run_at = "+arg(*upd.NextRunAt))
	}
	if upd.LastRunAt != nil {
		sets = append(sets, "last_run_at = "+arg(*upd.LastRunAt))
	}
	if upd.CurrentRuns != nil {
		sets = append(sets, "current_runs = "+arg(*upd.CurrentRuns))
	}
	if upd.ConsecutiveFailures != nil {
		sets = append(sets, "consecutive_failures = "+arg(*upd.ConsecutiveFailures))
	}
	if upd.LastError != nil {
		sets = append(sets, "last_error = "+arg(*upd.LastError))
	}
	if upd.TaskContext != nil {
		contextJSON, _ := json.Marshal(upd.TaskContext)
		sets = append(sets, "task_context = "+arg(contextJSON))
	}
	sets = append(sets, "updated_at = NOW()")

	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE tasks SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE id = " + arg(id)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) FindTaskByName(ctx context.Context, conversationID, name string) (domain.Task, error) {
	row := s.pool.QueryRow(ctx, taskSelectColumns+` FROM tasks WHERE conversation_id = $1 AND lower(name) = lower($2)`, conversationID, name)
	return scanTask(row)
}

func (s *Store) ListActiveIntegrations(ctx context.Context, userID string) ([]domain.Integration, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, provider, access_token_cipher, refresh_token_cipher, token_expires_at, metadata, active
FROM integrations WHERE user_id = $1 AND active`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Integration
	for rows.Next() {
		var i domain.Integration
		var expiresAt sql.NullTime
		var metadataRaw []byte
		if err := rows.Scan(&i.ID, &i.UserID, &i.Provider, &i.AccessTokenCipher, &i.RefreshTokenCipher, &expiresAt, &metadataRaw, &i.Active); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			i.TokenExpiresAt = &t
		}
		_ = json.Unmarshal(metadataRaw, &i.Metadata)
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *Store) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO notifications (id, user_id, conversation_id, title, body, read, created_at)
VALUES ($1,$2,$3,$4,$5,$6,COALESCE($7, NOW()))`,
		n.ID, n.UserID, nullString(n.ConversationID, n.ConversationID != ""), n.Title, n.Body, n.Read, nullTime(n.CreatedAt))
	return n, err
}

// pgClaim is the transactional handle backing a skip-locked claim: Release
// commits the held transaction, which drops the row lock. It commits
// whether or not the caller's processing succeeded.
type pgClaim struct {
	tx pgx.Tx
}

func (c *pgClaim) Release(ctx context.Context) error {
	return c.tx.Commit(ctx)
}

// ClaimReadyConversations finds up to limit candidate rows, then claims
// each in its own transaction: the lock backing a given row's Claim must
// be held only by that row's transaction, or one row's Release (commit)
// would release every other claimed row's lock out from under it too
// (see claimConversationByID).
func (s *Store) ClaimReadyConversations(ctx context.Context, limit int) ([]repository.ClaimedConversation, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id FROM conversations
WHERE status = 'background' AND schedule_type IS NOT NULL AND next_run_at <= NOW()
ORDER BY next_run_at ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]repository.ClaimedConversation, 0, len(ids))
	for _, id := range ids {
		claimed, conv, err := s.claimConversationByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			out = append(out, repository.ClaimedConversation{Conversation: conv, Claim: claimed})
		}
	}
	return out, nil
}

// claimConversationByID opens a dedicated transaction and re-checks the
// row is still ready under FOR UPDATE SKIP LOCKED. A nil claim means
// another process already holds (or just took) the row.
func (s *Store) claimConversationByID(ctx context.Context, id string) (*pgClaim, domain.Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.Conversation{}, err
	}

	row := tx.QueryRow(ctx, `
SELECT id, user_id, title, status, schedule_type, schedule_cron, schedule_run_at,
       next_run_at, state_context, state_step, state_data,
       pending_question_type, pending_question_prompt, pending_question_options,
       claude_session_id, skills, consecutive_failures, created_at, updated_at
FROM conversations
WHERE id = $1 AND status = 'background' AND schedule_type IS NOT NULL AND next_run_at <= NOW()
FOR UPDATE SKIP LOCKED`, id)

	conv, err := scanConversation(row)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.Conversation{}, nil
		}
		return nil, domain.Conversation{}, err
	}
	return &pgClaim{tx: tx}, conv, nil
}

// ClaimReadyTasks is ClaimReadyConversations' task-table analogue; see
// claimTaskByID for why each row gets its own transaction.
func (s *Store) ClaimReadyTasks(ctx context.Context, limit int) ([]repository.ClaimedTask, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id FROM tasks
WHERE status = 'active' AND next_run_at <= NOW()
ORDER BY next_run_at ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]repository.ClaimedTask, 0, len(ids))
	for _, id := range ids {
		claimed, task, err := s.claimTaskByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			out = append(out, repository.ClaimedTask{Task: task, Claim: claimed})
		}
	}
	return out, nil
}

func (s *Store) claimTaskByID(ctx context.Context, id string) (*pgClaim, domain.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.Task{}, err
	}

	row := tx.QueryRow(ctx, taskSelectColumns+`
FROM tasks
WHERE id = $1 AND status = 'active' AND next_run_at <= NOW()
FOR UPDATE SKIP LOCKED`, id)

	task, err := scanTask(row)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.Task{}, nil
		}
		return nil, domain.Task{}, err
	}
	return &pgClaim{tx: tx}, task, nil
}

const taskSelectColumns = `SELECT id, conversation_id, user_id, name, description, status,
    interval_value, interval_unit, cron_expression, next_run_at, last_run_at,
    max_runs, current_runs, expires_at, task_context, consecutive_failures,
    last_error, created_at, updated_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var intervalValue sql.NullInt32
	var intervalUnit, cronExpr sql.NullString
	var nextRunAt, lastRunAt, expiresAt sql.NullTime
	var maxRuns sql.NullInt32
	var contextRaw []byte

	err := row.Scan(&t.ID, &t.ConversationID, &t.UserID, &t.Name, &t.Description, &t.Status,
		&intervalValue, &intervalUnit, &cronExpr, &nextRunAt, &lastRunAt,
		&maxRuns, &t.CurrentRuns, &expiresAt, &contextRaw, &t.ConsecutiveFailures,
		&t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, repository.ErrNotFound
		}
		return domain.Task{}, err
	}

	if cronExpr.Valid && cronExpr.String != "" {
		t.Schedule.CronExpr = cronExpr.String
	} else if intervalValue.Valid {
		t.Schedule.IntervalValue = int(intervalValue.Int32)
		t.Schedule.IntervalUnit = domain.IntervalUnit(intervalUnit.String)
	}
	if nextRunAt.Valid {
		v := nextRunAt.Time
		t.NextRunAt = &v
	}
	if lastRunAt.Valid {
		v := lastRunAt.Time
		t.LastRunAt = &v
	}
	if maxRuns.Valid {
		v := int(maxRuns.Int32)
		t.MaxRuns = &v
	}
	if expiresAt.Valid {
		v := expiresAt.Time
		t.ExpiresAt = &v
	}
	_ = json.Unmarshal(contextRaw, &t.TaskContext)

	return t, nil
}

func scanTasks(rows pgx.Rows) ([]domain.Task, error) {
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string, present bool) any {
	if !present || s == "" {
		return nil
	}
	return s
}

func nullInt(v int, present bool) any {
	if !present {
		return nil
	}
	return v
}
