// Package memory is an in-memory Repository implementation for unit
// tests, grounded on the teacher's internal/objectstore.MemoryStore
// (mutex-guarded map, sentinel ErrNotFound). Skip-locked claiming is
// emulated with a per-table claimed set whose entry is cleared on Release.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentloop/internal/domain"
	"agentloop/internal/repository"
)

// Store is an in-memory Repository.
type Store struct {
	mu sync.Mutex

	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message
	tasks         map[string]domain.Task
	integrations  map[string][]domain.Integration
	notifications []domain.Notification

	claimedConversations map[string]bool
	claimedTasks         map[string]bool

	now func() time.Time
}

// New returns an empty Store. nowFn defaults to time.Now when nil, and
// exists so tests can control "now" deterministically.
func New(nowFn func() time.Time) *Store {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Store{
		conversations:        make(map[string]domain.Conversation),
		messages:             make(map[string][]domain.Message),
		tasks:                make(map[string]domain.Task),
		integrations:         make(map[string][]domain.Integration),
		claimedConversations: make(map[string]bool),
		claimedTasks:         make(map[string]bool),
		now:                  nowFn,
	}
}

// PutConversation seeds a conversation directly (test setup helper).
func (s *Store) PutConversation(c domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
}

// PutTask seeds a task directly (test setup helper).
func (s *Store) PutTask(t domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

// PutIntegration seeds an integration directly (test setup helper).
func (s *Store) PutIntegration(i domain.Integration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrations[i.UserID] = append(s.integrations[i.UserID], i)
}

// Notifications returns a snapshot of every notification created so far
// (test assertion helper).
func (s *Store) Notifications() []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

func (s *Store) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, repository.ErrNotFound
	}
	return c, nil
}

func (s *Store) UpdateConversation(_ context.Context, id string, upd repository.ConversationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return repository.ErrNotFound
	}

	if upd.Status != nil {
		c.Status = *upd.Status
	}
	if upd.ScheduleCleared {
		c.Schedule = nil
	} else if upd.Schedule != nil {
		c.Schedule = upd.Schedule
	}
	if upd.NextRunAtCleared {
		c.NextRunAt = nil
	} else if upd.NextRunAt != nil {
		c.NextRunAt = upd.NextRunAt
	}
	if upd.State != nil {
		c.State = *upd.State
	}
	if upd.PendingQuestionCleared {
		c.PendingQuestion = nil
	} else if upd.PendingQuestion != nil {
		c.PendingQuestion = upd.PendingQuestion
	}
	if upd.ClaudeSessionID != nil {
		c.ClaudeSessionID = *upd.ClaudeSessionID
	}
	if upd.Skills != nil {
		c.Skills = upd.Skills
	}
	if upd.ConsecutiveFailures != nil {
		c.ConsecutiveFailures = *upd.ConsecutiveFailures
	}
	c.UpdatedAt = s.now()

	s.conversations[id] = c
	return nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[conversationID]
	if limit <= 0 || limit >= len(all) {
		out := make([]domain.Message, len(all))
		copy(out, all)
		return out, nil
	}
	start := len(all) - limit
	out := make([]domain.Message, limit)
	copy(out, all[start:])
	return out, nil
}

func (s *Store) AppendMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return msg, nil
}

func (s *Store) ListConversationTasks(_ context.Context, conversationID string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if t.ConversationID == conversationID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetTask(_ context.Context, id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, repository.ErrNotFound
	}
	return t, nil
}

func (s *Store) CreateTask(_ context.Context, t domain.Task) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.UpdatedAt = s.now()
	s.tasks[t.ID] = t
	return t, nil
}

func (s *Store) UpdateTask(_ context.Context, id string, upd repository.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return repository.ErrNotFound
	}

	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.NextRunAtCleared {
		t.NextRunAt = nil
	} else if upd.NextRunAt != nil {
		t.NextRunAt = upd.NextRunAt
	}
	if upd.LastRunAt != nil {
		t.LastRunAt = upd.LastRunAt
	}
	if upd.CurrentRuns != nil {
		t.CurrentRuns = *upd.CurrentRuns
	}
	if upd.ConsecutiveFailures != nil {
		t.ConsecutiveFailures = *upd.ConsecutiveFailures
	}
	if upd.LastError != nil {
		t.LastError = *upd.LastError
	}
	if upd.TaskContext != nil {
		t.TaskContext = upd.TaskContext
	}
	t.UpdatedAt = s.now()

	s.tasks[id] = t
	return nil
}

func (s *Store) FindTaskByName(_ context.Context, conversationID, name string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ConversationID == conversationID && strings.EqualFold(t.Name, name) {
			return t, nil
		}
	}
	return domain.Task{}, repository.ErrNotFound
}

func (s *Store) ListActiveIntegrations(_ context.Context, userID string) ([]domain.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Integration
	for _, i := range s.integrations[userID] {
		if i.Active {
			out = append(out, i)
		}
	}
	return out, nil
}

func (s *Store) CreateNotification(_ context.Context, n domain.Notification) (domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	s.notifications = append(s.notifications, n)
	return n, nil
}

// claimRelease releases a held in-memory claim by clearing its entry from
// the given claimed-set under the store's mutex.
type claimRelease struct {
	store *Store
	set   map[string]bool
	id    string
}

func (c *claimRelease) Release(_ context.Context) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	delete(c.set, c.id)
	return nil
}

func (s *Store) ClaimReadyConversations(_ context.Context, limit int) ([]repository.ClaimedConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var candidates []domain.Conversation
	for _, c := range s.conversations {
		if c.Status != domain.StatusBackground || c.Schedule == nil || c.NextRunAt == nil {
			continue
		}
		if c.NextRunAt.After(now) {
			continue
		}
		if s.claimedConversations[c.ID] {
			continue
		}
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].NextRunAt.Before(*candidates[j].NextRunAt) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]repository.ClaimedConversation, 0, len(candidates))
	for _, c := range candidates {
		s.claimedConversations[c.ID] = true
		out = append(out, repository.ClaimedConversation{
			Conversation: c,
			Claim:        &claimRelease{store: s, set: s.claimedConversations, id: c.ID},
		})
	}
	return out, nil
}

func (s *Store) ClaimReadyTasks(_ context.Context, limit int) ([]repository.ClaimedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var candidates []domain.Task
	for _, t := range s.tasks {
		if t.Status != domain.TaskActive || t.NextRunAt == nil {
			continue
		}
		if t.NextRunAt.After(now) {
			continue
		}
		if s.claimedTasks[t.ID] {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].NextRunAt.Before(*candidates[j].NextRunAt) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]repository.ClaimedTask, 0, len(candidates))
	for _, t := range candidates {
		s.claimedTasks[t.ID] = true
		out = append(out, repository.ClaimedTask{
			Task:  t,
			Claim: &claimRelease{store: s, set: s.claimedTasks, id: t.ID},
		})
	}
	return out, nil
}
