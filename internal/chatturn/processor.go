// Package chatturn implements the synchronous, per-conversation chat
// turn: spec.md §4.5 steps 1-11, grounded on the teacher's
// internal/agentd/handlers_chat.go request-handling shape (load, build
// prompt, invoke, persist) generalized to this domain's state machine.
package chatturn

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"agentloop/internal/credentials"
	"agentloop/internal/cron"
	"agentloop/internal/domain"
	"agentloop/internal/llmclient"
	"agentloop/internal/mcp"
	"agentloop/internal/obs"
	"agentloop/internal/protocol"
	"agentloop/internal/repository"
)

// HistoryLimit bounds how many prior messages are loaded for prompt
// context, spec.md §4.5 step 2 ("N <= 50").
const HistoryLimit = 50

const chatTimeout = 120 * time.Second

const minTaskInterval = 15 * time.Second

// Result is returned to the caller after a successful turn.
type Result struct {
	UserMessage      domain.Message
	AssistantMessage domain.Message
	StateChanged     bool
	NewStatus        domain.ConversationStatus
}

// Processor drives one chat turn.
type Processor struct {
	repo          repository.Repository
	assembler     *credentials.Assembler
	llm           llmclient.Client
	encryptionKey []byte
	metrics       obs.Metrics
	now           func() time.Time
	log           zerolog.Logger
}

// New constructs a Processor. now defaults to time.Now, metrics defaults
// to a no-op sink. encryptionKey unwraps each integration's stored OAuth
// tokens (see credentials.Request.EncryptionKey).
func New(repo repository.Repository, assembler *credentials.Assembler, llm llmclient.Client, encryptionKey []byte, metrics obs.Metrics, log zerolog.Logger, now func() time.Time) *Processor {
	if now == nil {
		now = time.Now
	}
	if metrics == nil {
		metrics = obs.NoopMetrics{}
	}
	return &Processor{repo: repo, assembler: assembler, llm: llm, encryptionKey: encryptionKey, metrics: metrics, now: now, log: log}
}

// Process runs one full chat turn for conversationID against userContent.
func (p *Processor) Process(ctx context.Context, conversationID, userContent string) (Result, error) {
	// 1. Load the conversation.
	conv, err := p.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return Result{}, fmt.Errorf("chatturn: load conversation: %w", err)
	}

	// 2-4. Load history, tasks, and active integrations. These three
	// reads are independent of one another, so they fan out on a shared
	// errgroup and join before the prompt is built.
	var history []domain.Message
	var tasks []domain.Task
	var integrations []domain.Integration
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		history, err = p.repo.ListMessages(gctx, conversationID, HistoryLimit)
		return err
	})
	g.Go(func() error {
		var err error
		tasks, err = p.repo.ListConversationTasks(gctx, conversationID)
		return err
	})
	g.Go(func() error {
		var err error
		integrations, err = p.repo.ListActiveIntegrations(gctx, conv.UserID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("chatturn: load conversation context: %w", err)
	}

	// 5. Append the user message.
	userMsg, err := p.repo.AppendMessage(ctx, domain.Message{
		ConversationID: conversationID,
		Role:           domain.RoleUser,
		Content:        userContent,
		Source:         domain.SourceChat,
	})
	if err != nil {
		return Result{}, fmt.Errorf("chatturn: append user message: %w", err)
	}

	// 6 & 7. Build prompts.
	connected, available := integrationNames(integrations)
	systemPrompt := buildChatSystemPrompt(conv, tasks, connected, available)
	userPrompt := buildChatUserPrompt(history, userContent)

	plan := p.assembler.Assemble(credentials.Request{
		Prompt:        userPrompt,
		CallerPrompt:  systemPrompt,
		SessionID:     conv.ClaudeSessionID,
		SkillNames:    conv.Skills,
		Integrations:  integrations,
		EncryptionKey: p.encryptionKey,
		Policy: credentials.InvocationPolicy{
			Timeout: chatTimeout,
		},
	})

	// 8. Invoke the LLM. MCP servers named in the plan are connected for
	// the duration of the call; the abstract LLM client port (spec.md §6)
	// does not thread sessions into the SDK call itself, so this is a
	// best-effort reachability check on the assembled integrations.
	mgr := mcp.NewManager()
	if len(plan.MCPServers) > 0 {
		if _, err := mgr.Connect(ctx, plan.MCPServers); err != nil {
			p.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("chatturn: mcp connect")
		}
	}
	callStart := p.now()
	result, err := p.llm.Run(ctx, plan)
	mgr.CloseAll()
	p.metrics.IncCounter(obs.MetricLLMCalls, map[string]string{"conversation_id": conversationID})
	p.metrics.ObserveHistogram(obs.MetricLLMLatencySeconds, p.now().Sub(callStart).Seconds(), map[string]string{"conversation_id": conversationID})
	if err != nil {
		return Result{}, fmt.Errorf("chatturn: invoke llm: %w", err)
	}

	// 9. Parse and classify, apply effects.
	parsed := protocol.ParseChat(result.Response)
	if parsed.ParseFailed {
		p.metrics.IncCounter(obs.MetricProtocolParseErrors, map[string]string{"conversation_id": conversationID})
	}
	now := p.now()
	upd, stateChanged, newStatus := p.applyChatEffects(ctx, conv, parsed, now)

	// 10. Always update claude_session_id and updated_at.
	sessionID := result.SessionID
	upd.ClaudeSessionID = &sessionID
	if err := p.repo.UpdateConversation(ctx, conversationID, upd); err != nil {
		return Result{}, fmt.Errorf("chatturn: update conversation: %w", err)
	}

	if err := p.applyTaskDirectives(ctx, conv, parsed, now); err != nil {
		return Result{}, fmt.Errorf("chatturn: apply task directives: %w", err)
	}

	// 11. Append the assistant message.
	assistantMsg, err := p.repo.AppendMessage(ctx, domain.Message{
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Content:        parsed.Message,
		Source:         domain.SourceChat,
	})
	if err != nil {
		return Result{}, fmt.Errorf("chatturn: append assistant message: %w", err)
	}

	return Result{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		StateChanged:     stateChanged,
		NewStatus:        newStatus,
	}, nil
}

// applyChatEffects implements spec.md §4.5 step 9's create_schedule /
// needs_input / state_update / fallback branch (the mutually exclusive
// part of the classification).
func (p *Processor) applyChatEffects(ctx context.Context, conv domain.Conversation, parsed protocol.Response, now time.Time) (repository.ConversationUpdate, bool, domain.ConversationStatus) {
	var upd repository.ConversationUpdate

	switch parsed.Kind {
	case protocol.KindCreateSchedule:
		return p.applyCreateSchedule(conv, parsed.CreateSchedule, now)

	case protocol.KindNeedsInputChat:
		status := domain.StatusWaitingInput
		upd.Status = &status
		pq := &domain.PendingQuestion{
			Type:    domain.PendingQuestionType(parsed.NeedsInputChat.Type),
			Prompt:  parsed.NeedsInputChat.Prompt,
			Options: parsed.NeedsInputChat.Options,
		}
		upd.PendingQuestion = pq
		return upd, true, status

	case protocol.KindStateUpdate:
		state := conv.State
		state.Data = shallowMerge(state.Data, parsed.StateUpdate)
		upd.State = &state
		return upd, true, conv.Status

	default:
		if conv.Status == domain.StatusWaitingInput {
			upd.PendingQuestionCleared = true
			if conv.Schedule != nil {
				status := domain.StatusBackground
				upd.Status = &status
				next, err := p.nextRunAt(*conv.Schedule, now)
				if err == nil {
					upd.NextRunAt = &next
				}
				return upd, true, status
			}
			status := domain.StatusActive
			upd.Status = &status
			return upd, true, status
		}
		return upd, false, conv.Status
	}
}

// applyCreateSchedule validates the requested schedule before writing
// anything: an unparseable cron expression or run_at timestamp must not
// silently become a zero-value NextRunAt (which would make the
// conversation perpetually "due"). On validation failure, it logs a
// warning and leaves the conversation's schedule/status untouched.
func (p *Processor) applyCreateSchedule(conv domain.Conversation, cs *protocol.CreateSchedule, now time.Time) (repository.ConversationUpdate, bool, domain.ConversationStatus) {
	sched := &domain.Schedule{Type: domain.ScheduleType(cs.Type)}
	var next time.Time

	switch sched.Type {
	case domain.ScheduleCron:
		sched.CronExpression = cs.CronExpression
		n, err := p.nextRunAt(*sched, now)
		if err != nil {
			p.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("chatturn: create_schedule cron rejected")
			return repository.ConversationUpdate{}, false, conv.Status
		}
		next = n
	case domain.ScheduleAt:
		t, err := time.Parse(time.RFC3339, cs.RunAt)
		if err != nil {
			p.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("chatturn: create_schedule run_at rejected")
			return repository.ConversationUpdate{}, false, conv.Status
		}
		sched.RunAt = t
		next = t
	default: // immediate
		sched.Type = domain.ScheduleImmediate
		next = now
	}

	var upd repository.ConversationUpdate
	status := domain.StatusBackground
	upd.Status = &status
	upd.PendingQuestionCleared = true
	upd.Schedule = sched
	upd.NextRunAt = &next

	if cs.InitialState != nil {
		state := initialState(cs.InitialState)
		upd.State = &state
	}

	return upd, true, status
}

// applyTaskDirectives implements spec.md §4.5 step 9's unconditional
// create_task / delete_task handling.
func (p *Processor) applyTaskDirectives(ctx context.Context, conv domain.Conversation, parsed protocol.Response, now time.Time) error {
	if parsed.CreateTask != nil {
		if err := p.createTask(ctx, conv, parsed.CreateTask, now); err != nil {
			return err
		}
	}
	if parsed.DeleteTask != nil {
		if err := p.deleteTask(ctx, conv, parsed.DeleteTask); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) createTask(ctx context.Context, conv domain.Conversation, ct *protocol.CreateTask, now time.Time) error {
	hasCron := ct.CronExpression != ""
	hasInterval := ct.IntervalValue > 0 && ct.IntervalUnit != ""
	if hasCron == hasInterval {
		p.log.Warn().Str("conversation_id", conv.ID).Msg("chatturn: create_task requires exactly one of interval or cron, skipping")
		return nil
	}

	sched := domain.TaskSchedule{}
	var next time.Time
	if hasCron {
		sched.CronExpr = ct.CronExpression
		p.metrics.IncCounter(obs.MetricCronEvaluations, nil)
		n, err := cron.Parse(ct.CronExpression)
		if err != nil {
			p.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("chatturn: create_task cron rejected")
			return nil
		}
		nextT, err := n.Next(now)
		if err != nil {
			p.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("chatturn: create_task cron unreachable")
			return nil
		}
		next = nextT
	} else {
		unit := domain.IntervalUnit(ct.IntervalUnit)
		interval := unit.Duration(ct.IntervalValue)
		if interval < minTaskInterval {
			p.log.Warn().Str("conversation_id", conv.ID).Msg("chatturn: create_task interval below minimum, skipping")
			return nil
		}
		sched.IntervalValue = ct.IntervalValue
		sched.IntervalUnit = unit
		next = now.Add(interval)
	}

	task := domain.Task{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Name:           ct.Name,
		Description:    ct.Description,
		Status:         domain.TaskActive,
		Schedule:       sched,
		NextRunAt:      &next,
		TaskContext:    ct.TaskContext,
	}
	if ct.MaxRuns != nil {
		task.MaxRuns = ct.MaxRuns
	}
	if ct.DurationSeconds != nil {
		expires := now.Add(time.Duration(*ct.DurationSeconds) * time.Second)
		task.ExpiresAt = &expires
	}

	_, err := p.repo.CreateTask(ctx, task)
	return err
}

func (p *Processor) deleteTask(ctx context.Context, conv domain.Conversation, dt *protocol.DeleteTask) error {
	var task domain.Task
	var err error
	switch {
	case dt.TaskID != "":
		task, err = p.repo.GetTask(ctx, dt.TaskID)
	case dt.TaskName != "":
		task, err = p.repo.FindTaskByName(ctx, conv.ID, dt.TaskName)
	default:
		return nil
	}
	if err != nil {
		if err == repository.ErrNotFound {
			return nil
		}
		return err
	}

	status := domain.TaskDeleted
	return p.repo.UpdateTask(ctx, task.ID, repository.TaskUpdate{
		Status:           &status,
		NextRunAtCleared: true,
	})
}

func (p *Processor) nextRunAt(sched domain.Schedule, now time.Time) (time.Time, error) {
	switch sched.Type {
	case domain.ScheduleCron:
		p.metrics.IncCounter(obs.MetricCronEvaluations, nil)
		s, err := cron.Parse(sched.CronExpression)
		if err != nil {
			return time.Time{}, err
		}
		return s.Next(now)
	case domain.ScheduleAt:
		return sched.RunAt, nil
	default:
		return now, nil
	}
}

func initialState(fields map[string]any) domain.State {
	state := domain.State{Step: "initial", Context: map[string]any{}, Data: map[string]any{}}
	if v, ok := fields["context"].(map[string]any); ok {
		state.Context = v
	}
	if v, ok := fields["step"].(string); ok && v != "" {
		state.Step = v
	}
	if v, ok := fields["data"].(map[string]any); ok {
		state.Data = v
	}
	return state
}

func shallowMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func integrationNames(integrations []domain.Integration) (connected, available []string) {
	for _, i := range integrations {
		if _, ok := mcp.Lookup(i.Provider); !ok {
			continue
		}
		connected = append(connected, i.Provider)
	}
	for name := range mcp.Descriptors {
		found := false
		for _, c := range connected {
			if c == name {
				found = true
				break
			}
		}
		if !found {
			available = append(available, name)
		}
	}
	return connected, available
}
