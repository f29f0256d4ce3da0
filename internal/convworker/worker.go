// Package convworker implements the background conversation worker:
// spec.md §4.6's polling loop plus per-execution LLM invocation and
// state-machine advancement. Grounded on the teacher's
// internal/agent/warpp.go bounded-concurrency fan-out (generalized here
// to a semaphore that persists across polling ticks rather than a
// per-batch barrier) and internal/orchestrator/handler.go's
// isTransientError text-heuristic (generalized to the spec's auth-error
// classification).
package convworker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agentloop/internal/coord"
	"agentloop/internal/credentials"
	"agentloop/internal/cron"
	"agentloop/internal/domain"
	"agentloop/internal/llmclient"
	"agentloop/internal/mcp"
	"agentloop/internal/notifybus"
	"agentloop/internal/obs"
	"agentloop/internal/protocol"
	"agentloop/internal/repository"
)

// HistoryLimit bounds how many prior messages are loaded per execution.
const HistoryLimit = 50

const workerTimeout = 5 * time.Minute

// Config tunes the polling loop.
type Config struct {
	PollInterval   time.Duration
	MaxConcurrency int
	LeaseTTL       time.Duration
	MaxRetries     int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 5
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = workerTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Worker is the long-lived background conversation poller.
type Worker struct {
	repo          repository.Repository
	assembler     *credentials.Assembler
	llm           llmclient.Client
	encryptionKey []byte
	notifier      notifybus.Bus
	lease         coord.Lease
	metrics       obs.Metrics
	log           zerolog.Logger
	now           func() time.Time
	cfg           Config

	sem chan struct{}
	wg  sync.WaitGroup
}

// New constructs a Worker. Any of notifier, lease, metrics, now may be
// nil and default to a no-op/time.Now. encryptionKey unwraps each
// integration's stored OAuth tokens (see credentials.Request.EncryptionKey).
func New(repo repository.Repository, assembler *credentials.Assembler, llm llmclient.Client, encryptionKey []byte, notifier notifybus.Bus, lease coord.Lease, metrics obs.Metrics, log zerolog.Logger, now func() time.Time, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	if notifier == nil {
		notifier = notifybus.NoopBus{}
	}
	if lease == nil {
		lease = coord.NoopLease{}
	}
	if metrics == nil {
		metrics = obs.NoopMetrics{}
	}
	if now == nil {
		now = time.Now
	}
	return &Worker{
		repo: repo, assembler: assembler, llm: llm, encryptionKey: encryptionKey, notifier: notifier,
		lease: lease, metrics: metrics, log: log, now: now, cfg: cfg,
		sem: make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Run blocks, polling every cfg.PollInterval until ctx is cancelled. Each
// tick's claimed batch is executed in detached goroutines governed only
// by the sem semaphore, so the ticker keeps polling (and new batches can
// be claimed) while a prior batch is still in flight — the bounded
// in-flight set persists across ticks (spec.md §5). In-flight executions
// run against their own background context and are allowed to finish
// after ctx cancellation (spec.md §5: "no hard cancellation"); Run waits
// for them to drain before returning.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	inFlight := len(w.sem)
	room := w.cfg.MaxConcurrency - inFlight
	if room <= 0 {
		return
	}

	claimed, err := w.repo.ClaimReadyConversations(ctx, room)
	if err != nil {
		w.log.Error().Err(err).Msg("convworker: claim ready conversations")
		return
	}

	for _, cc := range claimed {
		cc := cc
		w.sem <- struct{}{}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			defer cc.Claim.Release(context.Background())
			w.execute(context.Background(), cc.Conversation)
		}()
	}
}

func (w *Worker) execute(ctx context.Context, conv domain.Conversation) {
	w.metrics.IncCounter(obs.MetricConversationsClaimed, map[string]string{"conversation_id": conv.ID})

	if ok, err := w.lease.TryExtend(ctx, "conversation", conv.ID, w.cfg.LeaseTTL); err != nil || !ok {
		w.log.Warn().Str("conversation_id", conv.ID).Msg("convworker: lease not held, skipping execution")
		return
	}

	if err := w.runOnce(ctx, conv); err != nil {
		w.handleExecutionError(ctx, conv, err)
		return
	}
}

func (w *Worker) runOnce(ctx context.Context, conv domain.Conversation) error {
	history, err := w.repo.ListMessages(ctx, conv.ID, HistoryLimit)
	if err != nil {
		return err
	}

	integrations, err := w.repo.ListActiveIntegrations(ctx, conv.UserID)
	if err != nil {
		return err
	}

	plan := w.assembler.Assemble(credentials.Request{
		Prompt:        buildWorkerUserPrompt(conv, history),
		CallerPrompt:  buildWorkerSystemPrompt(),
		SessionID:     conv.ClaudeSessionID,
		SkillNames:    conv.Skills,
		Integrations:  integrations,
		EncryptionKey: w.encryptionKey,
		Policy:        credentials.InvocationPolicy{Timeout: workerTimeout},
	})

	callCtx, cancel := context.WithTimeout(ctx, workerTimeout)
	defer cancel()

	mgr := mcp.NewManager()
	if len(plan.MCPServers) > 0 {
		if _, err := mgr.Connect(callCtx, plan.MCPServers); err != nil {
			w.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("convworker: mcp connect")
		}
	}
	callStart := w.now()
	result, err := w.llm.Run(callCtx, plan)
	mgr.CloseAll()
	w.metrics.IncCounter(obs.MetricLLMCalls, map[string]string{"conversation_id": conv.ID})
	w.metrics.ObserveHistogram(obs.MetricLLMLatencySeconds, w.now().Sub(callStart).Seconds(), map[string]string{"conversation_id": conv.ID})
	if err != nil {
		return err
	}

	parsed := protocol.ParseWorker(result.Response)
	if parsed.ParseFailed {
		w.metrics.IncCounter(obs.MetricProtocolParseErrors, map[string]string{"conversation_id": conv.ID})
	}
	now := w.now()

	var upd repository.ConversationUpdate
	sessionID := result.SessionID
	upd.ClaudeSessionID = &sessionID
	failures := 0
	upd.ConsecutiveFailures = &failures

	switch parsed.Kind {
	case protocol.KindNeedsInputWork:
		if _, err := w.repo.AppendMessage(ctx, domain.Message{
			ConversationID: conv.ID, Role: domain.RoleAssistant,
			Content: parsed.Message, Source: domain.SourceWorker,
		}); err != nil {
			return err
		}
		status := domain.StatusWaitingInput
		upd.Status = &status
		if parsed.NeedsInputWorker != nil {
			upd.PendingQuestion = &domain.PendingQuestion{
				Type:    domain.PendingQuestionType(parsed.NeedsInputWorker.Type),
				Prompt:  parsed.NeedsInputWorker.Prompt,
				Options: parsed.NeedsInputWorker.Options,
			}
		}
		if err := w.repo.UpdateConversation(ctx, conv.ID, upd); err != nil {
			return err
		}
		w.notify(ctx, conv, conv.Title, "Waiting for your input.")

	case protocol.KindComplete:
		if _, err := w.repo.AppendMessage(ctx, domain.Message{
			ConversationID: conv.ID, Role: domain.RoleAssistant,
			Content: parsed.Message, Source: domain.SourceWorker,
		}); err != nil {
			return err
		}
		if conv.Schedule != nil && conv.Schedule.Type == domain.ScheduleCron {
			next, err := w.cronNext(conv.Schedule.CronExpression, now)
			if err == nil {
				upd.NextRunAt = &next
			}
		} else {
			status := domain.StatusActive
			upd.Status = &status
			upd.ScheduleCleared = true
			upd.NextRunAtCleared = true
		}
		if err := w.repo.UpdateConversation(ctx, conv.ID, upd); err != nil {
			return err
		}
		w.notify(ctx, conv, conv.Title, "Background task complete.")

	case protocol.KindContinue:
		if parsed.Message != "" {
			if _, err := w.repo.AppendMessage(ctx, domain.Message{
				ConversationID: conv.ID, Role: domain.RoleAssistant,
				Content: parsed.Message, Source: domain.SourceWorker,
			}); err != nil {
				return err
			}
		}
		state := conv.State
		if parsed.ContinueUpdate != nil {
			state.Data = shallowMerge(state.Data, parsed.ContinueUpdate)
		}
		if parsed.ContinueStep != "" {
			state.Step = parsed.ContinueStep
		}
		upd.State = &state
		if next, err := w.recomputeNextRunAt(conv.Schedule, now); err == nil {
			upd.NextRunAt = &next
		}
		if err := w.repo.UpdateConversation(ctx, conv.ID, upd); err != nil {
			return err
		}

	default:
		if next, err := w.recomputeNextRunAt(conv.Schedule, now); err == nil {
			upd.NextRunAt = &next
		}
		if err := w.repo.UpdateConversation(ctx, conv.ID, upd); err != nil {
			return err
		}
	}

	return nil
}

func (w *Worker) handleExecutionError(ctx context.Context, conv domain.Conversation, execErr error) {
	if isAuthError(execErr) {
		status := domain.StatusWaitingInput
		questionType := domain.QuestionInput
		prompt := "Your connection has expired. Please reconnect in Settings."
		if err := w.repo.UpdateConversation(ctx, conv.ID, repository.ConversationUpdate{
			Status:          &status,
			PendingQuestion: &domain.PendingQuestion{Type: questionType, Prompt: prompt},
		}); err != nil {
			w.log.Error().Err(err).Str("conversation_id", conv.ID).Msg("convworker: update after auth error")
		}
		w.notify(ctx, conv, conv.Title, prompt)
		return
	}

	failures := conv.ConsecutiveFailures + 1
	upd := repository.ConversationUpdate{ConsecutiveFailures: &failures}
	if err := w.repo.UpdateConversation(ctx, conv.ID, upd); err != nil {
		w.log.Error().Err(err).Str("conversation_id", conv.ID).Msg("convworker: update after execution error")
		return
	}
	if failures >= w.cfg.MaxRetries {
		w.notify(ctx, conv, "Task error", execErr.Error())
	}
}

func (w *Worker) notify(ctx context.Context, conv domain.Conversation, title, body string) {
	n, err := w.repo.CreateNotification(ctx, domain.Notification{
		UserID: conv.UserID, ConversationID: conv.ID, Title: title, Body: body,
	})
	if err != nil {
		w.log.Error().Err(err).Str("conversation_id", conv.ID).Msg("convworker: create notification")
		return
	}
	if err := w.notifier.Publish(ctx, n); err != nil {
		w.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("convworker: publish notification")
	}
	w.metrics.IncCounter(obs.MetricNotificationsSent, map[string]string{"conversation_id": conv.ID})
}

// isAuthError implements spec.md §4.6's auth-error heuristic, modeled on
// the teacher's isTransientError text match.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "auth") ||
		strings.Contains(s, "token") ||
		strings.Contains(s, "expired") ||
		strings.Contains(s, "unauthorized")
}

func (w *Worker) recomputeNextRunAt(sched *domain.Schedule, now time.Time) (time.Time, error) {
	if sched == nil {
		return time.Time{}, errNoSchedule
	}
	switch sched.Type {
	case domain.ScheduleCron:
		return w.cronNext(sched.CronExpression, now)
	case domain.ScheduleImmediate:
		return now, nil
	default:
		return sched.RunAt, nil
	}
}

func (w *Worker) cronNext(expr string, now time.Time) (time.Time, error) {
	w.metrics.IncCounter(obs.MetricCronEvaluations, nil)
	s, err := cron.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(now)
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

var errNoSchedule = errors.New("convworker: conversation has no schedule")
