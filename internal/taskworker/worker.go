// Package taskworker implements the scheduled task worker: spec.md
// §4.7's polling loop over claim_ready_tasks, structurally identical to
// internal/convworker's worker (same detached-goroutine/semaphore fan-
// out, same lease discipline), but running each task in a fresh LLM
// session and bookkeeping run counters instead of a conversation state
// machine.
package taskworker

import (
	"context"
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
	"agentloop/internal/repository"
)

// HistoryLimit bounds how many prior messages are loaded for context.
const HistoryLimit = 50

const taskTimeout = 5 * time.Minute

const notificationBodyChars = 100

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
		c.LeaseTTL = taskTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Worker is the long-lived task poller.
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

// New constructs a Worker. encryptionKey unwraps each integration's
// stored OAuth tokens (see credentials.Request.EncryptionKey).
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
// tick's claimed batch runs in detached goroutines governed only by the
// sem semaphore, so the ticker keeps polling while a prior batch is
// still in flight — the bounded in-flight set persists across ticks
// (spec.md §5). Run waits for in-flight executions to drain before
// returning.
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
	room := w.cfg.MaxConcurrency - len(w.sem)
	if room <= 0 {
		return
	}

	claimed, err := w.repo.ClaimReadyTasks(ctx, room)
	if err != nil {
		w.log.Error().Err(err).Msg("taskworker: claim ready tasks")
		return
	}

	for _, ct := range claimed {
		ct := ct
		w.sem <- struct{}{}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			defer ct.Claim.Release(context.Background())
			w.execute(context.Background(), ct.Task)
		}()
	}
}

func (w *Worker) execute(ctx context.Context, task domain.Task) {
	w.metrics.IncCounter(obs.MetricTasksClaimed, map[string]string{"task_id": task.ID})

	if ok, err := w.lease.TryExtend(ctx, "task", task.ID, w.cfg.LeaseTTL); err != nil || !ok {
		w.log.Warn().Str("task_id", task.ID).Msg("taskworker: lease not held, skipping execution")
		return
	}

	conv, err := w.repo.GetConversation(ctx, task.ConversationID)
	if err != nil {
		if err == repository.ErrNotFound {
			status := domain.TaskCompleted
			reason := "Conversation not found"
			_ = w.repo.UpdateTask(ctx, task.ID, repository.TaskUpdate{
				Status:           &status,
				NextRunAtCleared: true,
				LastError:        &reason,
			})
			return
		}
		w.handleExecutionError(ctx, task, err)
		return
	}

	if err := w.runOnce(ctx, task, conv); err != nil {
		w.handleExecutionError(ctx, task, err)
	}
}

func (w *Worker) runOnce(ctx context.Context, task domain.Task, conv domain.Conversation) error {
	history, err := w.repo.ListMessages(ctx, conv.ID, HistoryLimit)
	if err != nil {
		return err
	}

	integrations, err := w.repo.ListActiveIntegrations(ctx, conv.UserID)
	if err != nil {
		return err
	}

	plan := w.assembler.Assemble(credentials.Request{
		Prompt:        buildTaskUserPrompt(task, history),
		CallerPrompt:  buildTaskSystemPrompt(task),
		SkillNames:    conv.Skills,
		Integrations:  integrations,
		EncryptionKey: w.encryptionKey,
		Policy:        credentials.InvocationPolicy{Timeout: taskTimeout},
	})

	callCtx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	mgr := mcp.NewManager()
	if len(plan.MCPServers) > 0 {
		if _, err := mgr.Connect(callCtx, plan.MCPServers); err != nil {
			w.log.Warn().Err(err).Str("task_id", task.ID).Msg("taskworker: mcp connect")
		}
	}
	callStart := w.now()
	result, err := w.llm.Run(callCtx, plan)
	mgr.CloseAll()
	w.metrics.IncCounter(obs.MetricLLMCalls, map[string]string{"task_id": task.ID})
	w.metrics.ObserveHistogram(obs.MetricLLMLatencySeconds, w.now().Sub(callStart).Seconds(), map[string]string{"task_id": task.ID})
	if err != nil {
		return err
	}

	if _, err := w.repo.AppendMessage(ctx, domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        result.Response,
		Source:         domain.SourceWorker,
	}); err != nil {
		return err
	}

	w.notify(ctx, task, "Task: "+task.Name, truncate(result.Response, notificationBodyChars))

	now := w.now()
	runs := task.CurrentRuns + 1
	zero := 0
	noErr := ""
	upd := repository.TaskUpdate{
		CurrentRuns:         &runs,
		LastRunAt:           &now,
		ConsecutiveFailures: &zero,
		LastError:           &noErr,
	}

	nextTask := task
	nextTask.CurrentRuns = runs
	if nextTask.Exhausted(now) {
		completed := domain.TaskCompleted
		upd.Status = &completed
		upd.NextRunAtCleared = true
		if err := w.repo.UpdateTask(ctx, task.ID, upd); err != nil {
			return err
		}
		w.notify(ctx, task, "Task: "+task.Name, "This task has completed.")
		return nil
	}

	if task.Schedule.IsCron() {
		w.metrics.IncCounter(obs.MetricCronEvaluations, map[string]string{"task_id": task.ID})
	}
	next, err := nextRunAt(task.Schedule, now)
	if err == nil {
		upd.NextRunAt = &next
	}
	return w.repo.UpdateTask(ctx, task.ID, upd)
}

func (w *Worker) handleExecutionError(ctx context.Context, task domain.Task, execErr error) {
	failures := task.ConsecutiveFailures + 1
	msg := execErr.Error()
	upd := repository.TaskUpdate{
		ConsecutiveFailures: &failures,
		LastError:           &msg,
	}
	if failures >= w.cfg.MaxRetries {
		paused := domain.TaskPaused
		upd.Status = &paused
		upd.NextRunAtCleared = true
	}
	if err := w.repo.UpdateTask(ctx, task.ID, upd); err != nil {
		w.log.Error().Err(err).Str("task_id", task.ID).Msg("taskworker: update after execution error")
		return
	}
	if failures >= w.cfg.MaxRetries {
		w.notify(ctx, task, "Task: "+task.Name, "This task has been paused after repeated failures.")
	}
}

func (w *Worker) notify(ctx context.Context, task domain.Task, title, body string) {
	n, err := w.repo.CreateNotification(ctx, domain.Notification{
		UserID: task.UserID, ConversationID: task.ConversationID, Title: title, Body: body,
	})
	if err != nil {
		w.log.Error().Err(err).Str("task_id", task.ID).Msg("taskworker: create notification")
		return
	}
	if err := w.notifier.Publish(ctx, n); err != nil {
		w.log.Warn().Err(err).Str("task_id", task.ID).Msg("taskworker: publish notification")
	}
	w.metrics.IncCounter(obs.MetricNotificationsSent, map[string]string{"task_id": task.ID})
}

func nextRunAt(sched domain.TaskSchedule, now time.Time) (time.Time, error) {
	if sched.IsCron() {
		s, err := cron.Parse(sched.CronExpr)
		if err != nil {
			return time.Time{}, err
		}
		return s.Next(now)
	}
	return now.Add(sched.IntervalUnit.Duration(sched.IntervalValue)), nil
}
