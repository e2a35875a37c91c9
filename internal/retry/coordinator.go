package retry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"dialer-platform/internal/audit"
	"dialer-platform/internal/config"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("retry: task not found")
	ErrInvalidArgument = errors.New("retry: invalid argument")
	ErrNoHandler       = errors.New("retry: no handler for kind")
)

// Repository is the durable task queue.
//
// AcquireDue must claim atomically (SKIP LOCKED or equivalent) so multiple
// pollers never run the same task twice.
type Repository interface {
	Enqueue(ctx context.Context, t Task) error
	AcquireDue(ctx context.Context, now time.Time, limit int) ([]Task, error)
	MarkDone(ctx context.Context, taskID string) error
	Reschedule(ctx context.Context, taskID string, attempt int, nextAttemptAt time.Time, lastError string) error
	MarkDead(ctx context.Context, taskID, lastError string) error
	ListDead(ctx context.Context, workspaceID string, limit int) ([]Task, error)
	Requeue(ctx context.Context, taskID string, nextAttemptAt time.Time) error
}

// Handler executes one task attempt. A nil return completes the task; an
// error reschedules or dead-letters it.
type Handler func(ctx context.Context, t Task) error

// Coordinator schedules deferred work and drives its execution.
type Coordinator struct {
	repo     Repository
	audit    *audit.Service
	cfg      config.RetryConfig
	handlers map[Kind]Handler
	log      *slog.Logger
	clock    func() time.Time
	rand     *rand.Rand
}

func NewCoordinator(repo Repository, auditSvc *audit.Service, cfg config.RetryConfig, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		repo:     repo,
		audit:    auditSvc,
		cfg:      cfg,
		handlers: make(map[Kind]Handler),
		log:      log,
		clock:    time.Now,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register binds a handler to a task kind. Must be called before Run.
func (c *Coordinator) Register(kind Kind, h Handler) {
	c.handlers[kind] = h
}

// Schedule enqueues a new task for its first deferred attempt.
func (c *Coordinator) Schedule(ctx context.Context, workspaceID string, kind Kind, ref, payload string) (Task, error) {
	if kind == "" || ref == "" {
		return Task{}, ErrInvalidArgument
	}
	now := c.clock().UTC()
	t := Task{
		TaskID:        uuid.NewString(),
		WorkspaceID:   workspaceID,
		Kind:          kind,
		Ref:           ref,
		Payload:       payload,
		Attempt:       0,
		MaxAttempts:   c.cfg.MaxAttempts,
		Status:        StatusPending,
		NextAttemptAt: now.Add(c.backoff(1)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.repo.Enqueue(ctx, t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// ScheduleWebhookRetry implements the telephony retry hook.
func (c *Coordinator) ScheduleWebhookRetry(ctx context.Context, eventID string, payload []byte, cause string) error {
	t, err := c.Schedule(ctx, "", KindWebhookDispatch, eventID, string(payload))
	if err != nil {
		return err
	}
	c.log.InfoContext(ctx, "webhook retry scheduled",
		"task_id", t.TaskID, "event_id", eventID, "next_attempt_at", t.NextAttemptAt, "cause", cause)
	return nil
}

// OriginationPayload is the task payload for a deferred dial attempt.
type OriginationPayload struct {
	WorkspaceID string `json:"workspace_id"`
	CampaignID  string `json:"campaign_id"`
	TargetID    string `json:"target_id"`
}

// ScheduleOriginationRetry enqueues a re-dial after a retryable carrier
// failure.
func (c *Coordinator) ScheduleOriginationRetry(ctx context.Context, workspaceID, campaignID, targetID, cause string) error {
	payload, err := json.Marshal(OriginationPayload{WorkspaceID: workspaceID, CampaignID: campaignID, TargetID: targetID})
	if err != nil {
		return err
	}
	t, err := c.Schedule(ctx, workspaceID, KindCallOrigination, targetID, string(payload))
	if err != nil {
		return err
	}
	c.log.InfoContext(ctx, "origination retry scheduled",
		"task_id", t.TaskID, "campaign_id", campaignID, "target_id", targetID, "next_attempt_at", t.NextAttemptAt, "cause", cause)
	return nil
}

// backoff computes the delay before the given attempt number, exponential
// from BaseBackoff, capped at MaxBackoff, with up to 20% jitter so herds of
// failures spread out.
func (c *Coordinator) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.MaxBackoff {
			d = c.cfg.MaxBackoff
			break
		}
	}
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	jitter := time.Duration(c.rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}

// RunOnce drains one batch of due tasks. Returns the number processed.
func (c *Coordinator) RunOnce(ctx context.Context) (int, error) {
	tasks, err := c.repo.AcquireDue(ctx, c.clock().UTC(), c.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		c.runTask(ctx, t)
	}
	return len(tasks), nil
}

// Run polls until the context is canceled. Intended to run as a single
// goroutine per process; AcquireDue keeps multiple processes safe.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				c.log.ErrorContext(ctx, "retry poll failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) runTask(ctx context.Context, t Task) {
	h, ok := c.handlers[t.Kind]
	if !ok {
		// A task kind with no handler cannot make progress; park it rather
		// than burn attempts forever.
		c.toDeadLetter(ctx, t, ErrNoHandler.Error())
		return
	}

	err := h(ctx, t)
	if err == nil {
		if merr := c.repo.MarkDone(ctx, t.TaskID); merr != nil {
			c.log.ErrorContext(ctx, "mark task done failed", "task_id", t.TaskID, "error", merr)
		}
		return
	}

	attempt := t.Attempt + 1
	if attempt >= t.MaxAttempts {
		c.toDeadLetter(ctx, t, err.Error())
		return
	}
	next := c.clock().UTC().Add(c.backoff(attempt + 1))
	if rerr := c.repo.Reschedule(ctx, t.TaskID, attempt, next, err.Error()); rerr != nil {
		c.log.ErrorContext(ctx, "reschedule failed", "task_id", t.TaskID, "error", rerr)
		return
	}
	c.log.WarnContext(ctx, "task attempt failed",
		"task_id", t.TaskID, "kind", t.Kind, "ref", t.Ref, "attempt", attempt, "next_attempt_at", next, "error", err)
}

func (c *Coordinator) toDeadLetter(ctx context.Context, t Task, lastError string) {
	if err := c.repo.MarkDead(ctx, t.TaskID, lastError); err != nil {
		c.log.ErrorContext(ctx, "dead-letter move failed", "task_id", t.TaskID, "error", err)
		return
	}
	c.log.ErrorContext(ctx, "task dead-lettered",
		"task_id", t.TaskID, "kind", t.Kind, "ref", t.Ref, "attempts", t.Attempt+1, "error", lastError)
	// Webhook tasks are scheduled before a workspace is known; those are
	// visible through the dead-letter list instead of the tenant audit trail.
	if c.audit != nil && t.WorkspaceID != "" {
		meta, _ := json.Marshal(map[string]string{"kind": string(t.Kind), "ref": t.Ref, "last_error": lastError})
		if err := c.audit.LogDeadLetter(ctx, t.WorkspaceID, t.TaskID, string(meta)); err != nil {
			c.log.ErrorContext(ctx, "dead-letter audit failed", "task_id", t.TaskID, "error", err)
		}
	}
}

// ListDead exposes the dead-letter queue for operator review.
func (c *Coordinator) ListDead(ctx context.Context, workspaceID string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return c.repo.ListDead(ctx, workspaceID, limit)
}

// Requeue puts a dead task back in the queue with a fresh attempt budget.
// Operator action; audited when the task is workspace-scoped.
func (c *Coordinator) Requeue(ctx context.Context, workspaceID, taskID, actorUserID, actorRole string) error {
	if taskID == "" {
		return ErrInvalidArgument
	}
	if err := c.repo.Requeue(ctx, taskID, c.clock().UTC()); err != nil {
		return err
	}
	if c.audit != nil && workspaceID != "" {
		return c.audit.Append(ctx, audit.Entry{
			WorkspaceID:  workspaceID,
			Action:       audit.ActionAdminAction,
			ActorUserID:  actorUserID,
			ActorRole:    actorRole,
			ResourceType: audit.ResourceRetryTask,
			ResourceID:   taskID,
			Message:      "dead-letter task requeued",
		})
	}
	return nil
}
