// Package scheduler evaluates stored tasks against wall-clock time and
// turns due occurrences into proactive dispatches.
//
// It is a poll loop over the store, not a cron runner holding jobs in
// memory: each tick reads the active tasks, compares their schedule
// against a per-task watermark, and enqueues what came due since. A
// restart therefore picks up exactly where the previous process left
// off.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"relay/internal/domain"
)

const defaultTickInterval = 15 * time.Second

// Enqueuer is the slice of the dispatcher the scheduler needs.
type Enqueuer interface {
	Enqueue(req domain.DispatchRequest)
}

type Scheduler struct {
	store      domain.Store
	dispatcher Enqueuer
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

type Config struct {
	Store        domain.Store
	Dispatcher   Enqueuer
	TickInterval time.Duration
	Logger       *slog.Logger
}

func New(cfg Config) *Scheduler {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	return &Scheduler{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		interval:   interval,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every active task once. A task that fails to evaluate
// is logged and left for the next tick, never aborting the others.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	tasks, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		s.logger.Error("scheduler tick: list tasks", "err", err)
		return
	}
	for i := range tasks {
		task := &tasks[i]
		if err := s.evaluate(ctx, task, now); err != nil {
			s.logger.Error("scheduler tick: evaluate task", "task", task.ID, "err", err)
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context, task *domain.ScheduledTask, now time.Time) error {
	due, err := occurrencesBetween(task, task.LastEvaluatedAt, now)
	if err != nil {
		// Unparseable schedule: deactivate so it does not fail every
		// tick. The task stays in the store for the owner to fix.
		s.logger.Warn("deactivating task with invalid schedule", "task", task.ID, "err", err)
		if derr := s.store.SetTaskActive(ctx, task.ID, false); derr != nil {
			return derr
		}
		return err
	}
	if len(due) == 0 {
		return s.store.AdvanceWatermark(ctx, task.ID, now)
	}

	// Catch-up policy: only the most recent missed occurrence fires,
	// older ones are recorded as skipped.
	latest := due[len(due)-1]
	for _, at := range due[:len(due)-1] {
		s.recordSkipped(ctx, task, at, "superseded by a newer occurrence")
	}

	inflight, err := s.store.TaskInFlight(ctx, task.ID)
	if err != nil {
		return err
	}
	if inflight {
		s.recordSkipped(ctx, task, latest, "previous run still in flight")
		return s.store.AdvanceWatermark(ctx, task.ID, now)
	}

	if err := s.fire(ctx, task, latest); err != nil {
		return err
	}
	if task.Kind == domain.ScheduleOnce {
		if err := s.store.SetTaskActive(ctx, task.ID, false); err != nil {
			return err
		}
	}
	return s.store.AdvanceWatermark(ctx, task.ID, now)
}

func (s *Scheduler) fire(ctx context.Context, task *domain.ScheduledTask, at time.Time) error {
	req := domain.DispatchRequest{
		Trigger:   domain.TriggerProactive,
		TaskID:    task.ID,
		AgentRef:  task.AgentRef,
		Prompt:    renderPrompt(task, at),
		ChannelID: task.ChannelID,
		TargetID:  task.TargetID,
	}
	if task.BindingID != "" {
		binding, err := s.store.GetBinding(ctx, task.BindingID)
		if err != nil {
			return err
		}
		req.ConversationID = binding.ConversationID
		if req.TargetID == "" {
			req.TargetID = binding.ExternalID
		}
	}
	// The pending record goes in before Enqueue so the dispatch counts
	// as in flight while it sits in the queue, not only once a worker
	// picks it up.
	rec := &domain.ExecutionRecord{
		TaskID:    task.ID,
		Trigger:   domain.TriggerProactive,
		Status:    domain.ExecPending,
		StartedAt: s.now(),
	}
	if err := s.store.InsertRecord(ctx, rec); err != nil {
		return err
	}
	req.RecordID = rec.ID
	s.logger.Info("task due", "task", task.ID, "at", at, "channel", task.ChannelID)
	s.dispatcher.Enqueue(req)
	return nil
}

func (s *Scheduler) recordSkipped(ctx context.Context, task *domain.ScheduledTask, at time.Time, reason string) {
	rec := &domain.ExecutionRecord{
		TaskID:     task.ID,
		Trigger:    domain.TriggerProactive,
		Status:     domain.ExecSkipped,
		Summary:    reason,
		StartedAt:  at,
		FinishedAt: s.now(),
	}
	if err := s.store.InsertRecord(ctx, rec); err != nil {
		s.logger.Error("record skipped occurrence", "task", task.ID, "err", err)
	}
}

// renderPrompt fills the placeholders a task prompt may carry.
func renderPrompt(task *domain.ScheduledTask, at time.Time) string {
	p := strings.ReplaceAll(task.Prompt, "{{date}}", at.Format("2006-01-02"))
	return strings.ReplaceAll(p, "{{task}}", task.Name)
}
