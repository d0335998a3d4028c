// Package scheduler drives the periodic sweeps: due delayed tasks, recurring
// schedules, crashed-worker recovery and inbox deadlines. Every sweep step is
// claim-based, so two scheduler instances never double-fire.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/foreman/internal/notify"
	"github.com/nidhogg/foreman/internal/task"
	"go.uber.org/zap"
)

// Store is the durable state the scheduler sweeps over.
type Store interface {
	ClaimDueDelayed(ctx context.Context, now time.Time) ([]*task.Task, error)
	ClaimDueSchedules(ctx context.Context, now time.Time) ([]task.Schedule, error)
	RequeueExpired(ctx context.Context, now time.Time) ([]*task.Task, error)
	StaleQueued(ctx context.Context, olderThan time.Time) ([]*task.Task, error)
	MarkRejected(ctx context.Context, id, reason string) error
	EscalateStale(ctx context.Context, id string) error
}

// staleQueuedAfter is how long a task may sit queued untouched before the
// sweep re-pushes it. Duplicate deliveries are harmless: the running claim
// is conditional, so only one consumer ever wins a task.
const staleQueuedAfter = 2 * time.Minute

// Pusher hands promoted tasks to the queue. PromoteDue moves the queue's own
// delayed set (retry backoff) into the ready stream.
type Pusher interface {
	Push(ctx context.Context, taskID string) error
	PromoteDue(ctx context.Context) (int, error)
}

// Submitter creates tasks fired by recurring schedules.
type Submitter interface {
	Submit(ctx context.Context, typeName string, input map[string]any, origin task.Origin, opts task.SubmitOptions) (*task.Task, error)
}

// Sweeper is an extra per-tick hook; the inbox sweep plugs in here.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) error
}

// Scheduler runs the sweep loop.
type Scheduler struct {
	store    Store
	queue    Pusher
	engine   Submitter
	inbox    Sweeper
	hub      *notify.Hub
	interval time.Duration
	logger   *zap.Logger
}

// New creates a scheduler. inbox may be nil.
func New(store Store, queue Pusher, engine Submitter, inbox Sweeper, hub *notify.Hub, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		store:    store,
		queue:    queue,
		engine:   engine,
		inbox:    inbox,
		hub:      hub,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps at the configured cadence until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.RunOnce(ctx, now)
		}
	}
}

// RunOnce performs a single sweep. Each step is independent; a failing step
// is logged and the rest still run.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) {
	if err := s.promoteDelayed(ctx, now); err != nil {
		s.logger.Error("promote delayed tasks failed", zap.Error(err))
	}
	if err := s.fireSchedules(ctx, now); err != nil {
		s.logger.Error("fire schedules failed", zap.Error(err))
	}
	if err := s.recoverExpired(ctx, now); err != nil {
		s.logger.Error("recover expired leases failed", zap.Error(err))
	}
	if err := s.repushStale(ctx, now); err != nil {
		s.logger.Error("repush stale queued tasks failed", zap.Error(err))
	}
	if _, err := s.queue.PromoteDue(ctx); err != nil {
		s.logger.Error("promote queue backoffs failed", zap.Error(err))
	}
	if s.inbox != nil {
		if err := s.inbox.Sweep(ctx, now); err != nil {
			s.logger.Error("inbox sweep failed", zap.Error(err))
		}
	}
}

// promoteDelayed claims due delayed tasks and applies each task's delay
// fallback: auto-run pushes it, auto-reject terminates it, escalate parks it
// for a human.
func (s *Scheduler) promoteDelayed(ctx context.Context, now time.Time) error {
	due, err := s.store.ClaimDueDelayed(ctx, now)
	if err != nil {
		return err
	}
	for _, t := range due {
		switch t.DelayFallback {
		case task.FallbackAutoReject:
			if err := s.store.MarkRejected(ctx, t.ID, "delay deadline passed"); err != nil {
				s.logger.Warn("reject delayed task failed", zap.String("task_id", t.ID), zap.Error(err))
			}

		case task.FallbackEscalate:
			if err := s.store.EscalateStale(ctx, t.ID); err != nil {
				s.logger.Warn("escalate delayed task failed", zap.String("task_id", t.ID), zap.Error(err))
				continue
			}
			s.hub.Publish(ctx, notify.Event{
				Kind:    notify.KindTaskEscalated,
				TaskID:  t.ID,
				Summary: fmt.Sprintf("delayed %s task reached its deadline undecided", t.Type),
			})

		default: // auto-run and unset both resume execution
			if err := s.queue.Push(ctx, t.ID); err != nil {
				s.logger.Warn("push promoted task failed", zap.String("task_id", t.ID), zap.Error(err))
			}
		}
	}
	if len(due) > 0 {
		s.logger.Info("promoted delayed tasks", zap.Int("count", len(due)))
	}
	return nil
}

// fireSchedules submits a task for every due recurring schedule.
func (s *Scheduler) fireSchedules(ctx context.Context, now time.Time) error {
	due, err := s.store.ClaimDueSchedules(ctx, now)
	if err != nil {
		return err
	}
	for _, sc := range due {
		_, err := s.engine.Submit(ctx, sc.TaskType, sc.Input, task.OriginSchedule, task.SubmitOptions{
			Tags: []string{"schedule:" + sc.ID},
		})
		if err != nil {
			if errors.Is(err, task.ErrUnknownTaskType) {
				s.logger.Error("schedule references unregistered task type",
					zap.String("schedule_id", sc.ID), zap.String("type", sc.TaskType))
				continue
			}
			s.logger.Warn("submit scheduled task failed",
				zap.String("schedule_id", sc.ID), zap.Error(err))
		}
	}
	return nil
}

// repushStale re-enqueues queued tasks that sat untouched past the cutoff,
// closing the gap where a queue push failed after the store transition and
// left the task queued with no stream entry.
func (s *Scheduler) repushStale(ctx context.Context, now time.Time) error {
	stale, err := s.store.StaleQueued(ctx, now.Add(-staleQueuedAfter))
	if err != nil {
		return err
	}
	for _, t := range stale {
		if err := s.queue.Push(ctx, t.ID); err != nil {
			s.logger.Warn("repush stale task failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	if len(stale) > 0 {
		s.logger.Info("repushed stale queued tasks", zap.Int("count", len(stale)))
	}
	return nil
}

// recoverExpired requeues running tasks whose worker stopped heartbeating.
func (s *Scheduler) recoverExpired(ctx context.Context, now time.Time) error {
	recovered, err := s.store.RequeueExpired(ctx, now)
	if err != nil {
		return err
	}
	for _, t := range recovered {
		if err := s.queue.Push(ctx, t.ID); err != nil {
			s.logger.Warn("push recovered task failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		s.logger.Warn("recovered task from dead worker",
			zap.String("task_id", t.ID), zap.String("worker_id", t.WorkerID))
	}
	return nil
}
