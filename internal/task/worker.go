package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nidhogg/foreman/internal/adapter"
	"github.com/nidhogg/foreman/internal/queue"
	"go.uber.org/zap"
)

// RunWorkers starts the worker pool and blocks until ctx is cancelled and
// all workers have drained.
func (e *Engine) RunWorkers(ctx context.Context) error {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}

	var wg sync.WaitGroup
	for i := 0; i < e.opts.WorkerCount; i++ {
		name := fmt.Sprintf("%s-%d", host, i)
		deliveries, err := e.queue.Consume(ctx, name)
		if err != nil {
			return fmt.Errorf("start worker %s: %w", name, err)
		}
		wg.Add(1)
		go func(name string, deliveries <-chan queue.Delivery) {
			defer wg.Done()
			for d := range deliveries {
				e.handleDelivery(ctx, name, d)
			}
		}(name, deliveries)
	}
	e.logger.Info("worker pool started", zap.Int("workers", e.opts.WorkerCount))
	wg.Wait()
	return nil
}

// handleDelivery claims and executes one queued task. Deliveries for tasks
// no longer claimable (terminal, cancelled, claimed by a peer) are acked and
// dropped; at-least-once delivery makes duplicates routine, not errors.
func (e *Engine) handleDelivery(ctx context.Context, workerID string, d queue.Delivery) {
	t, err := e.store.ClaimRunning(ctx, d.TaskID, workerID, e.opts.Lease)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
			e.ack(ctx, d)
			return
		}
		// Storage hiccup: leave unacked so the queue redelivers.
		e.logger.Error("claim task failed", zap.String("task_id", d.TaskID), zap.Error(err))
		return
	}

	if t.CancelRequested {
		e.settleCancelled(ctx, t)
		e.ack(ctx, d)
		return
	}

	result, runErr := e.execute(ctx, workerID, t)
	switch {
	case runErr == nil:
		if err := e.store.MarkSucceeded(ctx, t.ID, result); err != nil {
			e.logger.Error("mark succeeded failed", zap.String("task_id", t.ID), zap.Error(err))
		} else {
			e.record(ctx, t.ID, t.Type, StatusSucceeded, "completed")
		}
	case errors.Is(runErr, ErrCancelled):
		e.settleCancelled(ctx, t)
	default:
		e.settleFailure(ctx, t, runErr)
	}
	e.ack(ctx, d)
}

// execute runs the task's handler under a lease heartbeat and a bounded
// timeout. Cancellation requests flip the run context between heartbeats.
func (e *Engine) execute(ctx context.Context, workerID string, t *Task) (map[string]any, error) {
	h, ok := e.handler(t.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, t.Type)
	}

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go e.heartbeat(ctx, workerID, t.ID, cancelRun, stopHeartbeat)

	execCtx, cancelTimeout := context.WithTimeout(runCtx, e.opts.HandlerTimeout)
	defer cancelTimeout()

	result, err := h.Execute(execCtx, &Context{
		Task:   t,
		Input:  t.Input,
		Flows:  e.flows,
		Memory: e.memory,
		Audit:  e.audit,
	})
	if err != nil && errors.Is(context.Cause(runCtx), ErrCancelled) {
		return nil, ErrCancelled
	}
	return result, err
}

// heartbeat extends the worker's lease while the handler runs and watches
// for a cancel request.
func (e *Engine) heartbeat(ctx context.Context, workerID, taskID string, cancelRun context.CancelCauseFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(e.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.ExtendLease(ctx, taskID, workerID, e.opts.Lease); err != nil {
				e.logger.Warn("extend lease failed", zap.String("task_id", taskID), zap.Error(err))
			}
			flagged, err := e.store.CancelRequested(ctx, taskID)
			if err != nil {
				continue
			}
			if flagged {
				cancelRun(ErrCancelled)
				return
			}
		}
	}
}

func (e *Engine) settleCancelled(ctx context.Context, t *Task) {
	if err := e.store.MarkFailed(ctx, t.ID, ErrCancelled.Error()); err != nil {
		e.logger.Error("mark cancelled failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	e.record(ctx, t.ID, t.Type, StatusFailed, "cancelled")
}

// settleFailure applies the retry policy: transient failures back off and
// requeue until the retry budget runs out; rejections escalate immediately.
func (e *Engine) settleFailure(ctx context.Context, t *Task, runErr error) {
	if err := e.store.MarkFailed(ctx, t.ID, runErr.Error()); err != nil {
		e.logger.Error("mark failed failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	e.record(ctx, t.ID, t.Type, StatusFailed, runErr.Error())

	rejected := errors.Is(runErr, adapter.ErrRejected) || errors.Is(runErr, ErrUnknownTaskType)
	if !rejected && t.RetryCount < e.opts.MaxRetries {
		if err := e.store.RetryFailed(ctx, t.ID); err != nil {
			e.logger.Error("retry failed", zap.String("task_id", t.ID), zap.Error(err))
			return
		}
		backoff := e.opts.BackoffBase << t.RetryCount
		if err := e.queue.PushDelayed(ctx, t.ID, backoff); err != nil {
			e.logger.Error("requeue failed", zap.String("task_id", t.ID), zap.Error(err))
			return
		}
		e.record(ctx, t.ID, t.Type, StatusQueued,
			fmt.Sprintf("retry %d/%d in %s", t.RetryCount+1, e.opts.MaxRetries, backoff))
		return
	}

	e.escalate(ctx, t, runErr)
}

// escalate hands an exhausted failure to the decider, then to a human.
func (e *Engine) escalate(ctx context.Context, t *Task, cause error) {
	if err := e.store.MarkEscalated(ctx, t.ID); err != nil {
		e.logger.Error("mark escalated failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	e.record(ctx, t.ID, t.Type, StatusEscalated, cause.Error())

	if e.decider == nil {
		return
	}
	action, err := e.decider.Decide(ctx, FailureReport{Task: t, Reason: cause.Error()})
	if err != nil {
		e.logger.Warn("decider failed, keeping escalated",
			zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	switch action {
	case ActionRetryNow:
		if err := e.store.MarkQueued(ctx, t.ID, StatusEscalated); err != nil {
			e.logger.Error("decider retry failed", zap.String("task_id", t.ID), zap.Error(err))
			return
		}
		if err := e.queue.Push(ctx, t.ID); err != nil {
			e.logger.Error("decider requeue failed", zap.String("task_id", t.ID), zap.Error(err))
			return
		}
		e.record(ctx, t.ID, t.Type, StatusQueued, "decider requested retry")
	case ActionCloseResolved:
		result := map[string]any{"resolved_by": "decider", "reason": cause.Error()}
		if err := e.store.ResolveEscalated(ctx, t.ID, result); err != nil {
			e.logger.Error("decider resolve failed", zap.String("task_id", t.ID), zap.Error(err))
			return
		}
		e.record(ctx, t.ID, t.Type, StatusSucceeded, "closed by decider")
	}
}

func (e *Engine) ack(ctx context.Context, d queue.Delivery) {
	if err := d.Ack(ctx); err != nil {
		e.logger.Warn("ack failed", zap.String("task_id", d.TaskID), zap.Error(err))
	}
}
