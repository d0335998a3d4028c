package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/foreman/internal/task"
)

const taskColumns = `id, type, status, input, result, error_detail, origin, tags,
	requires_approval, cancel_requested, retry_count,
	COALESCE(worker_id, ''), lease_expires_at, delayed_until,
	COALESCE(delay_fallback, ''), archived, created_at, updated_at, completed_at`

// InsertTask persists a new task. The caller sets ID and initial status.
func (s *Store) InsertTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, type, status, input, origin, tags, requires_approval, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		t.ID, t.Type, string(t.Status), t.Input, string(t.Origin), t.Tags, t.RequiresApproval, now,
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a single task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	var status, origin, fallback string
	err := row.Scan(
		&t.ID, &t.Type, &status, &t.Input, &t.Result, &t.ErrorDetail,
		&origin, &t.Tags, &t.RequiresApproval, &t.CancelRequested,
		&t.RetryCount, &t.WorkerID, &t.LeaseExpiresAt, &t.DelayedUntil,
		&fallback, &t.Archived, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.Origin = task.Origin(origin)
	t.DelayFallback = task.Fallback(fallback)
	return &t, nil
}

// confirm maps a zero-row conditional update onto the error taxonomy:
// a missing row is ErrNotFound, an existing row in the wrong state is
// ErrInvalidTransition.
func (s *Store) confirm(ctx context.Context, affected int64, id string) error {
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check task %s: %w", id, err)
	}
	if !exists {
		return task.ErrNotFound
	}
	return task.ErrInvalidTransition
}

// MarkQueued transitions a task from one of the given statuses to queued.
func (s *Store) MarkQueued(ctx context.Context, id string, from ...task.Status) error {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'queued', delayed_until = NULL, worker_id = NULL,
			lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)`, id, states)
	if err != nil {
		return fmt.Errorf("mark queued %s: %w", id, err)
	}
	return s.confirm(ctx, tag.RowsAffected(), id)
}

// MarkRejected terminates a pending or queued task with a rejection reason.
// Queued rejection covers delay-deadline fallbacks; a running task cannot be
// rejected, only cancelled.
func (s *Store) MarkRejected(ctx context.Context, id, reason string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'rejected', error_detail = $2,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'queued')`, id, reason)
	if err != nil {
		return fmt.Errorf("mark rejected %s: %w", id, err)
	}
	return s.confirm(ctx, tag.RowsAffected(), id)
}

// MarkDelayed postpones a pending or queued task until the given time.
func (s *Store) MarkDelayed(ctx context.Context, id string, until time.Time, fallback task.Fallback) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'delayed', delayed_until = $2, delay_fallback = $3,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'queued')`, id, until, string(fallback))
	if err != nil {
		return fmt.Errorf("mark delayed %s: %w", id, err)
	}
	return s.confirm(ctx, tag.RowsAffected(), id)
}

// ClaimRunning transitions a queued task to running under a worker lease.
// Only one worker can win the claim; losers get ErrInvalidTransition.
func (s *Store) ClaimRunning(ctx context.Context, id, workerID string, lease time.Duration) (*task.Task, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE tasks SET status = 'running', worker_id = $2,
			lease_expires_at = NOW() + make_interval(secs => $3), updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
		RETURNING `+taskColumns,
		id, workerID, lease.Seconds())
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.confirm(ctx, 0, id)
	}
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	return t, nil
}

// ExtendLease renews the running lease held by workerID.
func (s *Store) ExtendLease(ctx context.Context, id, workerID string, lease time.Duration) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET lease_expires_at = NOW() + make_interval(secs => $3), updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND worker_id = $2`,
		id, workerID, lease.Seconds())
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", id, err)
	}
	return s.confirm(ctx, tag.RowsAffected(), id)
}

// MarkSucceeded terminates a running task with its result payload.
// Result is only ever written together with a terminal transition.
func (s *Store) MarkSucceeded(ctx context.Context, id string, result map[string]any) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'succeeded', result = $2, worker_id = NULL,
			lease_expires_at = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'`, id, result)
	if err != nil {
		return fmt.Errorf("mark succeeded %s: %w", id, err)
	}
	return s.confirm(ctx, tag.RowsAffected(), id)
}

// MarkFailed records a handler failure on a running task.
func (s *Store) MarkFailed(ctx context.Context, id, errDetail string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'failed', error_detail = $2, worker_id = NULL,
			lease_expires_at = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'`, id, errDetail)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return s.confirm(ctx, tag.RowsAffected(), id)
}

// RetryFailed moves a failed task back to queued and bumps its retry count.
func (s *Store) RetryFailed(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'queued', retry_count = retry_count + 1,
			completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("retry failed %s: %w", id, err)
	}
	return s.confirm(ctx, tag.RowsAffected(), id)
}

// MarkEscalated moves a failed task to escalated once retries are exhausted.
func (s *Store) MarkEscalated(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'escalated', completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("mark escalated %s: %w", id, err)
	}
	return s.confirm(ctx, tag.RowsAffected(), id)
}

// EscalateStale escalates a task that timed out waiting for a human
// decision, before it ever ran.
func (s *Store) EscalateStale(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'escalated', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'queued')`, id)
	if err != nil {
		return fmt.Errorf("escalate stale %s: %w", id, err)
	}
	return s.confirm(ctx, tag.RowsAffected(), id)
}

// ResolveEscalated closes an escalated task with a resolution result.
func (s *Store) ResolveEscalated(ctx context.Context, id string, result map[string]any) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'succeeded', result = $2,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'escalated'`, id, result)
	if err != nil {
		return fmt.Errorf("resolve escalated %s: %w", id, err)
	}
	return s.confirm(ctx, tag.RowsAffected(), id)
}

// RequestCancel flags a queued or running task for cooperative cancellation.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')`, id)
	if err != nil {
		return fmt.Errorf("request cancel %s: %w", id, err)
	}
	return s.confirm(ctx, tag.RowsAffected(), id)
}

// CancelRequested reports whether cancellation has been requested for a task.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flagged bool
	err := s.db.QueryRow(ctx, `SELECT cancel_requested FROM tasks WHERE id = $1`, id).Scan(&flagged)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, task.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("cancel requested %s: %w", id, err)
	}
	return flagged, nil
}

// ClaimDueDelayed atomically promotes all due delayed tasks to queued and
// returns them. The conditional update makes double promotion by concurrent
// scheduler instances impossible.
func (s *Store) ClaimDueDelayed(ctx context.Context, now time.Time) ([]*task.Task, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE tasks SET status = 'queued', delayed_until = NULL, updated_at = NOW()
		WHERE status = 'delayed' AND delayed_until <= $1
		RETURNING `+taskColumns, now)
	if err != nil {
		return nil, fmt.Errorf("claim due delayed: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// RequeueExpired returns running tasks whose lease has lapsed to queued.
// This is the crash detection path: a worker that died mid-run stops
// heartbeating and its task becomes claimable again.
func (s *Store) RequeueExpired(ctx context.Context, now time.Time) ([]*task.Task, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE tasks SET status = 'queued', worker_id = NULL,
			lease_expires_at = NULL, updated_at = NOW()
		WHERE status = 'running' AND lease_expires_at <= $1
		RETURNING `+taskColumns, now)
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// StaleQueued returns unarchived queued tasks untouched since the cutoff.
// A queued row can lack a stream entry when the push failed right after the
// status transition; workers never see it until the scheduler re-pushes.
func (s *Store) StaleQueued(ctx context.Context, olderThan time.Time) ([]*task.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'queued' AND NOT archived AND updated_at <= $1
		ORDER BY updated_at LIMIT 100`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("stale queued: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ArchiveTask soft-archives a terminal task. Tasks are never hard deleted.
func (s *Store) ArchiveTask(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET archived = TRUE, updated_at = NOW()
		WHERE id = $1 AND status IN ('succeeded', 'failed', 'rejected')`, id)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", id, err)
	}
	return s.confirm(ctx, tag.RowsAffected(), id)
}

// ListTasksByStatus returns unarchived tasks in the given status.
func (s *Store) ListTasksByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND NOT archived
		ORDER BY created_at LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*task.Task, error) {
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
