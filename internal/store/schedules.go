package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/foreman/internal/task"
)

// InsertSchedule persists a recurring schedule.
func (s *Store) InsertSchedule(ctx context.Context, sc *task.Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	sc.CreatedAt = time.Now()
	if sc.NextRunAt.IsZero() {
		sc.NextRunAt = sc.CreatedAt.Add(sc.Interval)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO schedules (id, task_type, input, interval_seconds, next_run_at, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sc.ID, sc.TaskType, sc.Input, int64(sc.Interval.Seconds()), sc.NextRunAt, sc.Enabled, sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// ClaimDueSchedules advances next_run_at on every due schedule and returns
// the claimed set. The conditional update keeps two scheduler instances from
// firing the same occurrence twice.
func (s *Store) ClaimDueSchedules(ctx context.Context, now time.Time) ([]task.Schedule, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE schedules
		SET next_run_at = next_run_at + make_interval(secs => interval_seconds)
		WHERE enabled AND next_run_at <= $1
		RETURNING id, task_type, input, interval_seconds, next_run_at, enabled, created_at`, now)
	if err != nil {
		return nil, fmt.Errorf("claim due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []task.Schedule
	for rows.Next() {
		var sc task.Schedule
		var intervalSec int64
		if err := rows.Scan(&sc.ID, &sc.TaskType, &sc.Input, &intervalSec, &sc.NextRunAt, &sc.Enabled, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Interval = time.Duration(intervalSec) * time.Second
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

// SetScheduleEnabled toggles a schedule without deleting its history.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE schedules SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set schedule enabled %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrNotFound
	}
	return nil
}
