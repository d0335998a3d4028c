package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/foreman/internal/task"
)

// OpenInboxEntry creates an inbox entry for a task awaiting approval.
func (s *Store) OpenInboxEntry(ctx context.Context, e *task.InboxEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now()
	_, err := s.db.Exec(ctx, `
		INSERT INTO inbox_entries (id, task_id, summary, deadline, fallback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.TaskID, e.Summary, e.Deadline, string(e.Fallback), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("open inbox entry for %s: %w", e.TaskID, err)
	}
	return nil
}

// PendingInboxEntries lists unresolved entries, oldest first.
func (s *Store) PendingInboxEntries(ctx context.Context, limit int) ([]task.InboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, task_id, summary, deadline, fallback, resolved, COALESCE(decision, ''), created_at
		FROM inbox_entries WHERE NOT resolved
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending inbox entries: %w", err)
	}
	defer rows.Close()
	return collectInboxEntries(rows)
}

// PendingInboxCount returns the number of unresolved entries.
func (s *Store) PendingInboxCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM inbox_entries WHERE NOT resolved`).Scan(&n); err != nil {
		return 0, fmt.Errorf("pending inbox count: %w", err)
	}
	return n, nil
}

// ResolveInboxEntry marks the entry for a task as decided. The conditional
// update means only one resolver wins; losers get ErrInvalidTransition.
func (s *Store) ResolveInboxEntry(ctx context.Context, taskID, decision string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE inbox_entries SET resolved = TRUE, decision = $2
		WHERE task_id = $1 AND NOT resolved`, taskID, decision)
	if err != nil {
		return fmt.Errorf("resolve inbox entry for %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrInvalidTransition
	}
	return nil
}

// ExpiredInboxEntries lists unresolved entries whose deadline has passed.
func (s *Store) ExpiredInboxEntries(ctx context.Context, now time.Time) ([]task.InboxEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, task_id, summary, deadline, fallback, resolved, COALESCE(decision, ''), created_at
		FROM inbox_entries
		WHERE NOT resolved AND deadline IS NOT NULL AND deadline <= $1
		ORDER BY deadline`, now)
	if err != nil {
		return nil, fmt.Errorf("expired inbox entries: %w", err)
	}
	defer rows.Close()
	return collectInboxEntries(rows)
}

func collectInboxEntries(rows pgx.Rows) ([]task.InboxEntry, error) {
	var entries []task.InboxEntry
	for rows.Next() {
		var e task.InboxEntry
		var fallback string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Summary, &e.Deadline, &fallback, &e.Resolved, &e.Decision, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan inbox entry: %w", err)
		}
		e.Fallback = task.Fallback(fallback)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
