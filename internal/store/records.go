package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/foreman/internal/memory"
)

// InsertRecord appends a memory record to the audit log.
func (s *Store) InsertRecord(ctx context.Context, r *memory.Record) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO memory_records (id, content, tags, source, task_id, session_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)`,
		r.ID, r.Content, r.Tags, r.Source, r.TaskID, r.SessionID, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// RecordsByTask returns the audit trail for a task, oldest first.
func (s *Store) RecordsByTask(ctx context.Context, taskID string, limit int) ([]memory.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, content, tags, COALESCE(source, ''), COALESCE(task_id::text, ''),
		       COALESCE(session_id::text, ''), created_at
		FROM memory_records WHERE task_id = $1
		ORDER BY created_at LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("records by task %s: %w", taskID, err)
	}
	defer rows.Close()

	var records []memory.Record
	for rows.Next() {
		var r memory.Record
		if err := rows.Scan(&r.ID, &r.Content, &r.Tags, &r.Source, &r.TaskID, &r.SessionID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// FindOrCreateSession returns the active session for a participant,
// creating one if none exists.
func (s *Store) FindOrCreateSession(ctx context.Context, participant string) (*memory.Session, error) {
	var sess memory.Session
	err := s.db.QueryRow(ctx, `
		INSERT INTO sessions (id, participant, started_at, last_active_at)
		VALUES (gen_random_uuid(), $1, NOW(), NOW())
		ON CONFLICT (participant)
		DO UPDATE SET last_active_at = NOW()
		RETURNING id, participant, COALESCE(summary, ''), started_at, last_active_at`,
		participant,
	).Scan(&sess.ID, &sess.Participant, &sess.Summary, &sess.StartedAt, &sess.LastActiveAt)
	if err != nil {
		return nil, fmt.Errorf("find or create session: %w", err)
	}
	return &sess, nil
}

// UpdateSessionSummary stores a refreshed rolling summary for a session.
func (s *Store) UpdateSessionSummary(ctx context.Context, sessionID, summary string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sessions SET summary = $2 WHERE id = $1`, sessionID, summary)
	if err != nil {
		return fmt.Errorf("update session summary %s: %w", sessionID, err)
	}
	return nil
}

// StaleSessions returns sessions active since the cutoff whose summary is
// older than their latest records, candidates for asynchronous summarization.
func (s *Store) StaleSessions(ctx context.Context, activeSince time.Time, limit int) ([]memory.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, participant, COALESCE(summary, ''), started_at, last_active_at
		FROM sessions WHERE last_active_at >= $1
		ORDER BY last_active_at DESC LIMIT $2`, activeSince, limit)
	if err != nil {
		return nil, fmt.Errorf("stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []memory.Session
	for rows.Next() {
		var sess memory.Session
		if err := rows.Scan(&sess.ID, &sess.Participant, &sess.Summary, &sess.StartedAt, &sess.LastActiveAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// RecordsBySession returns the most recent records in a session.
func (s *Store) RecordsBySession(ctx context.Context, sessionID string, limit int) ([]memory.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, content, tags, COALESCE(source, ''), COALESCE(task_id::text, ''),
		       COALESCE(session_id::text, ''), created_at
		FROM memory_records WHERE session_id = $1
		ORDER BY created_at DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("records by session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var records []memory.Record
	for rows.Next() {
		var r memory.Record
		if err := rows.Scan(&r.ID, &r.Content, &r.Tags, &r.Source, &r.TaskID, &r.SessionID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
